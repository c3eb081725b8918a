// Package services – MetricsRecorder
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
	"github.com/tbourn/go-sync-engine/internal/utils"
)

var (
	// syncAttempts counts completed attempts by integration, trigger and result.
	syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_attempts_total",
			Help: "Total number of sync attempts.",
		},
		[]string{"integration", "trigger", "result"},
	)

	// syncSkips counts skipped attempts by reason.
	syncSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_skipped_total",
			Help: "Total number of skipped sync attempts by reason.",
		},
		[]string{"integration", "reason"},
	)

	// syncDuration records provider sync duration in seconds.
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of sync attempts in seconds.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
		[]string{"integration", "result"},
	)

	// syncAPICallsSaved accumulates provider calls avoided by skips and widening.
	syncAPICallsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_api_calls_saved_total",
			Help: "Provider API calls avoided by skipping or widened intervals.",
		},
		[]string{"integration"},
	)
)

func init() {
	prometheus.MustRegister(syncAttempts, syncSkips, syncDuration, syncAPICallsSaved)
}

// MetricsRecorder appends one SyncMetric per completed attempt and mirrors it
// to Prometheus and, when configured, an analytics sink.
type MetricsRecorder struct {
	DB    *gorm.DB
	Sink  AnalyticsSink
	Now   func() time.Time
	NewID func() string
}

// NewMetricsRecorder constructs a recorder. sink may be nil.
func NewMetricsRecorder(db *gorm.DB, sink AnalyticsSink) *MetricsRecorder {
	return &MetricsRecorder{DB: db, Sink: sink}
}

// Record persists m, filling in id and created_at when unset. The row is the
// source of truth; sink failures are logged and do not fail the call.
func (r *MetricsRecorder) Record(ctx context.Context, m *domain.SyncMetric) error {
	if m.ID == "" {
		if r.NewID != nil {
			m.ID = r.NewID()
		} else {
			m.ID = uuid.NewString()
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = clock(r.Now)
	}
	if err := repo.InsertMetric(ctx, r.DB, m); err != nil {
		return err
	}

	integ := string(m.Integration)
	syncAttempts.WithLabelValues(integ, string(m.TriggerType), string(m.Result)).Inc()
	if m.SkipReason != nil {
		syncSkips.WithLabelValues(integ, string(*m.SkipReason)).Inc()
	} else {
		syncDuration.WithLabelValues(integ, string(m.Result)).Observe(float64(m.DurationMs) / 1000)
	}
	if m.APICallsSaved > 0 {
		syncAPICallsSaved.WithLabelValues(integ).Add(float64(m.APICallsSaved))
	}

	if r.Sink != nil {
		if err := r.Sink.Capture(ctx, m); err != nil {
			log.Warn().Err(err).Str("metric_id", m.ID).Msg("analytics capture failed")
		}
	}
	return nil
}

// Get returns one metric row.
func (r *MetricsRecorder) Get(ctx context.Context, id string) (*domain.SyncMetric, error) {
	return repo.GetMetric(ctx, r.DB, id)
}

// ListPage returns a page of metrics, newest first, with the total count.
func (r *MetricsRecorder) ListPage(ctx context.Context, f repo.MetricFilter, page, pageSize int) ([]domain.SyncMetric, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = utils.DefaultPageSize
	}
	pageSize = utils.ClampPageSize(pageSize)
	total, err := repo.CountMetrics(ctx, r.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.SyncMetric{}, 0, nil
	}
	items, err := repo.ListMetricsPage(ctx, r.DB, f, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}
