package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// MetricFilter narrows metric listings. Zero fields are ignored.
type MetricFilter struct {
	UserID      string
	Integration domain.Integration
	Result      domain.SyncResult
	Since       time.Time
}

func (f MetricFilter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Integration != "" {
		q = q.Where("integration = ?", f.Integration)
	}
	if f.Result != "" {
		q = q.Where("result = ?", f.Result)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	return q
}

// InsertMetric appends a metric row. Metrics are never updated.
func InsertMetric(ctx context.Context, db *gorm.DB, m *domain.SyncMetric) error {
	return db.WithContext(ctx).Create(m).Error
}

// GetMetric returns one metric row by id or ErrNotFound.
func GetMetric(ctx context.Context, db *gorm.DB, id string) (*domain.SyncMetric, error) {
	var m domain.SyncMetric
	err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMetrics returns the number of rows matching f.
func CountMetrics(ctx context.Context, db *gorm.DB, f MetricFilter) (int64, error) {
	var n int64
	err := f.apply(db.WithContext(ctx).Model(&domain.SyncMetric{})).Count(&n).Error
	return n, err
}

// ListMetricsPage returns rows matching f, newest first.
func ListMetricsPage(ctx context.Context, db *gorm.DB, f MetricFilter, offset, limit int) ([]domain.SyncMetric, error) {
	var out []domain.SyncMetric
	err := f.apply(db.WithContext(ctx).Model(&domain.SyncMetric{})).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
