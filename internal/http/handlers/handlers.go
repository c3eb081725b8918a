// Package handlers exposes the sync engine over HTTP:
//   - POST   /webhooks/{integration}                      (provider push notifications)
//   - POST   {api}/sync/manual                            (user-initiated sync)
//   - POST   {api}/integrations/{integration}/connect     (connection lifecycle)
//   - DELETE {api}/integrations/{integration}
//   - GET    {api}/integrations/{integration}/status
//   - GET    /admin/sync-health, /admin/sync-metrics      (operator views)
//
// Handlers are transport-thin: they validate input, call the engine's
// services and translate results into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/http/middleware"
	"github.com/tbourn/go-sync-engine/internal/repo"
	"github.com/tbourn/go-sync-engine/internal/services"
	"github.com/tbourn/go-sync-engine/internal/utils"
)

//
// Service contracts (context-aware)
//

// SyncRunner runs one orchestrated sync attempt.
type SyncRunner interface {
	RunSync(ctx context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (services.SyncOutcome, error)
}

// NotificationReceiver validates and dispatches push notifications.
type NotificationReceiver interface {
	OnNotificationReceived(ctx context.Context, n services.Notification) (services.NotificationResult, error)
}

// ConnectionManager drives the connection lifecycle of a pair.
type ConnectionManager interface {
	Connect(ctx context.Context, userID string, integ domain.Integration) (*services.ConnectionStatus, error)
	Disconnect(ctx context.Context, userID string, integ domain.Integration) error
	Status(ctx context.Context, userID string, integ domain.Integration) (*services.ConnectionStatus, error)
}

// HealthReporter aggregates engine health over a window.
type HealthReporter interface {
	Report(ctx context.Context, window time.Duration) (*services.HealthReport, error)
}

// MetricsReader reads the append-only sync metric log.
type MetricsReader interface {
	Get(ctx context.Context, id string) (*domain.SyncMetric, error)
	ListPage(ctx context.Context, f repo.MetricFilter, page, pageSize int) ([]domain.SyncMetric, int64, error)
}

//
// Handler wiring
//

// Deps carries everything the handlers need. DB backs idempotency records.
type Deps struct {
	Sync        SyncRunner
	Webhooks    NotificationReceiver
	Connections ConnectionManager
	Health      HealthReporter
	Metrics     MetricsReader

	DB             *gorm.DB
	IdempotencyTTL time.Duration
	// ManualLimiter enforces one manual sync per user per window.
	ManualLimiter *middleware.RateLimiter
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	sync     SyncRunner
	webhooks NotificationReceiver
	conns    ConnectionManager
	health   HealthReporter
	metrics  MetricsReader

	db      *gorm.DB
	idemTTL time.Duration
	manual  *middleware.RateLimiter
	now     func() time.Time
}

// New constructs Handlers from d. A nil ManualLimiter defaults to one manual
// sync per user per minute.
func New(d Deps) *Handlers {
	h := &Handlers{
		sync:     d.Sync,
		webhooks: d.Webhooks,
		conns:    d.Connections,
		health:   d.Health,
		metrics:  d.Metrics,
		db:       d.DB,
		idemTTL:  d.IdempotencyTTL,
		manual:   d.ManualLimiter,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if h.idemTTL <= 0 {
		h.idemTTL = 24 * time.Hour
	}
	if h.manual == nil {
		h.manual = middleware.NewWindowLimiter(time.Minute, middleware.KeyByUserOrIP(), ErrCodeManualSyncLimited, "")
	}
	return h
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

//
// Helpers
//

// requireUser returns the caller's id or aborts with 401.
func requireUser(c *gin.Context) (string, bool) {
	uid, found := middleware.UserID(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing "+middleware.HeaderUserID)
		return "", false
	}
	return uid, true
}

// integrationParam parses the :integration path segment or aborts with 400.
func integrationParam(c *gin.Context) (domain.Integration, bool) {
	integ, err := domain.ParseIntegration(c.Param("integration"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeUnknownIntegration, err.Error())
		return "", false
	}
	return integ, true
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}
