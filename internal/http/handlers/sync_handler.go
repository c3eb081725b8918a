// Manual sync endpoint.
//
// A manual sync runs inline so the caller gets the outcome in the response.
// It bypasses the circuit breaker but not token health, and is limited to one
// per user per window.
//
// Idempotency:
// If the client supplies an Idempotency-Key and a result was already recorded
// for (user, integration, key), the stored metric is returned with
// `Idempotency-Replayed: true` and no new sync runs.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/http/middleware"
	"github.com/tbourn/go-sync-engine/internal/repo"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// ManualSyncRequest is the JSON payload for a manual sync.
type ManualSyncRequest struct {
	// Integration to sync, e.g. "google_calendar".
	Integration string `json:"integration" binding:"required" example:"google_calendar"`
}

// ManualSyncResponse reports the recorded outcome of the attempt.
type ManualSyncResponse struct {
	MetricID       string             `json:"metric_id" example:"0b9a1f7e-3c4d-4e5f-8a9b-0c1d2e3f4a5b"`
	Integration    domain.Integration `json:"integration" example:"google_calendar"`
	Result         domain.SyncResult  `json:"result" example:"success"`
	SkipReason     *domain.SkipReason `json:"skip_reason,omitempty"`
	ErrorKind      *domain.ErrorKind  `json:"error_kind,omitempty"`
	ChangeDetected bool               `json:"change_detected"`
	ItemsProcessed int                `json:"items_processed"`
	DurationMs     int64              `json:"duration_ms"`
}

func responseFromOutcome(out services.SyncOutcome) ManualSyncResponse {
	return ManualSyncResponse{
		MetricID:       out.MetricID,
		Integration:    out.Integration,
		Result:         out.Result,
		SkipReason:     out.SkipReason,
		ErrorKind:      out.ErrorKind,
		ChangeDetected: out.ChangeDetected,
		ItemsProcessed: out.ItemsProcessed,
		DurationMs:     out.DurationMs,
	}
}

func responseFromMetric(m *domain.SyncMetric) ManualSyncResponse {
	return ManualSyncResponse{
		MetricID:       m.ID,
		Integration:    m.Integration,
		Result:         m.Result,
		SkipReason:     m.SkipReason,
		ErrorKind:      m.ErrorKind,
		ChangeDetected: m.ChangeDetected,
		ItemsProcessed: m.ItemsProcessed,
		DurationMs:     m.DurationMs,
	}
}

// ManualSync godoc
// @ID          manualSync
// @Summary     Run a manual sync
// @Description Runs one sync for the caller's integration immediately and returns the recorded outcome. Limited to one per user per window (default 1m).
// @Tags        Sync
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Authenticated user id"  example(user123)
// @Param       Idempotency-Key  header  string  false "Replay-safe request key"  example(sync-2024-06-01T10:00)
// @Param       body             body    handlers.ManualSyncRequest  true  "Manual sync payload"
//
// @Success     200  {object}  handlers.ManualSyncResponse
// @Header      200  {string}  Idempotency-Replayed  "true when a stored result was returned"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing user"
// @Failure     404  {object}  handlers.ErrorResponse  "Integration not connected"
// @Failure     429  {object}  handlers.ErrorResponse  "Manual sync limit reached"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /api/v1/sync/manual [post]
func (h *Handlers) ManualSync(c *gin.Context) {
	ctx := c.Request.Context()
	uid, found := requireUser(c)
	if !found {
		return
	}

	var req ManualSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Integration) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "integration required")
		return
	}
	integ, err := domain.ParseIntegration(req.Integration)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeUnknownIntegration, err.Error())
		return
	}

	// Idempotency (replay path).
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, uid, integ, idemKey, h.now()); err == nil {
			if prev, err := h.metrics.Get(ctx, rec.MetricID); err == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, rec.Status, responseFromMetric(prev))
				return
			}
		}
	}

	if allowed, wait := h.manual.Allow("user:" + uid); !allowed {
		setRetryAfter(c, wait.Seconds())
		fail(c, http.StatusTooManyRequests, ErrCodeManualSyncLimited, "manual sync limit reached")
		return
	}

	out, err := h.sync.RunSync(ctx, uid, integ, domain.TriggerManual)
	if err != nil {
		failService(c, err, ErrCodeSyncFailed)
		return
	}
	if out.SkipReason != nil && *out.SkipReason == domain.SkipNotConnected {
		fail(c, http.StatusNotFound, ErrCodeNotConnected, "integration not connected")
		return
	}

	// Idempotency (store path), best effort.
	if idemKey != "" && h.db != nil && out.MetricID != "" {
		if _, err := repo.CreateIdempotency(ctx, h.db, uid, integ, idemKey, out.MetricID, http.StatusOK, h.idemTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			lg := middleware.LoggerFrom(c)
			lg.Warn().Err(err).Msg("store idempotency record")
		}
	}

	ok(c, http.StatusOK, responseFromOutcome(out))
}
