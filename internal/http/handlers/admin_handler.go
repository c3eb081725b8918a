// Admin endpoints. Mounted behind middleware.AdminAuth.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// maxHealthWindow bounds the aggregation window of /admin/sync-health.
const maxHealthWindow = 30 * 24 * time.Hour

// ListMetricsResponse wraps a page of sync metrics.
type ListMetricsResponse struct {
	Metrics    []domain.SyncMetric `json:"metrics"`
	Pagination Pagination          `json:"pagination"`
}

// SyncHealth godoc
// @ID          syncHealth
// @Summary     Sync health report
// @Description Aggregates breaker states, token health, outcomes and skip reasons per integration over a trailing window.
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       window  query  string  false  "Go duration, e.g. 24h (max 720h)"  default(24h)
//
// @Success     200  {object}  services.HealthReport
// @Failure     400  {object}  handlers.ErrorResponse  "Bad window"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/sync-health [get]
func (h *Handlers) SyncHealth(c *gin.Context) {
	window := 24 * time.Hour
	if raw := strings.TrimSpace(c.Query("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxHealthWindow {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "window must be a positive duration up to 720h")
			return
		}
		window = d
	}

	rep, err := h.health.Report(c.Request.Context(), window)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeReportFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, rep)
}

// SyncMetrics godoc
// @ID          syncMetrics
// @Summary     List sync metrics
// @Description Returns the append-only attempt log, newest first, with optional filters.
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       user_id      query  string  false  "Filter by user"
// @Param       integration  query  string  false  "Filter by integration"
// @Param       result       query  string  false  "success | failure | skipped"
// @Param       since        query  string  false  "RFC3339 lower bound on created_at"
// @Param       page         query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size    query  int     false  "Items per page"  minimum(1) maximum(200) default(50)
//
// @Success     200  {object}  handlers.ListMetricsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad filter"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/sync-metrics [get]
func (h *Handlers) SyncMetrics(c *gin.Context) {
	var f repo.MetricFilter
	f.UserID = strings.TrimSpace(c.Query("user_id"))

	if raw := c.Query("integration"); raw != "" {
		integ, err := domain.ParseIntegration(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeUnknownIntegration, err.Error())
			return
		}
		f.Integration = integ
	}
	if raw := c.Query("result"); raw != "" {
		switch r := domain.SyncResult(raw); r {
		case domain.ResultSuccess, domain.ResultFailure, domain.ResultSkipped:
			f.Result = r
		default:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "result must be success, failure or skipped")
			return
		}
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t.UTC()
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.metrics.ListPage(c.Request.Context(), f, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if items == nil {
		items = []domain.SyncMetric{}
	}
	ok(c, http.StatusOK, ListMetricsResponse{Metrics: items, Pagination: paginate(page, pageSize, total)})
}
