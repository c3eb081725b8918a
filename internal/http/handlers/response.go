// Package handlers provides HTTP handler implementations for the public,
// webhook and admin APIs.
//
// This file defines the response utilities shared by every endpoint: the
// error envelope, success writers, and the mapping from service and sync
// errors onto stable codes.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_connected",
//	  "message": "integration not connected"
//	}
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/http/middleware"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_connected"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"integration not connected"`
}

// fail aborts the request with a structured error. Server errors (>=500) are
// logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail() for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// failService maps service sentinels and classified sync errors to HTTP.
// Unrecognized errors become 500 with fallbackCode.
func failService(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrUnknownIntegration):
		fail(c, http.StatusBadRequest, ErrCodeUnknownIntegration, "unknown integration")
		return
	case errors.Is(err, services.ErrNotConnected):
		fail(c, http.StatusNotFound, ErrCodeNotConnected, "integration not connected")
		return
	case errors.Is(err, services.ErrPushUnsupported):
		fail(c, http.StatusBadRequest, ErrCodePushUnsupported, "integration does not support push notifications")
		return
	}

	var se *domain.SyncError
	if errors.As(err, &se) {
		switch se.Kind {
		case domain.KindValidation:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, se.Error())
		case domain.KindCredential:
			fail(c, http.StatusConflict, ErrCodeReconnectRequired, "integration must be reconnected")
		case domain.KindRateLimit:
			if se.RetryAfter > 0 {
				setRetryAfter(c, se.RetryAfter.Seconds())
			}
			fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, "provider rate limit reached")
		case domain.KindTransient, domain.KindRegistration:
			fail(c, http.StatusServiceUnavailable, ErrCodeUpstreamUnavailable, se.Error())
		default:
			fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
		}
		return
	}
	fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
}

// setRetryAfter writes Retry-After in whole seconds, at least 1.
func setRetryAfter(c *gin.Context, seconds float64) {
	s := int(math.Ceil(seconds))
	if s < 1 {
		s = 1
	}
	c.Header("Retry-After", strconv.Itoa(s))
}
