// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics, domain codes
// name sync-engine conditions that status alone cannot convey.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "reconnect_required",
//	  "message": "integration must be reconnected"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeUnknownIntegration  = "unknown_integration"
	ErrCodeNotConnected        = "not_connected"
	ErrCodePushUnsupported     = "push_unsupported"
	ErrCodeReconnectRequired   = "reconnect_required"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeManualSyncLimited   = "manual_sync_limited"
	ErrCodeInvalidNotification = "invalid_notification"
	ErrCodeSyncFailed          = "sync_failed"
	ErrCodeListFailed          = "list_failed"
	ErrCodeReportFailed        = "report_failed"
)
