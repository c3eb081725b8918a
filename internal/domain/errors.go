package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures crossing the orchestrator boundary.
type ErrorKind string

const (
	// KindCredential: expired or revoked credential. Not retried by the sync
	// path; the user must reconnect.
	KindCredential ErrorKind = "credential"
	// KindTransient: network or timeout. Retried through normal scheduling.
	KindTransient ErrorKind = "transient"
	// KindRateLimit: provider throttle. Counts as a breaker failure and may
	// carry a retry-after hint.
	KindRateLimit ErrorKind = "rate_limit"
	// KindRegistration: webhook registration failure.
	KindRegistration ErrorKind = "registration"
	// KindValidation: malformed or unmatched webhook notification.
	KindValidation ErrorKind = "validation"
)

// SyncError is the typed error carried through the engine.
type SyncError struct {
	Kind       ErrorKind
	Err        error
	Message    string
	Revoked    bool          // credential errors: provider explicitly revoked the grant
	RetryAfter time.Duration // rate-limit hint, 0 when absent
}

func (e *SyncError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether scheduling may try the same operation again
// without user action.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimit, KindRegistration:
		return true
	}
	return false
}

// NewCredentialError builds a credential error. revoked distinguishes an
// explicit provider revocation from plain expiry.
func NewCredentialError(err error, revoked bool) *SyncError {
	return &SyncError{Kind: KindCredential, Err: err, Revoked: revoked}
}

// NewTransientError builds a transient error.
func NewTransientError(err error) *SyncError {
	return &SyncError{Kind: KindTransient, Err: err}
}

// NewRateLimitError builds a rate-limit error with an optional hint.
func NewRateLimitError(err error, retryAfter time.Duration) *SyncError {
	return &SyncError{Kind: KindRateLimit, Err: err, RetryAfter: retryAfter}
}

// NewRegistrationError builds a webhook registration error.
func NewRegistrationError(err error, msg string) *SyncError {
	return &SyncError{Kind: KindRegistration, Err: err, Message: msg}
}

// NewValidationError builds a notification validation error.
func NewValidationError(msg string) *SyncError {
	return &SyncError{Kind: KindValidation, Message: msg}
}

// Classify maps any error onto the taxonomy. Typed errors keep their kind,
// deadlines and cancellations are transient, and anything unknown is
// transient by default.
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SyncError{Kind: KindTransient, Err: err, Message: "timeout"}
	}
	return NewTransientError(err)
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	se := Classify(err)
	return se != nil && se.Kind == kind
}
