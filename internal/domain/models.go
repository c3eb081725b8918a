// Package domain defines the persistence models for token health, circuit
// breakers, sync schedules, webhook subscriptions and sync metrics. These
// types are mapped with GORM; every stateful record is keyed by
// (user_id, integration) and shares the lifecycle of the OAuth connection.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// TokenStatus is the health of a stored credential.
type TokenStatus string

const (
	TokenValid        TokenStatus = "valid"
	TokenExpiringSoon TokenStatus = "expiring_soon"
	TokenExpired      TokenStatus = "expired"
	TokenRevoked      TokenStatus = "revoked"
	TokenUnknown      TokenStatus = "unknown"
)

// Usable reports whether a sync may call the provider with this credential.
// An expiring token still authenticates until expires_at.
func (s TokenStatus) Usable() bool {
	return s == TokenValid || s == TokenExpiringSoon
}

// ReconnectRequired reports whether the user has to re-authorize.
func (s TokenStatus) ReconnectRequired() bool {
	return s == TokenExpired || s == TokenRevoked
}

// DeriveTokenStatus computes a status from the provider-assigned expiry and
// the provider-reported revocation flag only.
func DeriveTokenStatus(expiresAt *time.Time, revoked bool, now time.Time, lookahead time.Duration) TokenStatus {
	switch {
	case revoked:
		return TokenRevoked
	case expiresAt == nil:
		return TokenUnknown
	case !now.Before(*expiresAt):
		return TokenExpired
	case expiresAt.Sub(now) <= lookahead:
		return TokenExpiringSoon
	default:
		return TokenValid
	}
}

// TokenHealth tracks validity of a user's stored credential for one
// integration. It is mutated only by the token health tracker.
type TokenHealth struct {
	UserID        string      `json:"user_id"         gorm:"type:varchar(64);primaryKey"`
	Integration   Integration `json:"integration"     gorm:"type:varchar(32);primaryKey"`
	Status        TokenStatus `json:"status"          gorm:"type:varchar(16);not null;index"`
	Revoked       bool        `json:"revoked"         gorm:"not null;default:false"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	LastCheckedAt time.Time   `json:"last_checked_at"`
	Version       int64       `json:"-"               gorm:"not null;default:0"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TableName returns the database table name for TokenHealth.
func (TokenHealth) TableName() string { return "token_health" }

// BreakerState is a circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker gates sync attempts for one (user, integration) pair.
//
// Invariants:
//   - State == open implies NextRetryAt is set (in the future when opened).
//   - ConsecutiveFailures returns to 0 only on a transition into closed.
//
// Version increments on every write; writers compare-and-swap on it.
type CircuitBreaker struct {
	UserID              string       `json:"user_id"              gorm:"type:varchar(64);primaryKey"`
	Integration         Integration  `json:"integration"          gorm:"type:varchar(32);primaryKey"`
	State               BreakerState `json:"state"                gorm:"type:varchar(16);not null;default:'closed';index"`
	ConsecutiveFailures int          `json:"consecutive_failures" gorm:"not null;default:0;check:chk_breaker_failures,consecutive_failures >= 0"`
	NextRetryAt         *time.Time   `json:"next_retry_at,omitempty"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	LastErrorKind       string       `json:"last_error_kind,omitempty" gorm:"type:varchar(32)"`
	Version             int64        `json:"-"                    gorm:"not null;default:0"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// TableName returns the database table name for CircuitBreaker.
func (CircuitBreaker) TableName() string { return "circuit_breakers" }

// SyncSchedule owns the adaptive next-sync timestamp for a pair.
// All intervals are integer milliseconds and
// MinIntervalMs <= CurrentIntervalMs <= MaxIntervalMs holds after every write.
type SyncSchedule struct {
	UserID                   string      `json:"user_id"                     gorm:"type:varchar(64);primaryKey"`
	Integration              Integration `json:"integration"                 gorm:"type:varchar(32);primaryKey"`
	CurrentIntervalMs        int64       `json:"current_interval_ms"         gorm:"not null"`
	DefaultIntervalMs        int64       `json:"default_interval_ms"         gorm:"not null"`
	MinIntervalMs            int64       `json:"min_interval_ms"             gorm:"not null"`
	MaxIntervalMs            int64       `json:"max_interval_ms"             gorm:"not null"`
	ConsecutiveNoChangeCount int         `json:"consecutive_no_change_count" gorm:"not null;default:0"`
	LastSyncAt               *time.Time  `json:"last_sync_at,omitempty"`
	NextSyncAt               time.Time   `json:"next_sync_at"                gorm:"not null;index"`
	OnboardingUntil          *time.Time  `json:"onboarding_until,omitempty"`
	PollingFallback          bool        `json:"polling_fallback"            gorm:"not null;default:false;index"`
	Version                  int64       `json:"-"                           gorm:"not null;default:0"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
}

// TableName returns the database table name for SyncSchedule.
func (SyncSchedule) TableName() string { return "sync_schedules" }

// Onboarding reports whether the schedule is still inside its onboarding window.
func (s *SyncSchedule) Onboarding(now time.Time) bool {
	return s.OnboardingUntil != nil && now.Before(*s.OnboardingUntil)
}

// WebhookSubscription is the single active push channel for a push-capable
// pair. ExpiresAt is always provider-assigned.
type WebhookSubscription struct {
	UserID             string      `json:"user_id"      gorm:"type:varchar(64);primaryKey"`
	Integration        Integration `json:"integration"  gorm:"type:varchar(32);primaryKey"`
	ChannelID          string      `json:"channel_id"   gorm:"type:varchar(64);not null;uniqueIndex"`
	ResourceID         string      `json:"resource_id"  gorm:"type:varchar(255);not null"`
	ChannelToken       string      `json:"-"            gorm:"type:varchar(128);not null"`
	ExpiresAt          time.Time   `json:"expires_at"   gorm:"not null;index"`
	RegisteredAt       time.Time   `json:"registered_at" gorm:"not null"`
	LastNotificationAt *time.Time  `json:"last_notification_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// TableName returns the database table name for WebhookSubscription.
func (WebhookSubscription) TableName() string { return "webhook_subscriptions" }

// Stale reports whether the provider-assigned expiry has passed.
func (w *WebhookSubscription) Stale(now time.Time) bool { return !now.Before(w.ExpiresAt) }

// LastActivity is the most recent sign of life on the channel.
func (w *WebhookSubscription) LastActivity() time.Time {
	if w.LastNotificationAt != nil && w.LastNotificationAt.After(w.RegisteredAt) {
		return *w.LastNotificationAt
	}
	return w.RegisteredAt
}

// TriggerType is what caused a sync attempt.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
	TriggerManual    TriggerType = "manual"
	TriggerInitial   TriggerType = "initial"
)

// ParseTrigger validates a trigger type.
func ParseTrigger(s string) (TriggerType, bool) {
	switch t := TriggerType(s); t {
	case TriggerScheduled, TriggerWebhook, TriggerManual, TriggerInitial:
		return t, true
	}
	return "", false
}

// SteadyState reports whether outcomes of this trigger feed the adaptive
// interval. Manual and initial syncs are one-off events.
func (t TriggerType) SteadyState() bool {
	return t == TriggerScheduled || t == TriggerWebhook
}

// SyncResult is the outcome class of an attempt.
type SyncResult string

const (
	ResultSuccess SyncResult = "success"
	ResultFailure SyncResult = "failure"
	ResultSkipped SyncResult = "skipped"
)

// SkipReason explains a skipped attempt.
type SkipReason string

const (
	SkipInvalidToken SkipReason = "invalid_token"
	SkipCircuitOpen  SkipReason = "circuit_open"
	SkipInProgress   SkipReason = "in_progress"
	SkipNotConnected SkipReason = "not_connected"
)

// SyncMetric is one append-only row per completed sync attempt. Rows are never
// updated or deleted by the engine.
type SyncMetric struct {
	ID             string         `json:"id"                    gorm:"type:char(36);primaryKey"`
	UserID         string         `json:"user_id"               gorm:"type:varchar(64);not null;index"`
	Integration    Integration    `json:"integration"           gorm:"type:varchar(32);not null;index"`
	TriggerType    TriggerType    `json:"trigger_type"          gorm:"type:varchar(16);not null"`
	Result         SyncResult     `json:"result"                gorm:"type:varchar(16);not null;index;check:chk_sync_metrics_result,result IN ('success','failure','skipped')"`
	SkipReason     *SkipReason    `json:"skip_reason,omitempty" gorm:"type:varchar(32)"`
	ErrorKind      *ErrorKind     `json:"error_kind,omitempty"  gorm:"type:varchar(32)"`
	DurationMs     int64          `json:"duration_ms"           gorm:"not null;default:0"`
	ItemsProcessed int            `json:"items_processed"       gorm:"not null;default:0"`
	APICallsSaved  int            `json:"api_calls_saved"       gorm:"not null;default:0"`
	ChangeDetected bool           `json:"change_detected"       gorm:"not null;default:false"`
	Details        datatypes.JSON `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"            gorm:"not null;index"`
}

// TableName returns the database table name for SyncMetric.
func (SyncMetric) TableName() string { return "sync_metrics" }
