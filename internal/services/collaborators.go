package services

import (
	"context"
	"time"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// SyncResult is what the data-sync collaborator reports for one run.
type SyncResult struct {
	ChangeDetected bool
	ItemsProcessed int
	Details        map[string]any
}

// ExternalSync performs the actual provider sync for a pair. Implementations
// return typed *domain.SyncError values where they can; anything else is
// classified as transient.
type ExternalSync interface {
	Run(ctx context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (SyncResult, error)
}

// Credential is the engine's view of a stored OAuth grant. The token material
// itself never leaves the credential store.
type Credential struct {
	ExpiresAt *time.Time
	Revoked   bool
}

// CredentialStore owns OAuth tokens.
type CredentialStore interface {
	// GetToken reads the locally persisted credential without calling the provider.
	GetToken(ctx context.Context, userID string, integ domain.Integration) (*Credential, error)
	// RefreshToken exchanges the refresh token with the provider.
	RefreshToken(ctx context.Context, userID string, integ domain.Integration) (*Credential, error)
	// MarkRevoked flags the grant as unusable until the user reconnects.
	MarkRevoked(ctx context.Context, userID string, integ domain.Integration) error
}

// HealthChange describes a token status transition.
type HealthChange struct {
	UserID      string             `json:"user_id"`
	Integration domain.Integration `json:"integration"`
	From        domain.TokenStatus `json:"from"`
	To          domain.TokenStatus `json:"to"`
	At          time.Time          `json:"at"`
}

// Notifier delivers user-facing "reconnect required" notices.
type Notifier interface {
	OnHealthChanged(ctx context.Context, change HealthChange) error
}

// WatchRequest asks the provider to open a push channel.
type WatchRequest struct {
	UserID      string
	Integration domain.Integration
	ChannelID   string
	Token       string
	CallbackURL string
}

// WatchResponse is the provider's answer to a WatchRequest.
type WatchResponse struct {
	ResourceID string
	ExpiresAt  time.Time
}

// PushProvider registers and stops provider push channels.
type PushProvider interface {
	Watch(ctx context.Context, req WatchRequest) (WatchResponse, error)
	Stop(ctx context.Context, userID string, integ domain.Integration, channelID, resourceID string) error
}

// EnqueueOptions controls delivery of a queued job.
type EnqueueOptions struct {
	Delay     time.Duration
	DedupeKey string
}

// JobQueue is an at-least-once job queue with delayed delivery and
// per-key deduplication.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) error
}

// JobScheduler registers recurring jobs by cron expression.
type JobScheduler interface {
	Schedule(jobType, cronSpec string) error
}

// Locker provides a per-key mutual exclusion lease.
type Locker interface {
	// TryLock acquires key for ttl. ok is false when someone else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// AnalyticsSink receives a copy of every recorded sync metric.
type AnalyticsSink interface {
	Capture(ctx context.Context, m *domain.SyncMetric) error
}
