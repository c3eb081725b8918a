// Package services – ConnectionService
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// ConnectionStatus is the user-facing view of one integration.
type ConnectionStatus struct {
	UserID            string              `json:"user_id"`
	Integration       domain.Integration  `json:"integration"`
	DisplayName       string              `json:"display_name"`
	Connected         bool                `json:"connected"`
	TokenStatus       domain.TokenStatus  `json:"token_status,omitempty"`
	ReconnectRequired bool                `json:"reconnect_required"`
	BreakerState      domain.BreakerState `json:"breaker_state,omitempty"`
	NextRetryAt       *time.Time          `json:"next_retry_at,omitempty"`
	LastSyncAt        *time.Time          `json:"last_sync_at,omitempty"`
	NextSyncAt        *time.Time          `json:"next_sync_at,omitempty"`
	IntervalMs        int64               `json:"interval_ms,omitempty"`
	Onboarding        bool                `json:"onboarding"`
	PollingFallback   bool                `json:"polling_fallback"`
	WebhookExpiresAt  *time.Time          `json:"webhook_expires_at,omitempty"`
}

// ConnectionService runs the connect/disconnect lifecycle: connecting seeds
// token health and the schedule, resets the breaker and queues webhook
// registration and the initial sync; disconnecting removes every per-pair
// record except the metrics log.
type ConnectionService struct {
	Tokens    *TokenHealthTracker
	Breakers  *CircuitBreakerManager
	Scheduler *AdaptiveScheduler
	Webhooks  *WebhookLifecycleManager
	Queue     JobQueue
	Now       func() time.Time
}

// NewConnectionService constructs a ConnectionService.
func NewConnectionService(tokens *TokenHealthTracker, breakers *CircuitBreakerManager, sched *AdaptiveScheduler, webhooks *WebhookLifecycleManager, queue JobQueue) *ConnectionService {
	return &ConnectionService{
		Tokens:    tokens,
		Breakers:  breakers,
		Scheduler: sched,
		Webhooks:  webhooks,
		Queue:     queue,
	}
}

// Connect initializes (or re-initializes) the pair after the user authorized it.
func (s *ConnectionService) Connect(ctx context.Context, userID string, integ domain.Integration) (*ConnectionStatus, error) {
	ctx, span := otel.Tracer("services/ConnectionService").Start(ctx, "Connect",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("integration", string(integ)),
		),
	)
	defer span.End()

	if !integ.Valid() {
		return nil, ErrUnknownIntegration
	}
	health, err := s.Tokens.Initialize(ctx, userID, integ)
	if err != nil {
		return nil, fmt.Errorf("initialize token health: %w", err)
	}
	if health.Status.ReconnectRequired() {
		return nil, domain.NewCredentialError(errors.New("stored credential is not usable"), health.Status == domain.TokenRevoked)
	}
	if _, err := s.Scheduler.Initialize(ctx, userID, integ, clock(s.Now)); err != nil {
		return nil, fmt.Errorf("initialize schedule: %w", err)
	}
	if err := s.Breakers.Delete(ctx, userID, integ); err != nil {
		return nil, fmt.Errorf("reset circuit breaker: %w", err)
	}

	key := domain.PairKey{UserID: userID, Integration: integ}
	if integ.SupportsPush() {
		err := s.Queue.Enqueue(ctx, domain.JobWebhookRegister,
			domain.PairJobPayload{UserID: userID, Integration: integ},
			EnqueueOptions{DedupeKey: domain.WebhookDedupeKey(key)})
		if err != nil && !errors.Is(err, ErrJobDeduplicated) {
			return nil, fmt.Errorf("enqueue webhook registration: %w", err)
		}
	}
	err = s.Queue.Enqueue(ctx, domain.JobSync,
		domain.SyncJobPayload{UserID: userID, Integration: integ, Trigger: domain.TriggerInitial},
		EnqueueOptions{DedupeKey: domain.SyncDedupeKey(key)})
	if err != nil && !errors.Is(err, ErrJobDeduplicated) {
		return nil, fmt.Errorf("enqueue initial sync: %w", err)
	}

	log.Info().Str("user_id", userID).Str("integration", string(integ)).Msg("integration connected")
	return s.Status(ctx, userID, integ)
}

// Disconnect deletes the schedule, stops the webhook channel and deletes
// token health and breaker. Sync metrics are kept. The schedule goes first so
// a registration still in flight sees the pair as disconnected and drops its
// channel.
func (s *ConnectionService) Disconnect(ctx context.Context, userID string, integ domain.Integration) error {
	if !integ.Valid() {
		return ErrUnknownIntegration
	}
	if _, err := s.Scheduler.Get(ctx, userID, integ); err != nil {
		return err
	}

	errs := s.Scheduler.Delete(ctx, userID, integ)
	if integ.SupportsPush() {
		errs = multierr.Append(errs, s.Webhooks.Unregister(ctx, userID, integ))
	}
	errs = multierr.Append(errs, s.Breakers.Delete(ctx, userID, integ))
	errs = multierr.Append(errs, s.Tokens.Delete(ctx, userID, integ))
	if errs != nil {
		return errs
	}
	log.Info().Str("user_id", userID).Str("integration", string(integ)).Msg("integration disconnected")
	return nil
}

// Status assembles the connection view. A pair without a schedule is
// reported as not connected.
func (s *ConnectionService) Status(ctx context.Context, userID string, integ domain.Integration) (*ConnectionStatus, error) {
	if !integ.Valid() {
		return nil, ErrUnknownIntegration
	}
	st := &ConnectionStatus{UserID: userID, Integration: integ, DisplayName: integ.DisplayName()}

	sched, err := s.Scheduler.Get(ctx, userID, integ)
	if errors.Is(err, ErrNotConnected) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	now := clock(s.Now)
	st.Connected = true
	st.LastSyncAt = sched.LastSyncAt
	st.NextSyncAt = ptr(sched.NextSyncAt)
	st.IntervalMs = sched.CurrentIntervalMs
	st.Onboarding = sched.Onboarding(now)
	st.PollingFallback = sched.PollingFallback

	if th, err := s.Tokens.Get(ctx, userID, integ); err == nil {
		st.TokenStatus = th.Status
		st.ReconnectRequired = th.Status.ReconnectRequired()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	b, err := s.Breakers.Snapshot(ctx, userID, integ)
	if err != nil {
		return nil, err
	}
	st.BreakerState = b.State
	st.NextRetryAt = b.NextRetryAt

	if integ.SupportsPush() {
		if sub, err := s.Webhooks.Get(ctx, userID, integ); err == nil {
			st.WebhookExpiresAt = ptr(sub.ExpiresAt)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return st, nil
}
