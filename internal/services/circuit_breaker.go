// Package services – CircuitBreakerManager
//
// This file implements the per-pair circuit breaker (closed, open, half_open)
// that stops scheduled work against an integration after repeated failures
// and lets a single trial through once the cooldown has passed.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// CircuitBreakerManager gates sync attempts per (user, integration).
//
//	closed --(Threshold consecutive failures)--> open
//	open --(now >= next_retry_at, BeginAttempt)--> half_open
//	half_open --success--> closed, half_open --failure--> open
//
// Every mutation is a version-checked compare-and-swap, so concurrent
// workers cannot both win the half_open trial.
type CircuitBreakerManager struct {
	DB  *gorm.DB
	Cfg config.SyncConfig
	Now func() time.Time
}

// NewCircuitBreakerManager constructs a breaker manager.
func NewCircuitBreakerManager(db *gorm.DB, cfg config.SyncConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{DB: db, Cfg: cfg}
}

// IsEligible reports whether a non-manual attempt may run now. It does not
// change state; BeginAttempt claims the half_open trial.
func (m *CircuitBreakerManager) IsEligible(ctx context.Context, userID string, integ domain.Integration) (bool, error) {
	b, err := repo.GetBreaker(ctx, m.DB, userID, integ)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return m.eligible(b, clock(m.Now)), nil
}

// BeginAttempt claims the right to run an attempt. In closed state it always
// succeeds; an open breaker past next_retry_at moves to half_open and exactly
// one caller wins the trial; a half_open trial older than TrialTimeout is
// considered abandoned and may be retaken.
func (m *CircuitBreakerManager) BeginAttempt(ctx context.Context, userID string, integ domain.Integration) (bool, error) {
	ctx, span := otel.Tracer("services/CircuitBreakerManager").Start(ctx, "BeginAttempt",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("integration", string(integ)),
		),
	)
	defer span.End()

	var allowed bool
	err := retryOnConflict(ctx, func() error {
		allowed = false
		b, err := repo.EnsureBreaker(ctx, m.DB, userID, integ)
		if err != nil {
			return err
		}
		now := clock(m.Now)
		if !m.eligible(b, now) {
			return nil
		}
		if b.State == domain.BreakerClosed {
			allowed = true
			return nil
		}
		// open past its retry time, or an abandoned half_open trial
		b.State = domain.BreakerHalfOpen
		b.UpdatedAt = now
		if err := repo.UpdateBreaker(ctx, m.DB, b); err != nil {
			return err
		}
		allowed = true
		log.Info().
			Str("user_id", userID).
			Str("integration", string(integ)).
			Msg("circuit half-open, trial attempt")
		return nil
	})
	if errors.Is(err, repo.ErrConflict) {
		// Lost every race: someone else is running the trial.
		return false, nil
	}
	span.SetAttributes(attribute.Bool("breaker.allowed", allowed))
	return allowed, err
}

// RecordSuccess closes the breaker and clears the failure count.
func (m *CircuitBreakerManager) RecordSuccess(ctx context.Context, userID string, integ domain.Integration) error {
	return retryOnConflict(ctx, func() error {
		b, err := repo.EnsureBreaker(ctx, m.DB, userID, integ)
		if err != nil {
			return err
		}
		if b.State == domain.BreakerClosed && b.ConsecutiveFailures == 0 {
			return nil
		}
		prev := b.State
		b.State = domain.BreakerClosed
		b.ConsecutiveFailures = 0
		b.NextRetryAt = nil
		b.OpenedAt = nil
		b.LastErrorKind = ""
		b.UpdatedAt = clock(m.Now)
		if err := repo.UpdateBreaker(ctx, m.DB, b); err != nil {
			return err
		}
		if prev != domain.BreakerClosed {
			log.Info().Str("user_id", userID).Str("integration", string(integ)).Msg("circuit closed")
		}
		return nil
	})
}

// RecordFailure counts a failed attempt. The breaker opens at Threshold
// consecutive failures, and a failed half_open trial reopens it with a fresh
// cooldown. A retry-after hint longer than the cooldown pushes next_retry_at
// out to honor the provider.
func (m *CircuitBreakerManager) RecordFailure(ctx context.Context, userID string, integ domain.Integration, kind domain.ErrorKind, retryAfter time.Duration) error {
	return retryOnConflict(ctx, func() error {
		b, err := repo.EnsureBreaker(ctx, m.DB, userID, integ)
		if err != nil {
			return err
		}
		now := clock(m.Now)
		b.ConsecutiveFailures++
		b.LastErrorKind = string(kind)
		b.UpdatedAt = now

		switch b.State {
		case domain.BreakerHalfOpen:
			m.open(b, now, retryAfter)
		case domain.BreakerOpen:
			// Only a bypassing manual attempt can fail while open.
			if until := now.Add(retryAfter); b.NextRetryAt == nil || until.After(*b.NextRetryAt) {
				b.NextRetryAt = ptr(until)
			}
		case domain.BreakerClosed:
			if b.ConsecutiveFailures >= m.Cfg.BreakerThreshold {
				m.open(b, now, retryAfter)
			}
		}
		if err := repo.UpdateBreaker(ctx, m.DB, b); err != nil {
			return err
		}
		if b.State == domain.BreakerOpen {
			log.Warn().
				Str("user_id", userID).
				Str("integration", string(integ)).
				Int("failures", b.ConsecutiveFailures).
				Time("next_retry_at", *b.NextRetryAt).
				Msg("circuit open")
		}
		return nil
	})
}

// Snapshot returns the current breaker, or an unsaved closed breaker when
// none exists yet.
func (m *CircuitBreakerManager) Snapshot(ctx context.Context, userID string, integ domain.Integration) (*domain.CircuitBreaker, error) {
	b, err := repo.GetBreaker(ctx, m.DB, userID, integ)
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.CircuitBreaker{UserID: userID, Integration: integ, State: domain.BreakerClosed}, nil
	}
	return b, err
}

// Delete removes the breaker for a pair.
func (m *CircuitBreakerManager) Delete(ctx context.Context, userID string, integ domain.Integration) error {
	return repo.DeleteBreaker(ctx, m.DB, userID, integ)
}

func (m *CircuitBreakerManager) eligible(b *domain.CircuitBreaker, now time.Time) bool {
	switch b.State {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		return b.NextRetryAt == nil || !now.Before(*b.NextRetryAt)
	case domain.BreakerHalfOpen:
		return now.Sub(b.UpdatedAt) >= m.Cfg.TrialTimeout
	}
	return false
}

func (m *CircuitBreakerManager) open(b *domain.CircuitBreaker, now time.Time, retryAfter time.Duration) {
	b.State = domain.BreakerOpen
	b.OpenedAt = ptr(now)
	b.NextRetryAt = ptr(now.Add(maxDur(m.Cfg.BreakerCooldown, retryAfter)))
}
