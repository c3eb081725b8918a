// Package services – AdaptiveScheduler
//
// This file implements the AdaptiveScheduler, which widens or tightens each
// pair's polling interval from recent change history and exposes the due
// and polling-fallback queries the sweeps run on.
package services

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// NextInterval is the result of ComputeNextInterval.
type NextInterval struct {
	IntervalMs    int64
	NoChangeCount int
}

// AdaptiveScheduler owns next_sync_at per (user, integration). Intervals are
// integer milliseconds and always stay within the schedule's [min, max].
type AdaptiveScheduler struct {
	DB  *gorm.DB
	Cfg config.SyncConfig
	Now func() time.Time

	// DueBatchSize caps one GetDue call; zero means 1000.
	DueBatchSize int
}

// NewAdaptiveScheduler constructs a scheduler with the default due batch size.
func NewAdaptiveScheduler(db *gorm.DB, cfg config.SyncConfig) *AdaptiveScheduler {
	return &AdaptiveScheduler{DB: db, Cfg: cfg}
}

// GetDue lists pairs whose next_sync_at is at or before now. It never mutates.
func (a *AdaptiveScheduler) GetDue(ctx context.Context, now time.Time) ([]domain.PairKey, error) {
	ctx, span := otel.Tracer("services/AdaptiveScheduler").Start(ctx, "GetDue")
	defer span.End()

	limit := a.DueBatchSize
	if limit <= 0 {
		limit = 1000
	}
	rows, err := repo.ListDueSchedules(ctx, a.DB, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PairKey, 0, len(rows))
	for _, s := range rows {
		out = append(out, domain.PairKey{UserID: s.UserID, Integration: s.Integration})
	}
	span.SetAttributes(attribute.Int("due.count", len(out)))
	return out, nil
}

// ComputeNextInterval derives the next interval from a steady-state sync
// outcome. It is pure: the schedule is not modified.
//
//   - onboarding pins the interval to OnboardingInterval
//   - polling fallback pins it to the integration's fallback interval
//   - a detected change resets to the default interval and the counter
//   - WidenTriggerCount unchanged syncs in a row widen by WidenMultiplier,
//     once, and reset the counter
//
// The first computation after onboarding ends starts from the default
// interval rather than the onboarding one.
func (a *AdaptiveScheduler) ComputeNextInterval(s domain.SyncSchedule, changeDetected bool, now time.Time) NextInterval {
	clamp := func(v int64) int64 {
		if v < s.MinIntervalMs {
			return s.MinIntervalMs
		}
		if v > s.MaxIntervalMs {
			return s.MaxIntervalMs
		}
		return v
	}

	if s.Onboarding(now) {
		return NextInterval{IntervalMs: clamp(ms(a.Cfg.OnboardingInterval))}
	}
	if s.PollingFallback {
		if fb := a.Cfg.Profile(s.Integration).Fallback; fb > 0 {
			return NextInterval{IntervalMs: clamp(ms(fb))}
		}
	}
	if changeDetected {
		return NextInterval{IntervalMs: clamp(s.DefaultIntervalMs)}
	}

	base := s.CurrentIntervalMs
	count := s.ConsecutiveNoChangeCount
	if s.OnboardingUntil != nil {
		// onboarding just elapsed
		base, count = s.DefaultIntervalMs, 0
	}
	count++
	if count >= a.Cfg.WidenTriggerCount {
		widened := int64(math.Round(float64(base) * a.Cfg.WidenMultiplier))
		return NextInterval{IntervalMs: clamp(widened)}
	}
	return NextInterval{IntervalMs: clamp(base), NoChangeCount: count}
}

// Initialize starts (or restarts) onboarding for a freshly connected pair:
// the interval is pinned to OnboardingInterval until now+OnboardingWindow.
func (a *AdaptiveScheduler) Initialize(ctx context.Context, userID string, integ domain.Integration, now time.Time) (*domain.SyncSchedule, error) {
	p := a.Cfg.Profile(integ)
	now = now.UTC()
	s := &domain.SyncSchedule{
		UserID:            userID,
		Integration:       integ,
		DefaultIntervalMs: ms(p.Default),
		MinIntervalMs:     ms(p.Min),
		MaxIntervalMs:     ms(p.Max),
		OnboardingUntil:   ptr(now.Add(a.Cfg.OnboardingWindow)),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.CurrentIntervalMs = a.ComputeNextInterval(*s, false, now).IntervalMs
	s.NextSyncAt = now.Add(fromMs(s.CurrentIntervalMs))
	if err := repo.PutSchedule(ctx, a.DB, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordSync applies a steady-state sync outcome: the interval is recomputed
// and next_sync_at moves to now + interval.
func (a *AdaptiveScheduler) RecordSync(ctx context.Context, userID string, integ domain.Integration, changeDetected bool) (*domain.SyncSchedule, error) {
	return a.mutate(ctx, userID, integ, func(s *domain.SyncSchedule, now time.Time) bool {
		next := a.ComputeNextInterval(*s, changeDetected, now)
		s.CurrentIntervalMs = next.IntervalMs
		s.ConsecutiveNoChangeCount = next.NoChangeCount
		if s.OnboardingUntil != nil && !s.Onboarding(now) {
			s.OnboardingUntil = nil
		}
		s.LastSyncAt = ptr(now)
		s.NextSyncAt = now.Add(fromMs(s.CurrentIntervalMs))
		return true
	})
}

// RecordFailure pushes next_sync_at out by the current interval, or by the
// provider's retry-after when longer. Counters are left untouched so a
// failure carries no change-frequency signal.
func (a *AdaptiveScheduler) RecordFailure(ctx context.Context, userID string, integ domain.Integration, retryAfter time.Duration) (*domain.SyncSchedule, error) {
	return a.mutate(ctx, userID, integ, func(s *domain.SyncSchedule, now time.Time) bool {
		s.NextSyncAt = now.Add(maxDur(fromMs(s.CurrentIntervalMs), retryAfter))
		return true
	})
}

// Defer moves next_sync_at to until unless it is already later. Used when an
// attempt was skipped so the due sweep does not pick the pair up again at once.
func (a *AdaptiveScheduler) Defer(ctx context.Context, userID string, integ domain.Integration, until time.Time) (*domain.SyncSchedule, error) {
	return a.mutate(ctx, userID, integ, func(s *domain.SyncSchedule, _ time.Time) bool {
		if !until.After(s.NextSyncAt) {
			return false
		}
		s.NextSyncAt = until.UTC()
		return true
	})
}

// TouchLastSync records a manual or initial sync without touching the
// adaptive state.
func (a *AdaptiveScheduler) TouchLastSync(ctx context.Context, userID string, integ domain.Integration) (*domain.SyncSchedule, error) {
	return a.mutate(ctx, userID, integ, func(s *domain.SyncSchedule, now time.Time) bool {
		s.LastSyncAt = ptr(now)
		return true
	})
}

// SetPollingFallback turns polling fallback on or off. While on, the
// integration's fallback interval is authoritative.
func (a *AdaptiveScheduler) SetPollingFallback(ctx context.Context, userID string, integ domain.Integration, on bool) (*domain.SyncSchedule, error) {
	return a.mutate(ctx, userID, integ, func(s *domain.SyncSchedule, now time.Time) bool {
		if s.PollingFallback == on {
			return false
		}
		s.PollingFallback = on
		s.ConsecutiveNoChangeCount = 0
		if on {
			s.CurrentIntervalMs = a.ComputeNextInterval(*s, false, now).IntervalMs
			if next := now.Add(fromMs(s.CurrentIntervalMs)); next.Before(s.NextSyncAt) {
				s.NextSyncAt = next
			}
		} else if !s.Onboarding(now) {
			s.CurrentIntervalMs = s.DefaultIntervalMs
		}
		return true
	})
}

// Get returns the schedule for a pair, or ErrNotConnected.
func (a *AdaptiveScheduler) Get(ctx context.Context, userID string, integ domain.Integration) (*domain.SyncSchedule, error) {
	s, err := repo.GetSchedule(ctx, a.DB, userID, integ)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotConnected
	}
	return s, err
}

// ListPollingFallback returns pairs of integ currently on polling fallback.
func (a *AdaptiveScheduler) ListPollingFallback(ctx context.Context, integ domain.Integration) ([]domain.PairKey, error) {
	rows, err := repo.ListPollingFallback(ctx, a.DB, integ)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PairKey, 0, len(rows))
	for _, s := range rows {
		out = append(out, domain.PairKey{UserID: s.UserID, Integration: s.Integration})
	}
	return out, nil
}

// Delete removes the schedule for a pair.
func (a *AdaptiveScheduler) Delete(ctx context.Context, userID string, integ domain.Integration) error {
	return repo.DeleteSchedule(ctx, a.DB, userID, integ)
}

// mutate is the read-modify-CAS loop shared by every schedule writer. fn
// returns false when nothing needs writing.
func (a *AdaptiveScheduler) mutate(ctx context.Context, userID string, integ domain.Integration, fn func(s *domain.SyncSchedule, now time.Time) bool) (*domain.SyncSchedule, error) {
	var out *domain.SyncSchedule
	err := retryOnConflict(ctx, func() error {
		s, err := a.Get(ctx, userID, integ)
		if err != nil {
			return err
		}
		now := clock(a.Now)
		if !fn(s, now) {
			out = s
			return nil
		}
		s.UpdatedAt = now
		if err := repo.UpdateSchedule(ctx, a.DB, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}
