package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
)

// steady returns a schedule past onboarding, at the default interval.
func steady(cfg config.SyncConfig, integ domain.Integration) domain.SyncSchedule {
	p := cfg.Profile(integ)
	return domain.SyncSchedule{
		UserID:            "u1",
		Integration:       integ,
		CurrentIntervalMs: ms(p.Default),
		DefaultIntervalMs: ms(p.Default),
		MinIntervalMs:     ms(p.Min),
		MaxIntervalMs:     ms(p.Max),
	}
}

func TestComputeNextInterval_StaysWithinBounds(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	a := &AdaptiveScheduler{Cfg: cfg}

	for _, integ := range domain.AllIntegrations {
		s := steady(cfg, integ)
		// 40 unchanged syncs widen repeatedly; the max must hold.
		for i := 0; i < 40; i++ {
			next := a.ComputeNextInterval(s, false, t0)
			if next.IntervalMs < s.MinIntervalMs || next.IntervalMs > s.MaxIntervalMs {
				t.Fatalf("%s step %d: interval %d outside [%d, %d]", integ, i, next.IntervalMs, s.MinIntervalMs, s.MaxIntervalMs)
			}
			s.CurrentIntervalMs, s.ConsecutiveNoChangeCount = next.IntervalMs, next.NoChangeCount
		}
		if s.CurrentIntervalMs != s.MaxIntervalMs {
			t.Fatalf("%s: interval %d did not reach max %d", integ, s.CurrentIntervalMs, s.MaxIntervalMs)
		}

		// Out-of-range stored values are clamped back.
		s.CurrentIntervalMs = s.MinIntervalMs / 2
		s.ConsecutiveNoChangeCount = 0
		if got := a.ComputeNextInterval(s, false, t0).IntervalMs; got != s.MinIntervalMs {
			t.Fatalf("%s: below-min interval not clamped, got %d", integ, got)
		}

		// Onboarding pins to the onboarding interval, clamped into range.
		s.OnboardingUntil = ptr(t0.Add(time.Hour))
		got := a.ComputeNextInterval(s, true, t0).IntervalMs
		if got < s.MinIntervalMs || got > s.MaxIntervalMs {
			t.Fatalf("%s: onboarding interval %d out of bounds", integ, got)
		}
	}
}

func TestComputeNextInterval_WidensOnceOnFifthUnchangedSync(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	a := &AdaptiveScheduler{Cfg: cfg}
	s := steady(cfg, domain.IntegrationCalendar)
	def := s.DefaultIntervalMs

	for i := 1; i <= 4; i++ {
		next := a.ComputeNextInterval(s, false, t0)
		if next.IntervalMs != def || next.NoChangeCount != i {
			t.Fatalf("sync %d: got %+v; want interval %d count %d", i, next, def, i)
		}
		s.CurrentIntervalMs, s.ConsecutiveNoChangeCount = next.IntervalMs, next.NoChangeCount
	}

	next := a.ComputeNextInterval(s, false, t0)
	if want := int64(float64(def) * 1.5); next.IntervalMs != want || next.NoChangeCount != 0 {
		t.Fatalf("5th sync: got %+v; want interval %d and reset counter", next, want)
	}
	s.CurrentIntervalMs, s.ConsecutiveNoChangeCount = next.IntervalMs, next.NoChangeCount

	// The 6th unchanged sync does not widen again.
	sixth := a.ComputeNextInterval(s, false, t0)
	if sixth.IntervalMs != next.IntervalMs || sixth.NoChangeCount != 1 {
		t.Fatalf("6th sync widened again: %+v", sixth)
	}

	// A change resets to the default.
	s.CurrentIntervalMs, s.ConsecutiveNoChangeCount = sixth.IntervalMs, sixth.NoChangeCount
	if reset := a.ComputeNextInterval(s, true, t0); reset.IntervalMs != def || reset.NoChangeCount != 0 {
		t.Fatalf("change did not reset: %+v", reset)
	}
}

func TestComputeNextInterval_PollingFallbackPinned(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	a := &AdaptiveScheduler{Cfg: cfg}
	s := steady(cfg, domain.IntegrationCalendar)
	s.PollingFallback = true

	for _, changed := range []bool{false, true, false} {
		if got := a.ComputeNextInterval(s, changed, t0).IntervalMs; got != ms(2*time.Hour) {
			t.Fatalf("fallback interval = %d; want 2h", got)
		}
	}
}

func TestAdaptiveScheduler_GetDueOnboardingBoundary(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	s, err := e.scheduler.Initialize(ctx, "u1", domain.IntegrationCalendar, t0)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.CurrentIntervalMs != ms(time.Hour) || !s.NextSyncAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("onboarding schedule = %+v", s)
	}

	due := t0.Add(time.Hour)
	cases := []struct {
		at   time.Time
		want int
	}{
		{due.Add(-time.Millisecond), 0},
		{due, 1},
		{due.Add(time.Millisecond), 1},
	}
	for _, c := range cases {
		got, err := e.scheduler.GetDue(ctx, c.at)
		if err != nil {
			t.Fatalf("GetDue(%v): %v", c.at, err)
		}
		if len(got) != c.want {
			t.Fatalf("GetDue(%v) = %v; want %d pairs", c.at, got, c.want)
		}
	}

	// GetDue never mutates.
	if after := e.schedule(t, "u1", domain.IntegrationCalendar); !after.NextSyncAt.Equal(s.NextSyncAt) {
		t.Fatalf("GetDue moved next_sync_at to %v", after.NextSyncAt)
	}
}

func TestAdaptiveScheduler_RecordSyncAfterOnboardingStartsFromDefault(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	integ := domain.IntegrationCalendar

	if _, err := e.scheduler.Initialize(ctx, "u1", integ, t0); err != nil {
		t.Fatal(err)
	}

	// Inside onboarding the interval stays pinned even on change.
	e.clock.Advance(time.Hour)
	s, err := e.scheduler.RecordSync(ctx, "u1", integ, true)
	if err != nil {
		t.Fatal(err)
	}
	if s.CurrentIntervalMs != ms(time.Hour) || s.OnboardingUntil == nil {
		t.Fatalf("during onboarding: %+v", s)
	}

	e.clock.Advance(24 * time.Hour)
	s, err = e.scheduler.RecordSync(ctx, "u1", integ, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.CurrentIntervalMs != ms(6*time.Hour) || s.ConsecutiveNoChangeCount != 1 {
		t.Fatalf("first post-onboarding sync: interval=%d count=%d", s.CurrentIntervalMs, s.ConsecutiveNoChangeCount)
	}
	if s.OnboardingUntil != nil {
		t.Fatal("onboarding_until not cleared after the window elapsed")
	}
	if !s.NextSyncAt.Equal(e.clock.Now().Add(6 * time.Hour)) {
		t.Fatalf("next_sync_at = %v", s.NextSyncAt)
	}
}

func TestAdaptiveScheduler_RecordFailureKeepsCounters(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	integ := domain.IntegrationContacts

	if _, err := e.scheduler.Initialize(ctx, "u1", integ, t0); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(25 * time.Hour)
	before, _ := e.scheduler.RecordSync(ctx, "u1", integ, false)

	s, err := e.scheduler.RecordFailure(ctx, "u1", integ, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.ConsecutiveNoChangeCount != before.ConsecutiveNoChangeCount || s.CurrentIntervalMs != before.CurrentIntervalMs {
		t.Fatalf("failure changed adaptive state: before=%+v after=%+v", before, s)
	}
	if !s.NextSyncAt.Equal(e.clock.Now().Add(fromMs(s.CurrentIntervalMs))) {
		t.Fatalf("next_sync_at = %v", s.NextSyncAt)
	}

	s, _ = e.scheduler.RecordFailure(ctx, "u1", integ, 48*time.Hour)
	if !s.NextSyncAt.Equal(e.clock.Now().Add(48 * time.Hour)) {
		t.Fatalf("retry-after not honored: %v", s.NextSyncAt)
	}
}

func TestAdaptiveScheduler_DeferOnlyMovesLater(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	integ := domain.IntegrationCalendar
	s, _ := e.scheduler.Initialize(ctx, "u1", integ, t0)

	got, err := e.scheduler.Defer(ctx, "u1", integ, t0.Add(time.Minute))
	if err != nil || !got.NextSyncAt.Equal(s.NextSyncAt) {
		t.Fatalf("earlier Defer moved next_sync_at: (%v, %v)", got.NextSyncAt, err)
	}
	later := t0.Add(5 * time.Hour)
	got, _ = e.scheduler.Defer(ctx, "u1", integ, later)
	if !got.NextSyncAt.Equal(later) {
		t.Fatalf("Defer = %v; want %v", got.NextSyncAt, later)
	}
}

func TestAdaptiveScheduler_SetPollingFallback(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	integ := domain.IntegrationCalendar
	_, _ = e.scheduler.Initialize(ctx, "u1", integ, t0)
	e.clock.Advance(25 * time.Hour)

	s, err := e.scheduler.SetPollingFallback(ctx, "u1", integ, true)
	if err != nil {
		t.Fatal(err)
	}
	if !s.PollingFallback || s.CurrentIntervalMs != ms(2*time.Hour) {
		t.Fatalf("fallback on: %+v", s)
	}
	pairs, _ := e.scheduler.ListPollingFallback(ctx, integ)
	if len(pairs) != 1 || pairs[0].UserID != "u1" {
		t.Fatalf("ListPollingFallback = %v", pairs)
	}

	s, _ = e.scheduler.SetPollingFallback(ctx, "u1", integ, false)
	if s.PollingFallback || s.CurrentIntervalMs != ms(6*time.Hour) {
		t.Fatalf("fallback off: %+v", s)
	}
}

func TestAdaptiveScheduler_GetUnknownPair(t *testing.T) {
	e := newEngine(t)
	if _, err := e.scheduler.Get(context.Background(), "ghost", domain.IntegrationCalendar); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
