package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestTokenHealth_CreateIfAbsent_Update_Delete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	exp := t0.Add(48 * time.Hour)
	first := &domain.TokenHealth{UserID: "u1", Integration: domain.IntegrationCalendar, Status: domain.TokenValid, ExpiresAt: &exp, LastCheckedAt: t0}
	got, err := CreateTokenHealthIfAbsent(ctx, db, first)
	if err != nil || got.Status != domain.TokenValid {
		t.Fatalf("CreateTokenHealthIfAbsent = (%+v, %v)", got, err)
	}

	// A second seed does not overwrite the stored row.
	second := &domain.TokenHealth{UserID: "u1", Integration: domain.IntegrationCalendar, Status: domain.TokenUnknown, LastCheckedAt: t0}
	got, err = CreateTokenHealthIfAbsent(ctx, db, second)
	if err != nil || got.Status != domain.TokenValid {
		t.Fatalf("second seed overwrote row: (%+v, %v)", got, err)
	}

	got.Status = domain.TokenExpired
	if err := UpdateTokenHealth(ctx, db, got); err != nil {
		t.Fatalf("UpdateTokenHealth: %v", err)
	}
	again, _ := GetTokenHealth(ctx, db, "u1", domain.IntegrationCalendar)
	if again.Status != domain.TokenExpired {
		t.Fatalf("status = %s; want expired", again.Status)
	}

	if got.Version != 1 {
		t.Fatalf("version = %d; want 1", got.Version)
	}

	// A writer holding the old version must not overwrite the newer row.
	stale := *again
	stale.Version = 0
	stale.Revoked = false
	stale.Status = domain.TokenValid
	if err := UpdateTokenHealth(ctx, db, &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale write, got %v", err)
	}
	again, _ = GetTokenHealth(ctx, db, "u1", domain.IntegrationCalendar)
	if again.Status != domain.TokenExpired || again.Version != 1 {
		t.Fatalf("stale write leaked: %+v", again)
	}

	// Upsert replaces the row and invalidates readers of the old version.
	reset := &domain.TokenHealth{UserID: "u1", Integration: domain.IntegrationCalendar, Status: domain.TokenValid, ExpiresAt: &exp, LastCheckedAt: t0}
	if err := UpsertTokenHealth(ctx, db, reset); err != nil {
		t.Fatalf("UpsertTokenHealth: %v", err)
	}
	if err := UpdateTokenHealth(ctx, db, again); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after upsert, got %v", err)
	}

	missing := &domain.TokenHealth{UserID: "nobody", Integration: domain.IntegrationCalendar}
	if err := UpdateTokenHealth(ctx, db, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := DeleteTokenHealth(ctx, db, "u1", domain.IntegrationCalendar); err != nil {
		t.Fatalf("DeleteTokenHealth: %v", err)
	}
	if _, err := GetTokenHealth(ctx, db, "u1", domain.IntegrationCalendar); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListTokenRefreshCandidates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	soon, late := t0.Add(2*time.Hour), t0.Add(72*time.Hour)
	rows := []*domain.TokenHealth{
		{UserID: "soon", Integration: domain.IntegrationCalendar, Status: domain.TokenExpiringSoon, ExpiresAt: &soon, LastCheckedAt: t0},
		{UserID: "late", Integration: domain.IntegrationCalendar, Status: domain.TokenValid, ExpiresAt: &late, LastCheckedAt: t0},
		{UserID: "revoked", Integration: domain.IntegrationCalendar, Status: domain.TokenRevoked, Revoked: true, ExpiresAt: &soon, LastCheckedAt: t0},
		{UserID: "noexp", Integration: domain.IntegrationContacts, Status: domain.TokenUnknown, LastCheckedAt: t0},
	}
	for _, r := range rows {
		if err := UpsertTokenHealth(ctx, db, r); err != nil {
			t.Fatalf("UpsertTokenHealth: %v", err)
		}
	}
	out, err := ListTokenRefreshCandidates(ctx, db, t0.Add(24*time.Hour), 0)
	if err != nil {
		t.Fatalf("ListTokenRefreshCandidates: %v", err)
	}
	if len(out) != 1 || out[0].UserID != "soon" {
		t.Fatalf("unexpected candidates: %+v", out)
	}
}

func TestBreaker_EnsureAndCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	b, err := EnsureBreaker(ctx, db, "u1", domain.IntegrationCalendar)
	if err != nil {
		t.Fatalf("EnsureBreaker: %v", err)
	}
	if b.State != domain.BreakerClosed || b.ConsecutiveFailures != 0 || b.Version != 0 {
		t.Fatalf("fresh breaker unexpected: %+v", b)
	}

	// Two readers of the same version: only the first write wins.
	stale := *b
	b.ConsecutiveFailures = 1
	if err := UpdateBreaker(ctx, db, b); err != nil {
		t.Fatalf("UpdateBreaker: %v", err)
	}
	if b.Version != 1 {
		t.Fatalf("version = %d; want 1", b.Version)
	}
	stale.ConsecutiveFailures = 5
	if err := UpdateBreaker(ctx, db, &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale write, got %v", err)
	}

	got, _ := GetBreaker(ctx, db, "u1", domain.IntegrationCalendar)
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("stale write leaked: %+v", got)
	}

	// Ensure on an existing row returns it untouched.
	again, err := EnsureBreaker(ctx, db, "u1", domain.IntegrationCalendar)
	if err != nil || again.Version != 1 {
		t.Fatalf("EnsureBreaker existing = (%+v, %v)", again, err)
	}

	if err := DeleteBreaker(ctx, db, "u1", domain.IntegrationCalendar); err != nil {
		t.Fatalf("DeleteBreaker: %v", err)
	}
}

func newSchedule(user string, integ domain.Integration, next time.Time) *domain.SyncSchedule {
	return &domain.SyncSchedule{
		UserID:            user,
		Integration:       integ,
		CurrentIntervalMs: time.Hour.Milliseconds(),
		DefaultIntervalMs: (6 * time.Hour).Milliseconds(),
		MinIntervalMs:     (30 * time.Minute).Milliseconds(),
		MaxIntervalMs:     (24 * time.Hour).Milliseconds(),
		NextSyncAt:        next,
	}
}

func TestSchedule_DueBoundary(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	next := t0.Add(time.Hour)
	if err := PutSchedule(ctx, db, newSchedule("u1", domain.IntegrationCalendar, next)); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	if err := PutSchedule(ctx, db, newSchedule("u2", domain.IntegrationContacts, next.Add(time.Hour))); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}

	before, err := ListDueSchedules(ctx, db, next.Add(-time.Millisecond), 0)
	if err != nil || len(before) != 0 {
		t.Fatalf("1ms before next_sync_at: got %d rows, err=%v", len(before), err)
	}
	at, err := ListDueSchedules(ctx, db, next, 0)
	if err != nil || len(at) != 1 || at[0].UserID != "u1" {
		t.Fatalf("at next_sync_at: got %+v, err=%v", at, err)
	}
	after, err := ListDueSchedules(ctx, db, next.Add(time.Millisecond), 0)
	if err != nil || len(after) != 1 {
		t.Fatalf("1ms after next_sync_at: got %d rows, err=%v", len(after), err)
	}
}

func TestSchedule_PutReplaces_UpdateCAS_Fallback(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := newSchedule("u1", domain.IntegrationCalendar, t0)
	if err := PutSchedule(ctx, db, s); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	got, _ := GetSchedule(ctx, db, "u1", domain.IntegrationCalendar)
	got.PollingFallback = true
	got.CurrentIntervalMs = (2 * time.Hour).Milliseconds()
	if err := UpdateSchedule(ctx, db, got); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	stale, _ := GetSchedule(ctx, db, "u1", domain.IntegrationCalendar)
	stale.Version = 0
	if err := UpdateSchedule(ctx, db, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	fb, err := ListPollingFallback(ctx, db, domain.IntegrationCalendar)
	if err != nil || len(fb) != 1 {
		t.Fatalf("ListPollingFallback = (%+v, %v)", fb, err)
	}

	// Reconnect replaces the row wholesale.
	if err := PutSchedule(ctx, db, newSchedule("u1", domain.IntegrationCalendar, t0.Add(time.Hour))); err != nil {
		t.Fatalf("PutSchedule replace: %v", err)
	}
	replaced, _ := GetSchedule(ctx, db, "u1", domain.IntegrationCalendar)
	if replaced.PollingFallback || replaced.CurrentIntervalMs != time.Hour.Milliseconds() || replaced.Version != 0 {
		t.Fatalf("replace did not reset row: %+v", replaced)
	}
}

func TestWebhook_PutReplacesChannel_Touch_Attention(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	w := &domain.WebhookSubscription{
		UserID: "u1", Integration: domain.IntegrationCalendar,
		ChannelID: "ch-old", ResourceID: "res-1", ChannelToken: "tok",
		ExpiresAt: t0.Add(7 * 24 * time.Hour), RegisteredAt: t0,
	}
	if err := PutWebhook(ctx, db, w); err != nil {
		t.Fatalf("PutWebhook: %v", err)
	}
	if err := TouchWebhookNotification(ctx, db, "ch-old", t0.Add(time.Hour)); err != nil {
		t.Fatalf("TouchWebhookNotification: %v", err)
	}

	renewed := *w
	renewed.ChannelID = "ch-new"
	renewed.RegisteredAt = t0.Add(2 * time.Hour)
	renewed.LastNotificationAt = nil
	if err := PutWebhook(ctx, db, &renewed); err != nil {
		t.Fatalf("PutWebhook renew: %v", err)
	}
	if _, err := GetWebhookByChannel(ctx, db, "ch-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old channel still resolvable: %v", err)
	}
	cur, err := GetWebhookByChannel(ctx, db, "ch-new")
	if err != nil || cur.LastNotificationAt != nil {
		t.Fatalf("new channel = (%+v, %v)", cur, err)
	}
	if err := TouchWebhookNotification(ctx, db, "ch-old", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touching a superseded channel should be ErrNotFound, got %v", err)
	}

	// Expiring inside the renewal window.
	need, err := ListWebhooksNeedingAttention(ctx, db, t0.Add(8*24*time.Hour), t0.Add(-time.Hour))
	if err != nil || len(need) != 1 {
		t.Fatalf("expiring: got %+v, err=%v", need, err)
	}
	// Neither expiring nor silent.
	need, err = ListWebhooksNeedingAttention(ctx, db, t0.Add(24*time.Hour), t0.Add(time.Hour))
	if err != nil || len(need) != 0 {
		t.Fatalf("healthy: got %+v, err=%v", need, err)
	}
	// Silent since registration.
	need, err = ListWebhooksNeedingAttention(ctx, db, t0.Add(24*time.Hour), t0.Add(50*time.Hour))
	if err != nil || len(need) != 1 {
		t.Fatalf("silent: got %+v, err=%v", need, err)
	}
}
