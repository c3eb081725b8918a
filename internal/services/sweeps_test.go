package services

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

func TestDueSweep_EnqueuesDuePairsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.connect(t, "a", cal)
	e.connect(t, "b", domain.IntegrationContacts)
	e.clock.Advance(30 * time.Minute)
	e.connect(t, "later", cal)

	e.clock.Advance(30 * time.Minute)
	rep, err := e.sweeper.DueSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Visited != 2 || rep.Enqueued != 2 {
		t.Fatalf("report = %+v", rep)
	}
	for _, j := range e.queue.ofType(domain.JobSync) {
		p := j.Payload.(domain.SyncJobPayload)
		if p.Trigger != domain.TriggerScheduled || p.UserID == "later" {
			t.Fatalf("unexpected job %+v", p)
		}
	}

	rep, _ = e.sweeper.DueSweep(ctx)
	if rep.Visited != 2 || rep.Enqueued != 0 {
		t.Fatalf("second sweep report = %+v; want deduplicated", rep)
	}
}

func TestTokenRefreshSweep(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	e.creds.cred = Credential{ExpiresAt: ptr(t0.Add(3 * time.Hour))}
	_, _ = e.tokens.CheckHealth(ctx, "u1", cal)
	_, _ = e.tokens.CheckHealth(ctx, "u2", cal)
	e.creds.refreshed = ptr(t0.Add(7 * 24 * time.Hour))

	rep, err := e.sweeper.TokenRefreshSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Visited != 2 || rep.Failed != 0 || e.creds.refreshes != 2 {
		t.Fatalf("report = %+v refreshes=%d", rep, e.creds.refreshes)
	}
	for _, u := range []string{"u1", "u2"} {
		th, _ := e.tokens.Get(ctx, u, cal)
		if th.Status != domain.TokenValid {
			t.Fatalf("%s status = %s", u, th.Status)
		}
	}

	// Nothing left to refresh.
	rep, _ = e.sweeper.TokenRefreshSweep(ctx)
	if rep.Visited != 0 {
		t.Fatalf("second sweep visited %d", rep.Visited)
	}
}

func TestTokenRefreshSweep_CountsFailures(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.creds.cred = Credential{ExpiresAt: ptr(t0.Add(time.Hour))}
	_, _ = e.tokens.CheckHealth(ctx, "u1", cal)
	e.creds.refreshErr = errBoom

	rep, err := e.sweeper.TokenRefreshSweep(ctx)
	if err != nil || rep.Failed != 1 {
		t.Fatalf("report = (%+v, %v)", rep, err)
	}
	th, _ := e.tokens.Get(ctx, "u1", cal)
	if th.Status != domain.TokenExpired {
		t.Fatalf("status = %s; want expired", th.Status)
	}

	// The expired row stays a candidate for the next sweep.
	pairs, _ := e.tokens.ListRefreshCandidates(ctx, e.clock.Now(), 0)
	if len(pairs) != 1 {
		t.Fatalf("candidates = %v", pairs)
	}
}
