// Package services – Sweeper
//
// This file implements the periodic sweeps: queueing due syncs, refreshing
// credentials that are about to expire and the webhook health sweep.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Visited  int `json:"visited"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// Sweeper implements the cron-driven sweeps. Each body is idempotent: running
// a sweep twice enqueues nothing new thanks to per-pair dedupe keys.
type Sweeper struct {
	Scheduler *AdaptiveScheduler
	Tokens    *TokenHealthTracker
	Webhooks  *WebhookLifecycleManager
	Queue     JobQueue
	Now       func() time.Time

	// RefreshConcurrency bounds parallel token refreshes; zero means 4.
	RefreshConcurrency int
}

// NewSweeper constructs a Sweeper with the default refresh concurrency.
func NewSweeper(sched *AdaptiveScheduler, tokens *TokenHealthTracker, webhooks *WebhookLifecycleManager, queue JobQueue) *Sweeper {
	return &Sweeper{Scheduler: sched, Tokens: tokens, Webhooks: webhooks, Queue: queue}
}

// DueSweep enqueues a scheduled sync for every pair whose next_sync_at passed.
func (s *Sweeper) DueSweep(ctx context.Context) (SweepReport, error) {
	ctx, span := otel.Tracer("services/Sweeper").Start(ctx, "DueSweep")
	defer span.End()

	var rep SweepReport
	due, err := s.Scheduler.GetDue(ctx, clock(s.Now))
	if err != nil {
		return rep, err
	}
	for _, key := range due {
		rep.Visited++
		err := s.Queue.Enqueue(ctx, domain.JobSync,
			domain.SyncJobPayload{UserID: key.UserID, Integration: key.Integration, Trigger: domain.TriggerScheduled},
			EnqueueOptions{DedupeKey: domain.SyncDedupeKey(key)})
		switch {
		case err == nil:
			rep.Enqueued++
		case errors.Is(err, ErrJobDeduplicated):
		default:
			return rep, fmt.Errorf("enqueue scheduled sync: %w", err)
		}
	}
	span.SetAttributes(attribute.Int("sweep.visited", rep.Visited), attribute.Int("sweep.enqueued", rep.Enqueued))
	log.Info().Int("due", rep.Visited).Int("enqueued", rep.Enqueued).Msg("due sweep finished")
	return rep, nil
}

// TokenRefreshSweep refreshes every credential that expires within the
// lookahead or whose last refresh failed. Individual failures are counted,
// not returned; the next sweep retries them.
func (s *Sweeper) TokenRefreshSweep(ctx context.Context) (SweepReport, error) {
	ctx, span := otel.Tracer("services/Sweeper").Start(ctx, "TokenRefreshSweep")
	defer span.End()

	var rep SweepReport
	pairs, err := s.Tokens.ListRefreshCandidates(ctx, clock(s.Now), 0)
	if err != nil {
		return rep, err
	}
	rep.Visited = len(pairs)

	limit := s.RefreshConcurrency
	if limit <= 0 {
		limit = 4
	}
	failed := make([]bool, len(pairs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, key := range pairs {
		g.Go(func() error {
			if _, err := s.Tokens.RefreshIfExpiringSoon(ctx, key.UserID, key.Integration); err != nil {
				log.Warn().Err(err).
					Str("user_id", key.UserID).
					Str("integration", string(key.Integration)).
					Msg("scheduled token refresh failed")
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, f := range failed {
		if f {
			rep.Failed++
		}
	}
	log.Info().Int("candidates", rep.Visited).Int("failed", rep.Failed).Msg("token refresh sweep finished")
	return rep, nil
}

// WebhookSweep runs the webhook health sweep.
func (s *Sweeper) WebhookSweep(ctx context.Context) (WebhookSweepReport, error) {
	rep, err := s.Webhooks.HealthSweep(ctx, clock(s.Now))
	if err != nil {
		return rep, err
	}
	log.Info().
		Int("renewals", rep.Renewals).
		Int("reregistrations", rep.Reregistrations).
		Int("fallback_retries", rep.FallbackRetries).
		Msg("webhook sweep finished")
	return rep, nil
}
