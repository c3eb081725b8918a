// Package services – SyncOrchestrator
//
// This file implements the SyncOrchestrator, which runs one sync attempt
// through the token and breaker gates, calls the external sync under a hard
// timeout and folds the outcome into every component. Each attempt yields
// exactly one SyncMetric.
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"gorm.io/datatypes"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
)

// recordTimeout bounds outcome recording after the sync itself finished. It
// runs on a context detached from the caller's cancellation so a shutdown
// cannot leave an attempt half-recorded.
const recordTimeout = 15 * time.Second

// SyncOutcome is the result of one RunSync call.
type SyncOutcome struct {
	MetricID       string             `json:"metric_id"`
	UserID         string             `json:"user_id"`
	Integration    domain.Integration `json:"integration"`
	Trigger        domain.TriggerType `json:"trigger"`
	Result         domain.SyncResult  `json:"result"`
	SkipReason     *domain.SkipReason `json:"skip_reason,omitempty"`
	ErrorKind      *domain.ErrorKind  `json:"error_kind,omitempty"`
	Error          string             `json:"error,omitempty"`
	ChangeDetected bool               `json:"change_detected"`
	ItemsProcessed int                `json:"items_processed"`
	DurationMs     int64              `json:"duration_ms"`
	APICallsSaved  int                `json:"api_calls_saved"`

	Err *domain.SyncError `json:"-"`
}

// SyncOrchestrator runs one sync attempt end to end:
//
//  1. per-pair lock, connection check
//  2. token health (skip invalid_token)
//  3. circuit breaker unless manual (skip circuit_open)
//  4. ExternalSync.Run under SyncTimeout
//  5. outcome into breaker, token health, scheduler and metrics
//
// Health is checked before the breaker so a bad token never counts as a
// breaker failure.
type SyncOrchestrator struct {
	Tokens    *TokenHealthTracker
	Breakers  *CircuitBreakerManager
	Scheduler *AdaptiveScheduler
	Metrics   *MetricsRecorder
	Sync      ExternalSync
	Locker    Locker
	Cfg       config.SyncConfig
	Now       func() time.Time
}

// NewSyncOrchestrator wires an orchestrator over the component services.
func NewSyncOrchestrator(tokens *TokenHealthTracker, breakers *CircuitBreakerManager, sched *AdaptiveScheduler, metrics *MetricsRecorder, sync ExternalSync, locker Locker, cfg config.SyncConfig) *SyncOrchestrator {
	return &SyncOrchestrator{
		Tokens:    tokens,
		Breakers:  breakers,
		Scheduler: sched,
		Metrics:   metrics,
		Sync:      sync,
		Locker:    locker,
		Cfg:       cfg,
	}
}

// RunSync executes one attempt and always records exactly one metric. Sync
// failures are reported in the outcome; the returned error is non-nil only
// when the attempt could not be evaluated or its outcome could not be fully
// recorded, in which case the job should be retried.
func (o *SyncOrchestrator) RunSync(ctx context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (SyncOutcome, error) {
	if !integ.Valid() {
		return SyncOutcome{}, ErrUnknownIntegration
	}
	if _, ok := domain.ParseTrigger(string(trigger)); !ok {
		return SyncOutcome{}, ErrInvalidTrigger
	}

	ctx, span := otel.Tracer("services/SyncOrchestrator").Start(ctx, "RunSync",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("integration", string(integ)),
			attribute.String("sync.trigger", string(trigger)),
		),
	)
	defer span.End()

	out := SyncOutcome{UserID: userID, Integration: integ, Trigger: trigger}
	key := domain.PairKey{UserID: userID, Integration: integ}

	if o.Locker != nil {
		unlock, ok, err := o.Locker.TryLock(ctx, "lock:"+key.String(), o.Cfg.SyncTimeout+recordTimeout)
		if err != nil {
			return out, fmt.Errorf("acquire pair lock: %w", err)
		}
		if !ok {
			return o.skip(ctx, &out, nil, domain.SkipInProgress)
		}
		defer unlock()
	}

	sched, err := o.Scheduler.Get(ctx, userID, integ)
	if errors.Is(err, ErrNotConnected) {
		return o.skip(ctx, &out, nil, domain.SkipNotConnected)
	}
	if err != nil {
		return out, err
	}

	health, err := o.Tokens.CheckHealth(ctx, userID, integ)
	if err != nil {
		return out, fmt.Errorf("check token health: %w", err)
	}
	if !health.Usable() {
		return o.skip(ctx, &out, sched, domain.SkipInvalidToken)
	}

	if trigger != domain.TriggerManual {
		ok, err := o.Breakers.BeginAttempt(ctx, userID, integ)
		if err != nil {
			return out, fmt.Errorf("circuit breaker: %w", err)
		}
		if !ok {
			return o.skip(ctx, &out, sched, domain.SkipCircuitOpen)
		}
	}

	started := time.Now()
	res, runErr := o.runExternal(ctx, userID, integ, trigger)
	out.DurationMs = time.Since(started).Milliseconds()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if runErr == nil {
		err = o.recordSuccess(rctx, &out, sched, res)
	} else {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "sync failed")
		err = o.recordFailure(rctx, &out, runErr)
	}
	span.SetAttributes(attribute.String("sync.result", string(out.Result)))
	return out, err
}

// runExternal calls the collaborator under the hard timeout. A panic inside
// the collaborator becomes a transient error.
func (o *SyncOrchestrator) runExternal(ctx context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (SyncResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Cfg.SyncTimeout)
	defer cancel()

	type result struct {
		res SyncResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: domain.NewTransientError(fmt.Errorf("sync panicked: %v", r))}
			}
		}()
		res, err := o.Sync.Run(ctx, userID, integ, trigger)
		done <- result{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return SyncResult{}, &domain.SyncError{Kind: domain.KindTransient, Err: ctx.Err(), Message: "timeout"}
	}
}

func (o *SyncOrchestrator) recordSuccess(ctx context.Context, out *SyncOutcome, sched *domain.SyncSchedule, res SyncResult) error {
	out.Result = domain.ResultSuccess
	out.ChangeDetected = res.ChangeDetected
	out.ItemsProcessed = res.ItemsProcessed

	var errs error
	errs = multierr.Append(errs, o.Breakers.RecordSuccess(ctx, out.UserID, out.Integration))
	errs = multierr.Append(errs, o.Tokens.RecordOutcome(ctx, out.UserID, out.Integration, nil))
	if out.Trigger.SteadyState() {
		out.APICallsSaved = savedCalls(sched)
		_, err := o.Scheduler.RecordSync(ctx, out.UserID, out.Integration, res.ChangeDetected)
		errs = multierr.Append(errs, ignoreDisconnected(err))
	} else {
		_, err := o.Scheduler.TouchLastSync(ctx, out.UserID, out.Integration)
		errs = multierr.Append(errs, ignoreDisconnected(err))
	}
	errs = multierr.Append(errs, o.record(ctx, out, res.Details))

	log.Info().
		Str("user_id", out.UserID).
		Str("integration", string(out.Integration)).
		Str("trigger", string(out.Trigger)).
		Bool("change_detected", out.ChangeDetected).
		Int("items", out.ItemsProcessed).
		Int64("duration_ms", out.DurationMs).
		Msg("sync succeeded")
	return errs
}

func (o *SyncOrchestrator) recordFailure(ctx context.Context, out *SyncOutcome, runErr error) error {
	se := domain.Classify(runErr)
	kind := se.Kind
	out.Result = domain.ResultFailure
	out.ErrorKind = &kind
	out.Error = se.Error()
	out.Err = se

	var errs error
	errs = multierr.Append(errs, o.Tokens.RecordOutcome(ctx, out.UserID, out.Integration, se))
	// Credential failures count too, so a failed half_open trial always reopens.
	errs = multierr.Append(errs, o.Breakers.RecordFailure(ctx, out.UserID, out.Integration, se.Kind, se.RetryAfter))
	if out.Trigger.SteadyState() {
		_, err := o.Scheduler.RecordFailure(ctx, out.UserID, out.Integration, se.RetryAfter)
		errs = multierr.Append(errs, ignoreDisconnected(err))
	}
	details := map[string]any{"error": se.Error()}
	if se.RetryAfter > 0 {
		details["retry_after_ms"] = se.RetryAfter.Milliseconds()
	}
	errs = multierr.Append(errs, o.record(ctx, out, details))

	log.Warn().
		Err(runErr).
		Str("user_id", out.UserID).
		Str("integration", string(out.Integration)).
		Str("trigger", string(out.Trigger)).
		Str("error_kind", string(se.Kind)).
		Int64("duration_ms", out.DurationMs).
		Msg("sync failed")
	return errs
}

// skip records a skipped attempt. Steady-state triggers also defer the
// schedule so the due sweep does not requeue the pair immediately.
func (o *SyncOrchestrator) skip(ctx context.Context, out *SyncOutcome, sched *domain.SyncSchedule, reason domain.SkipReason) (SyncOutcome, error) {
	out.Result = domain.ResultSkipped
	out.SkipReason = &reason
	if reason != domain.SkipNotConnected {
		out.APICallsSaved = 1
	}

	var errs error
	if sched != nil && out.Trigger.SteadyState() {
		now := clock(o.Now)
		until := now.Add(fromMs(sched.CurrentIntervalMs))
		if reason == domain.SkipCircuitOpen {
			if b, err := o.Breakers.Snapshot(ctx, out.UserID, out.Integration); err == nil && b.NextRetryAt != nil {
				until = *b.NextRetryAt
			}
		}
		_, err := o.Scheduler.Defer(ctx, out.UserID, out.Integration, until)
		errs = multierr.Append(errs, ignoreDisconnected(err))
	}
	errs = multierr.Append(errs, o.record(ctx, out, nil))

	log.Info().
		Str("user_id", out.UserID).
		Str("integration", string(out.Integration)).
		Str("trigger", string(out.Trigger)).
		Str("skip_reason", string(reason)).
		Msg("sync skipped")
	return *out, errs
}

func (o *SyncOrchestrator) record(ctx context.Context, out *SyncOutcome, details map[string]any) error {
	m := &domain.SyncMetric{
		UserID:         out.UserID,
		Integration:    out.Integration,
		TriggerType:    out.Trigger,
		Result:         out.Result,
		SkipReason:     out.SkipReason,
		ErrorKind:      out.ErrorKind,
		DurationMs:     out.DurationMs,
		ItemsProcessed: out.ItemsProcessed,
		APICallsSaved:  out.APICallsSaved,
		ChangeDetected: out.ChangeDetected,
	}
	if len(details) > 0 {
		if b, err := sonic.Marshal(details); err == nil {
			m.Details = datatypes.JSON(b)
		}
	}
	if err := o.Metrics.Record(ctx, m); err != nil {
		return fmt.Errorf("record sync metric: %w", err)
	}
	out.MetricID = m.ID
	return nil
}

// savedCalls estimates polls avoided by a widened interval relative to the
// default one, rounded to whole calls.
func savedCalls(s *domain.SyncSchedule) int {
	if s == nil || s.DefaultIntervalMs <= 0 || s.CurrentIntervalMs <= s.DefaultIntervalMs {
		return 0
	}
	return int(math.Round(float64(s.CurrentIntervalMs)/float64(s.DefaultIntervalMs))) - 1
}

// ignoreDisconnected drops ErrNotConnected: the pair was disconnected while
// the attempt ran and there is no schedule left to update.
func ignoreDisconnected(err error) error {
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
