package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// SyncRunner executes one sync attempt.
type SyncRunner interface {
	RunSync(ctx context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (services.SyncOutcome, error)
}

// WebhookRegistrar opens push channels.
type WebhookRegistrar interface {
	Register(ctx context.Context, userID string, integ domain.Integration) (*domain.WebhookSubscription, error)
}

// SweepRunner runs the periodic sweeps.
type SweepRunner interface {
	DueSweep(ctx context.Context) (services.SweepReport, error)
	TokenRefreshSweep(ctx context.Context) (services.SweepReport, error)
	WebhookSweep(ctx context.Context) (services.WebhookSweepReport, error)
}

// Handler processes every task type the engine enqueues.
type Handler struct {
	sync        SyncRunner
	webhooks    WebhookRegistrar
	sweeps      SweepRunner
	taskTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTaskTimeout bounds a single task. Sync attempts are additionally bounded
// by the orchestrator's own SyncTimeout.
func WithTaskTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.taskTimeout = d
		}
	}
}

// NewHandler creates a task handler.
func NewHandler(sync SyncRunner, webhooks WebhookRegistrar, sweeps SweepRunner, opts ...HandlerOption) *Handler {
	h := &Handler{
		sync:        sync,
		webhooks:    webhooks,
		sweeps:      sweeps,
		taskTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ProcessTask dispatches a task by type. Errors wrapping asynq.SkipRetry are
// final; any other error sends the task back for retry.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case domain.JobSync:
		return h.processSync(ctx, task)
	case domain.JobWebhookRegister:
		return h.processRegister(ctx, task)
	case domain.JobDueSweep:
		_, err := h.sweeps.DueSweep(ctx)
		return err
	case domain.JobTokenRefreshSweep:
		_, err := h.sweeps.TokenRefreshSweep(ctx)
		return err
	case domain.JobWebhookSweep:
		_, err := h.sweeps.WebhookSweep(ctx)
		return err
	default:
		return fmt.Errorf("unknown task type %s: %w", task.Type(), asynq.SkipRetry)
	}
}

// NewServeMux routes every engine task type to h.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, t := range []string{
		domain.JobSync,
		domain.JobWebhookRegister,
		domain.JobDueSweep,
		domain.JobTokenRefreshSweep,
		domain.JobWebhookSweep,
	} {
		mux.Handle(t, h)
	}
	return mux
}

func (h *Handler) processSync(ctx context.Context, task *asynq.Task) error {
	p, err := DecodeSyncPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	out, err := h.sync.RunSync(ctx, p.UserID, p.Integration, p.Trigger)
	if errors.Is(err, services.ErrInvalidTrigger) || errors.Is(err, services.ErrUnknownIntegration) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("run sync %s:%s: %w", p.UserID, p.Integration, err)
	}

	ev := log.Debug()
	if out.Result == domain.ResultFailure {
		ev = log.Info()
	}
	ev.Str("user_id", p.UserID).
		Str("integration", string(p.Integration)).
		Str("trigger", string(p.Trigger)).
		Str("result", string(out.Result)).
		Int64("duration_ms", out.DurationMs).
		Msg("sync task done")
	return nil
}

// processRegister runs the full registration budget once. Exhausting it
// leaves the pair on polling fallback and the webhook sweep schedules the next
// attempt, so the task completes instead of being retried or archived. An
// archived task would keep holding the pair's dedupe id.
func (h *Handler) processRegister(ctx context.Context, task *asynq.Task) error {
	p, err := DecodePairPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	_, err = h.webhooks.Register(ctx, p.UserID, p.Integration)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrPushUnsupported),
		errors.Is(err, services.ErrNotConnected),
		domain.IsKind(err, domain.KindRegistration),
		domain.IsKind(err, domain.KindCredential):
		log.Warn().Err(err).
			Str("user_id", p.UserID).
			Str("integration", string(p.Integration)).
			Msg("webhook registration task gave up")
		return nil
	}
	return fmt.Errorf("register webhook %s:%s: %w", p.UserID, p.Integration, err)
}
