// Package jobs runs the engine's background work on hibiken/asynq: the
// JobQueue used by the services, the task handler that executes queued syncs,
// webhook registrations and sweeps, the cron scheduler for the sweeps, and the
// per-pair execution locks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// RedisOpt builds the asynq connection options from configuration.
func RedisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// Queue implements services.JobQueue on an asynq client. The dedupe key
// becomes the asynq task id, so a second enqueue for a pair is rejected while
// the first task is still pending, scheduled, active or awaiting retry.
// Archived and retained completed tasks keep their id in Redis; an enqueue
// that collides with one of those deletes the stale task and submits again.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	mu        sync.RWMutex
}

var _ services.JobQueue = (*Queue)(nil)

// NewQueue connects an asynq client.
func NewQueue(cfg config.QueueConfig) *Queue {
	opt := RedisOpt(cfg)
	return NewQueueFromClient(asynq.NewClient(opt), asynq.NewInspector(opt), cfg.MaxRetry)
}

// NewQueueFromClient wraps an existing client. A nil inspector disables the
// recovery of ids held by archived tasks.
func NewQueueFromClient(client *asynq.Client, inspector *asynq.Inspector, maxRetry int) *Queue {
	return &Queue{client: client, inspector: inspector, maxRetry: maxRetry}
}

// Enqueue encodes payload and submits the task.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts services.EnqueueOptions) error {
	b, err := EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	task := asynq.NewTask(jobType, b)
	taskOpts := q.options(jobType, opts)

	_, err = q.client.EnqueueContext(ctx, task, taskOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) && q.releaseStale(QueueFor(jobType), opts.DedupeKey) {
		_, err = q.client.EnqueueContext(ctx, task, taskOpts...)
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return services.ErrJobDeduplicated
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// releaseStale deletes the task holding id when it will never run again.
// It reports whether the id is free for a new task.
func (q *Queue) releaseStale(queue, id string) bool {
	if q.inspector == nil || id == "" {
		return false
	}
	info, err := q.inspector.GetTaskInfo(queue, id)
	if err != nil {
		return errors.Is(err, asynq.ErrTaskNotFound)
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false
	}
	if err := q.inspector.DeleteTask(queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		log.Warn().Err(err).Str("queue", queue).Str("task_id", id).Msg("failed to release stale task id")
		return false
	}
	log.Info().Str("queue", queue).Str("task_id", id).Str("state", info.State.String()).
		Msg("released stale task id")
	return true
}

func (q *Queue) options(jobType string, opts services.EnqueueOptions) []asynq.Option {
	out := []asynq.Option{asynq.Queue(QueueFor(jobType))}
	if q.maxRetry > 0 {
		out = append(out, asynq.MaxRetry(q.maxRetry))
	}
	if opts.DedupeKey != "" {
		out = append(out, asynq.TaskID(opts.DedupeKey))
	}
	if opts.Delay > 0 {
		out = append(out, asynq.ProcessIn(opts.Delay))
	}
	return out
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close queue client: %w", err)
	}
	if q.inspector != nil {
		if err := q.inspector.Close(); err != nil {
			return fmt.Errorf("failed to close queue inspector: %w", err)
		}
	}
	return nil
}
