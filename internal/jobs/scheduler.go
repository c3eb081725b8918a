package jobs

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// sweepUniqueTTL keeps a slow sweep from piling up behind the next tick.
const sweepUniqueTTL = 5 * time.Minute

// CronScheduler implements services.JobScheduler on asynq's periodic task
// scheduler. Cron specs are evaluated in UTC.
type CronScheduler struct {
	scheduler *asynq.Scheduler
}

var _ services.JobScheduler = (*CronScheduler)(nil)

// NewCronScheduler creates a scheduler; call Start after registering entries.
func NewCronScheduler(cfg config.QueueConfig) *CronScheduler {
	s := asynq.NewScheduler(RedisOpt(cfg), &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   zerologAdapter{},
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Debug().Err(err).Msg("periodic task not enqueued")
				return
			}
			log.Debug().Str("task_type", info.Type).Str("task_id", info.ID).Msg("periodic task enqueued")
		},
	})
	return &CronScheduler{scheduler: s}
}

// Schedule registers jobType to be enqueued on every cronSpec tick. Sweeps
// are idempotent and the next tick covers a failed run, so they are not
// retried.
func (c *CronScheduler) Schedule(jobType, cronSpec string) error {
	_, err := c.scheduler.Register(cronSpec, asynq.NewTask(jobType, nil),
		asynq.Queue(QueueFor(jobType)),
		asynq.MaxRetry(0),
		asynq.Unique(sweepUniqueTTL),
	)
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", jobType, cronSpec, err)
	}
	return nil
}

// Start runs the scheduler in the background.
func (c *CronScheduler) Start() error {
	return c.scheduler.Start()
}

// Shutdown stops the scheduler.
func (c *CronScheduler) Shutdown() {
	c.scheduler.Shutdown()
}

// RegisterSweeps schedules the due, webhook-health and token-refresh sweeps.
func RegisterSweeps(s services.JobScheduler, cfg config.SyncConfig) error {
	entries := []struct {
		jobType string
		spec    string
	}{
		{domain.JobDueSweep, cfg.DueSweepCron},
		{domain.JobWebhookSweep, cfg.WebhookSweepCron},
		{domain.JobTokenRefreshSweep, cfg.TokenRefreshSweepCron},
	}
	for _, e := range entries {
		if e.spec == "" {
			log.Warn().Str("task_type", e.jobType).Msg("sweep disabled: empty cron spec")
			continue
		}
		if err := s.Schedule(e.jobType, e.spec); err != nil {
			return err
		}
	}
	return nil
}
