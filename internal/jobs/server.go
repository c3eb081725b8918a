package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sync-engine/internal/config"
)

// maxRetryDelay caps the exponential backoff between task retries.
const maxRetryDelay = 10 * time.Minute

// Server wraps the asynq worker pool.
type Server struct {
	server *asynq.Server
	mu     sync.Mutex
}

// NewServer builds a worker pool over the weighted queues.
func NewServer(cfg config.QueueConfig) *Server {
	redisOpt := RedisOpt(cfg)
	redisOpt.DialTimeout = 5 * time.Second
	redisOpt.ReadTimeout = 5 * time.Second
	redisOpt.WriteTimeout = 5 * time.Second

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          QueuePriorities,
		RetryDelayFunc:  RetryDelay,
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error().Err(err).
				Str("task_type", task.Type()).
				Int("retry", retried).
				Int("max_retry", maxRetry).
				Msg("task failed")
		}),
		Logger: zerologAdapter{},
	})
	return &Server{server: srv}
}

// RetryDelay is exponential from 1s, capped at maxRetryDelay.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 20 {
		return maxRetryDelay
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// Start begins processing with mux. It does not block.
func (s *Server) Start(mux *asynq.ServeMux) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	return nil
}

// Shutdown waits for active tasks up to the shutdown timeout and stops.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server.Shutdown()
}

// zerologAdapter routes asynq's internal logging through zerolog.
type zerologAdapter struct{}

func (zerologAdapter) Debug(args ...interface{}) {
	log.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Info(args ...interface{}) {
	log.Info().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Warn(args ...interface{}) {
	log.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Error(args ...interface{}) {
	log.Error().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Fatal(args ...interface{}) {
	log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
