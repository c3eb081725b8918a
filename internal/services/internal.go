package services

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/go-sync-engine/internal/repo"
)

// maxCASAttempts bounds read-modify-write retries on version conflicts.
const maxCASAttempts = 5

// retryOnConflict runs fn until it stops returning repo.ErrConflict or the
// attempt budget is spent.
func retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < maxCASAttempts; i++ {
		if err = fn(); !errors.Is(err, repo.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// clock returns now() in UTC, defaulting to the wall clock.
func clock(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func fromMs(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func ptr[T any](v T) *T { return &v }

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
