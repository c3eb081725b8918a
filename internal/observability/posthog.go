package observability

import (
	"context"
	"errors"

	"github.com/posthog/posthog-go"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
)

// SyncAttemptEvent is the analytics event name for one recorded attempt.
const SyncAttemptEvent = "sync_attempt"

// enqueuer is the slice of posthog.Client the sink uses.
type enqueuer interface {
	Enqueue(posthog.Message) error
	Close() error
}

// PosthogSink forwards recorded sync metrics to PostHog. Enqueue only buffers;
// the client flushes in the background and on Close.
type PosthogSink struct {
	client enqueuer
}

// NewPosthogSink builds a sink from cfg. It returns (nil, nil) when no API key
// is configured so callers can leave analytics off.
func NewPosthogSink(cfg config.PosthogConfig) (*PosthogSink, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	client, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{Endpoint: cfg.Endpoint})
	if err != nil {
		return nil, err
	}
	return &PosthogSink{client: client}, nil
}

// Capture enqueues m as a sync_attempt event keyed by the user id.
func (s *PosthogSink) Capture(_ context.Context, m *domain.SyncMetric) error {
	if m == nil {
		return errors.New("nil metric")
	}

	props := posthog.NewProperties().
		Set("metric_id", m.ID).
		Set("integration", string(m.Integration)).
		Set("trigger", string(m.TriggerType)).
		Set("result", string(m.Result)).
		Set("duration_ms", m.DurationMs).
		Set("items_processed", m.ItemsProcessed).
		Set("api_calls_saved", m.APICallsSaved).
		Set("change_detected", m.ChangeDetected)
	if m.SkipReason != nil {
		props.Set("skip_reason", string(*m.SkipReason))
	}
	if m.ErrorKind != nil {
		props.Set("error_kind", string(*m.ErrorKind))
	}

	capture := posthog.Capture{
		DistinctId: m.UserID,
		Event:      SyncAttemptEvent,
		Timestamp:  m.CreatedAt,
		Properties: props,
	}
	if err := capture.Validate(); err != nil {
		return err
	}
	return s.client.Enqueue(capture)
}

// Close flushes pending events.
func (s *PosthogSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
