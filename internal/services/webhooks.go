// Package services – WebhookLifecycleManager
//
// This file implements push channel registration with bounded retries, the
// polling fallback, renewal and silence detection in the health sweep, and
// validation of inbound notifications against the stored subscription.
package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// ResourceStateSync is the handshake state sent once when a channel opens.
const ResourceStateSync = "sync"

// Notification is an inbound push notification, as carried by the
// X-Goog-Channel-* / X-Goog-Resource-* headers.
type Notification struct {
	Integration   domain.Integration
	ChannelID     string
	ResourceID    string
	ChannelToken  string
	ResourceState string
	MessageNumber string
}

// NotificationResult reports how an accepted notification was handled.
type NotificationResult struct {
	UserID      string
	Integration domain.Integration
	Handshake   bool
	Enqueued    bool
}

// WebhookSweepReport summarizes one HealthSweep run.
type WebhookSweepReport struct {
	Renewals        int `json:"renewals"`
	Reregistrations int `json:"reregistrations"`
	FallbackRetries int `json:"fallback_retries"`
}

// WebhookLifecycleManager registers, renews and validates provider push
// channels. At most one subscription exists per pair; registering a new
// channel supersedes and stops the old one.
type WebhookLifecycleManager struct {
	DB          *gorm.DB
	Push        PushProvider
	Scheduler   *AdaptiveScheduler
	Queue       JobQueue
	Cfg         config.SyncConfig
	CallbackURL string // public base URL; "/webhooks/<integration>" is appended

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// NewWebhookLifecycleManager constructs a manager. callbackURL is the public
// base URL the provider posts notifications to.
func NewWebhookLifecycleManager(db *gorm.DB, push PushProvider, sched *AdaptiveScheduler, queue JobQueue, cfg config.SyncConfig, callbackURL string) *WebhookLifecycleManager {
	return &WebhookLifecycleManager{
		DB:          db,
		Push:        push,
		Scheduler:   sched,
		Queue:       queue,
		Cfg:         cfg,
		CallbackURL: callbackURL,
	}
}

// Register opens a push channel for the pair, retrying RegistrationRetryBudget
// times with doubling backoff (2s, 4s, 8s by default). On success the
// subscription is stored, any previous channel is stopped and polling fallback
// is cleared. When the budget is spent the subscription is removed, polling
// fallback is enabled and a registration error is returned.
//
// A pair without a schedule is not connected: any leftover channel is stopped
// and ErrNotConnected is returned. The same happens when the pair is
// disconnected while a channel is being opened.
func (w *WebhookLifecycleManager) Register(ctx context.Context, userID string, integ domain.Integration) (*domain.WebhookSubscription, error) {
	ctx, span := otel.Tracer("services/WebhookLifecycleManager").Start(ctx, "Register",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("integration", string(integ)),
		),
	)
	defer span.End()

	if !integ.SupportsPush() {
		return nil, ErrPushUnsupported
	}
	if _, err := w.Scheduler.Get(ctx, userID, integ); err != nil {
		if errors.Is(err, ErrNotConnected) {
			if uerr := w.Unregister(ctx, userID, integ); uerr != nil {
				return nil, uerr
			}
		}
		return nil, err
	}

	attempts := 1 + w.Cfg.RegistrationRetryBudget
	backoff := w.Cfg.RegistrationBackoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := w.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
		sub, err := w.registerOnce(ctx, userID, integ)
		if err == nil {
			span.SetAttributes(attribute.Int("webhook.attempts", attempt+1))
			return sub, nil
		}
		if errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		lastErr = err
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("integration", string(integ)).
			Int("attempt", attempt+1).
			Msg("webhook registration attempt failed")
		if domain.IsKind(err, domain.KindCredential) {
			// Retrying cannot fix a bad grant.
			break
		}
	}

	if err := w.fallBackToPolling(ctx, userID, integ); err != nil {
		return nil, err
	}
	span.RecordError(lastErr)
	return nil, domain.NewRegistrationError(lastErr, "registration retry budget exhausted, polling fallback enabled")
}

// Renew replaces the pair's channel with a fresh one. The new channel always
// gets a new channel id; the old one is stopped and rejected from then on.
func (w *WebhookLifecycleManager) Renew(ctx context.Context, userID string, integ domain.Integration) (*domain.WebhookSubscription, error) {
	log.Info().Str("user_id", userID).Str("integration", string(integ)).Msg("renewing webhook channel")
	return w.Register(ctx, userID, integ)
}

// HealthSweep inspects every subscription and polling-fallback pair and
// enqueues registration jobs for channels that expire within RenewalWindow,
// channels silent for longer than SilenceThreshold, and pairs on polling
// fallback. The jobs run Register with its full retry budget.
func (w *WebhookLifecycleManager) HealthSweep(ctx context.Context, now time.Time) (WebhookSweepReport, error) {
	ctx, span := otel.Tracer("services/WebhookLifecycleManager").Start(ctx, "HealthSweep")
	defer span.End()

	var rep WebhookSweepReport
	now = now.UTC()
	subs, err := repo.ListWebhooksNeedingAttention(ctx, w.DB, now.Add(w.Cfg.RenewalWindow), now.Add(-w.Cfg.SilenceThreshold))
	if err != nil {
		return rep, err
	}
	seen := make(map[string]struct{}, len(subs))
	for i := range subs {
		s := &subs[i]
		key := domain.PairKey{UserID: s.UserID, Integration: s.Integration}
		seen[key.String()] = struct{}{}
		if !s.ExpiresAt.After(now.Add(w.Cfg.RenewalWindow)) {
			rep.Renewals++
		} else {
			rep.Reregistrations++
			log.Warn().
				Str("user_id", s.UserID).
				Str("integration", string(s.Integration)).
				Time("last_activity", s.LastActivity()).
				Msg("webhook channel silent, re-registering")
		}
		if err := w.enqueueRegister(ctx, key); err != nil {
			return rep, err
		}
	}

	for _, integ := range domain.AllIntegrations {
		if !integ.SupportsPush() {
			continue
		}
		pairs, err := w.Scheduler.ListPollingFallback(ctx, integ)
		if err != nil {
			return rep, err
		}
		for _, key := range pairs {
			if _, dup := seen[key.String()]; dup {
				continue
			}
			rep.FallbackRetries++
			if err := w.enqueueRegister(ctx, key); err != nil {
				return rep, err
			}
		}
	}

	span.SetAttributes(
		attribute.Int("webhook.renewals", rep.Renewals),
		attribute.Int("webhook.reregistrations", rep.Reregistrations),
		attribute.Int("webhook.fallback_retries", rep.FallbackRetries),
	)
	return rep, nil
}

// OnNotificationReceived validates a notification against the stored
// subscription and enqueues a webhook-triggered sync. Anything that does not
// match exactly is rejected with a validation error and logged as a security
// event; it never reaches the orchestrator. Handshake notifications are
// acknowledged without a sync.
func (w *WebhookLifecycleManager) OnNotificationReceived(ctx context.Context, n Notification) (NotificationResult, error) {
	ctx, span := otel.Tracer("services/WebhookLifecycleManager").Start(ctx, "OnNotificationReceived",
		trace.WithAttributes(
			attribute.String("integration", string(n.Integration)),
			attribute.String("webhook.state", n.ResourceState),
		),
	)
	defer span.End()

	reject := func(reason string) (NotificationResult, error) {
		log.Warn().
			Bool("security", true).
			Str("integration", string(n.Integration)).
			Str("channel_id", n.ChannelID).
			Str("reason", reason).
			Msg("rejected webhook notification")
		return NotificationResult{}, domain.NewValidationError(reason)
	}

	if strings.TrimSpace(n.ChannelID) == "" || strings.TrimSpace(n.ResourceID) == "" {
		return reject("missing channel or resource id")
	}
	sub, err := repo.GetWebhookByChannel(ctx, w.DB, n.ChannelID)
	if errors.Is(err, repo.ErrNotFound) {
		return reject("unknown channel")
	}
	if err != nil {
		return NotificationResult{}, err
	}
	if sub.Integration != n.Integration {
		return reject("integration mismatch")
	}
	if subtle.ConstantTimeCompare([]byte(sub.ResourceID), []byte(n.ResourceID)) != 1 {
		return reject("resource mismatch")
	}
	if subtle.ConstantTimeCompare([]byte(sub.ChannelToken), []byte(n.ChannelToken)) != 1 {
		return reject("channel token mismatch")
	}
	now := clock(w.Now)
	if sub.Stale(now) {
		return reject("channel expired")
	}

	res := NotificationResult{UserID: sub.UserID, Integration: sub.Integration}
	if err := repo.TouchWebhookNotification(ctx, w.DB, sub.ChannelID, now); err != nil {
		return res, err
	}
	if n.ResourceState == ResourceStateSync {
		res.Handshake = true
		return res, nil
	}

	payload := domain.SyncJobPayload{UserID: sub.UserID, Integration: sub.Integration, Trigger: domain.TriggerWebhook}
	key := domain.PairKey{UserID: sub.UserID, Integration: sub.Integration}
	err = w.Queue.Enqueue(ctx, domain.JobSync, payload, EnqueueOptions{DedupeKey: domain.SyncDedupeKey(key)})
	switch {
	case err == nil:
		res.Enqueued = true
	case errors.Is(err, ErrJobDeduplicated):
	default:
		return res, fmt.Errorf("enqueue webhook sync: %w", err)
	}
	return res, nil
}

// Unregister stops and deletes the pair's channel, if any.
func (w *WebhookLifecycleManager) Unregister(ctx context.Context, userID string, integ domain.Integration) error {
	sub, err := repo.GetWebhook(ctx, w.DB, userID, integ)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	w.stop(ctx, sub)
	return repo.DeleteWebhook(ctx, w.DB, userID, integ)
}

// Get returns the pair's subscription or repo.ErrNotFound.
func (w *WebhookLifecycleManager) Get(ctx context.Context, userID string, integ domain.Integration) (*domain.WebhookSubscription, error) {
	return repo.GetWebhook(ctx, w.DB, userID, integ)
}

func (w *WebhookLifecycleManager) registerOnce(ctx context.Context, userID string, integ domain.Integration) (*domain.WebhookSubscription, error) {
	channelID, token := w.newID(), w.newID()
	resp, err := w.Push.Watch(ctx, WatchRequest{
		UserID:      userID,
		Integration: integ,
		ChannelID:   channelID,
		Token:       token,
		CallbackURL: w.CallbackURL + "/webhooks/" + string(integ),
	})
	if err != nil {
		return nil, err
	}
	fresh := &domain.WebhookSubscription{
		UserID:       userID,
		Integration:  integ,
		ChannelID:    channelID,
		ResourceID:   resp.ResourceID,
		ChannelToken: token,
		ExpiresAt:    resp.ExpiresAt.UTC(),
		RegisteredAt: clock(w.Now),
	}
	if resp.ExpiresAt.IsZero() || resp.ResourceID == "" {
		w.stop(ctx, fresh)
		return nil, domain.NewRegistrationError(nil, "provider returned no resource id or expiry")
	}

	old, err := repo.GetWebhook(ctx, w.DB, userID, integ)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		w.stop(ctx, fresh)
		return nil, err
	}
	if err := repo.PutWebhook(ctx, w.DB, fresh); err != nil {
		w.stop(ctx, fresh)
		return nil, err
	}
	if old != nil && old.ChannelID != fresh.ChannelID {
		w.stop(ctx, old)
	}
	if _, err := w.Scheduler.SetPollingFallback(ctx, userID, integ, false); err != nil {
		if errors.Is(err, ErrNotConnected) {
			// Disconnect removed the schedule while the channel was opening.
			w.stop(ctx, fresh)
			if derr := repo.DeleteWebhook(ctx, w.DB, userID, integ); derr != nil {
				return nil, derr
			}
			log.Info().Str("user_id", userID).Str("integration", string(integ)).Msg("pair disconnected during registration, channel dropped")
		}
		return nil, err
	}
	log.Info().
		Str("user_id", userID).
		Str("integration", string(integ)).
		Str("channel_id", channelID).
		Time("expires_at", fresh.ExpiresAt).
		Msg("webhook channel registered")
	return fresh, nil
}

func (w *WebhookLifecycleManager) fallBackToPolling(ctx context.Context, userID string, integ domain.Integration) error {
	if err := w.Unregister(ctx, userID, integ); err != nil {
		return err
	}
	if _, err := w.Scheduler.SetPollingFallback(ctx, userID, integ, true); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	log.Warn().Str("user_id", userID).Str("integration", string(integ)).Msg("webhook unavailable, polling fallback enabled")
	return nil
}

func (w *WebhookLifecycleManager) enqueueRegister(ctx context.Context, key domain.PairKey) error {
	payload := domain.PairJobPayload{UserID: key.UserID, Integration: key.Integration}
	err := w.Queue.Enqueue(ctx, domain.JobWebhookRegister, payload, EnqueueOptions{DedupeKey: domain.WebhookDedupeKey(key)})
	if err != nil && !errors.Is(err, ErrJobDeduplicated) {
		return fmt.Errorf("enqueue webhook registration: %w", err)
	}
	return nil
}

// stop asks the provider to close a channel. Failures are logged only: the
// channel id is already unknown to us, so its notifications are rejected.
func (w *WebhookLifecycleManager) stop(ctx context.Context, sub *domain.WebhookSubscription) {
	if err := w.Push.Stop(ctx, sub.UserID, sub.Integration, sub.ChannelID, sub.ResourceID); err != nil {
		log.Warn().Err(err).
			Str("user_id", sub.UserID).
			Str("integration", string(sub.Integration)).
			Str("channel_id", sub.ChannelID).
			Msg("stop webhook channel failed")
	}
}

func (w *WebhookLifecycleManager) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (w *WebhookLifecycleManager) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}
