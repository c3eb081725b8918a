// Package services – TokenHealthTracker
//
// This file implements the TokenHealthTracker, the single source of truth for
// whether a pair's stored credential can be used at all. Status is derived
// from the stored expiry and the provider-reported revocation flag; every
// write is version-checked so a slow refresh cannot undo a revocation.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// HealthStatus is the result of a token health check.
type HealthStatus struct {
	Status        domain.TokenStatus `json:"status"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	LastCheckedAt time.Time          `json:"last_checked_at"`
}

// Usable reports whether a sync may proceed with this credential.
func (h HealthStatus) Usable() bool { return h.Status.Usable() }

// RefreshResult reports what RefreshIfExpiringSoon did.
type RefreshResult struct {
	Refreshed bool
	Status    domain.TokenStatus
	ExpiresAt *time.Time
}

// TokenHealthTracker tracks credential validity per (user, integration). It
// never calls the provider to check health; only RefreshIfExpiringSoon talks
// to the provider, through CredentialStore.RefreshToken.
//
// The expired status written after a failed refresh is sticky: time-based
// re-derivation does not clear it, only a successful refresh or sync does.
type TokenHealthTracker struct {
	DB       *gorm.DB
	Creds    CredentialStore
	Notifier Notifier
	Cfg      config.SyncConfig
	Now      func() time.Time
}

// NewTokenHealthTracker constructs a tracker backed by db and creds.
func NewTokenHealthTracker(db *gorm.DB, creds CredentialStore, notifier Notifier, cfg config.SyncConfig) *TokenHealthTracker {
	return &TokenHealthTracker{DB: db, Creds: creds, Notifier: notifier, Cfg: cfg}
}

// CheckHealth returns the current status for a pair, seeding the record from
// the credential store on first use.
func (t *TokenHealthTracker) CheckHealth(ctx context.Context, userID string, integ domain.Integration) (HealthStatus, error) {
	ctx, span := otel.Tracer("services/TokenHealthTracker").Start(ctx, "CheckHealth",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("integration", string(integ)),
		),
	)
	defer span.End()

	var th *domain.TokenHealth
	err := retryOnConflict(ctx, func() error {
		var err error
		if th, err = t.load(ctx, userID, integ); err != nil {
			return err
		}
		// unknown means we never saw an expiry; look again before giving up.
		if th.Status == domain.TokenUnknown {
			if cred, cerr := t.Creds.GetToken(ctx, userID, integ); cerr == nil {
				th.ExpiresAt = utcPtr(cred.ExpiresAt)
				th.Revoked = cred.Revoked
			}
		}
		next := t.derive(th)
		if next != th.Status || th.Status == domain.TokenUnknown {
			return t.transition(ctx, th, next)
		}
		return nil
	})
	if err != nil {
		return HealthStatus{}, err
	}
	span.SetAttributes(attribute.String("token.status", string(th.Status)))
	return toHealthStatus(th), nil
}

// RefreshIfExpiringSoon refreshes the credential when it expires within the
// configured lookahead (or a previous refresh failed). A failed refresh marks
// the token expired, never revoked, and returns a retryable transient error;
// the refresh sweep retries it later. The provider call runs without holding
// the row, so the result is folded into a fresh read: a revocation recorded
// meanwhile is kept as is.
func (t *TokenHealthTracker) RefreshIfExpiringSoon(ctx context.Context, userID string, integ domain.Integration) (RefreshResult, error) {
	ctx, span := otel.Tracer("services/TokenHealthTracker").Start(ctx, "RefreshIfExpiringSoon",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("integration", string(integ)),
		),
	)
	defer span.End()

	th, err := t.load(ctx, userID, integ)
	if err != nil {
		return RefreshResult{}, err
	}
	if th.Revoked {
		return RefreshResult{Status: th.Status, ExpiresAt: th.ExpiresAt}, nil
	}
	due := th.Status == domain.TokenExpired ||
		th.ExpiresAt == nil ||
		th.ExpiresAt.Sub(clock(t.Now)) <= t.Cfg.RefreshLookahead
	if !due {
		return RefreshResult{Status: th.Status, ExpiresAt: th.ExpiresAt}, nil
	}

	cred, rerr := t.Creds.RefreshToken(ctx, userID, integ)

	var res RefreshResult
	err = retryOnConflict(ctx, func() error {
		cur, err := t.load(ctx, userID, integ)
		if err != nil {
			return err
		}
		res = RefreshResult{Status: cur.Status, ExpiresAt: cur.ExpiresAt}
		if cur.Revoked {
			return nil
		}
		if rerr != nil {
			if err := t.transition(ctx, cur, domain.TokenExpired); err != nil {
				return err
			}
			res.Status = cur.Status
			return nil
		}
		cur.ExpiresAt = utcPtr(cred.ExpiresAt)
		next := domain.DeriveTokenStatus(cur.ExpiresAt, false, clock(t.Now), t.Cfg.RefreshLookahead)
		if err := t.transition(ctx, cur, next); err != nil {
			return err
		}
		res = RefreshResult{Refreshed: true, Status: cur.Status, ExpiresAt: cur.ExpiresAt}
		return nil
	})
	if err != nil {
		return RefreshResult{}, err
	}

	if rerr != nil {
		log.Warn().
			Err(rerr).
			Str("user_id", userID).
			Str("integration", string(integ)).
			Msg("token refresh failed")
		span.RecordError(rerr)
		return res, domain.NewTransientError(fmt.Errorf("refresh token: %w", rerr))
	}
	return res, nil
}

// RecordOutcome folds a sync result into token health. A nil outcome is a
// success. Credential errors mark the token revoked (and tell the credential
// store) or expired; other errors leave the status alone. An expired outcome
// never lowers a stored revocation.
func (t *TokenHealthTracker) RecordOutcome(ctx context.Context, userID string, integ domain.Integration, outcome error) error {
	if outcome == nil {
		// The sync may have rotated the token; pick up the stored expiry.
		var expires *time.Time
		fresh := false
		if cred, cerr := t.Creds.GetToken(ctx, userID, integ); cerr == nil && !cred.Revoked {
			expires, fresh = utcPtr(cred.ExpiresAt), true
		}
		return retryOnConflict(ctx, func() error {
			th, err := t.load(ctx, userID, integ)
			if err != nil {
				return err
			}
			if fresh {
				th.ExpiresAt = expires
			}
			th.Revoked = false
			next := domain.DeriveTokenStatus(th.ExpiresAt, false, clock(t.Now), t.Cfg.RefreshLookahead)
			if next == domain.TokenExpired || next == domain.TokenUnknown {
				// The provider just accepted the credential.
				next = domain.TokenValid
			}
			return t.transition(ctx, th, next)
		})
	}

	se := domain.Classify(outcome)
	if se.Kind != domain.KindCredential {
		return nil
	}
	err := retryOnConflict(ctx, func() error {
		th, err := t.load(ctx, userID, integ)
		if err != nil {
			return err
		}
		if se.Revoked {
			th.Revoked = true
			return t.transition(ctx, th, domain.TokenRevoked)
		}
		if th.Revoked {
			return nil
		}
		return t.transition(ctx, th, domain.TokenExpired)
	})
	if err != nil {
		return err
	}
	if se.Revoked {
		if err := t.Creds.MarkRevoked(ctx, userID, integ); err != nil {
			log.Error().Err(err).Str("user_id", userID).Str("integration", string(integ)).Msg("mark revoked failed")
		}
	}
	return nil
}

// Initialize (re)creates the record for a freshly connected pair from the
// credential store.
func (t *TokenHealthTracker) Initialize(ctx context.Context, userID string, integ domain.Integration) (HealthStatus, error) {
	cred, err := t.Creds.GetToken(ctx, userID, integ)
	if err != nil {
		return HealthStatus{}, err
	}
	now := clock(t.Now)
	th := &domain.TokenHealth{
		UserID:        userID,
		Integration:   integ,
		Revoked:       cred.Revoked,
		ExpiresAt:     utcPtr(cred.ExpiresAt),
		LastCheckedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	th.Status = domain.DeriveTokenStatus(th.ExpiresAt, th.Revoked, now, t.Cfg.RefreshLookahead)
	if err := repo.UpsertTokenHealth(ctx, t.DB, th); err != nil {
		return HealthStatus{}, err
	}
	return toHealthStatus(th), nil
}

// Get returns the stored record without re-deriving it.
func (t *TokenHealthTracker) Get(ctx context.Context, userID string, integ domain.Integration) (*domain.TokenHealth, error) {
	return repo.GetTokenHealth(ctx, t.DB, userID, integ)
}

// ListRefreshCandidates returns pairs the refresh sweep should visit.
func (t *TokenHealthTracker) ListRefreshCandidates(ctx context.Context, now time.Time, limit int) ([]domain.PairKey, error) {
	rows, err := repo.ListTokenRefreshCandidates(ctx, t.DB, now.Add(t.Cfg.RefreshLookahead), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PairKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.PairKey{UserID: r.UserID, Integration: r.Integration})
	}
	return out, nil
}

// Delete removes the record for a pair.
func (t *TokenHealthTracker) Delete(ctx context.Context, userID string, integ domain.Integration) error {
	return repo.DeleteTokenHealth(ctx, t.DB, userID, integ)
}

// load fetches the record, seeding it from the credential store on first use.
func (t *TokenHealthTracker) load(ctx context.Context, userID string, integ domain.Integration) (*domain.TokenHealth, error) {
	th, err := repo.GetTokenHealth(ctx, t.DB, userID, integ)
	if err == nil {
		return th, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	now := clock(t.Now)
	seed := &domain.TokenHealth{
		UserID:        userID,
		Integration:   integ,
		Status:        domain.TokenUnknown,
		LastCheckedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cred, cerr := t.Creds.GetToken(ctx, userID, integ); cerr == nil {
		seed.ExpiresAt = utcPtr(cred.ExpiresAt)
		seed.Revoked = cred.Revoked
		seed.Status = domain.DeriveTokenStatus(seed.ExpiresAt, seed.Revoked, now, t.Cfg.RefreshLookahead)
	} else {
		log.Warn().Err(cerr).Str("user_id", userID).Str("integration", string(integ)).Msg("credential lookup failed while seeding token health")
	}
	return repo.CreateTokenHealthIfAbsent(ctx, t.DB, seed)
}

// derive re-computes the time-based status, keeping revoked and the sticky
// expired state.
func (t *TokenHealthTracker) derive(th *domain.TokenHealth) domain.TokenStatus {
	if th.Revoked {
		return domain.TokenRevoked
	}
	if th.Status == domain.TokenExpired {
		return domain.TokenExpired
	}
	return domain.DeriveTokenStatus(th.ExpiresAt, false, clock(t.Now), t.Cfg.RefreshLookahead)
}

// transition persists a new status and notifies on entry into expired or revoked.
func (t *TokenHealthTracker) transition(ctx context.Context, th *domain.TokenHealth, next domain.TokenStatus) error {
	prev := th.Status
	now := clock(t.Now)
	th.Status = next
	th.LastCheckedAt = now
	th.UpdatedAt = now
	if err := repo.UpdateTokenHealth(ctx, t.DB, th); err != nil {
		return err
	}
	if prev != next && next.ReconnectRequired() && t.Notifier != nil {
		change := HealthChange{UserID: th.UserID, Integration: th.Integration, From: prev, To: next, At: now}
		if err := t.Notifier.OnHealthChanged(ctx, change); err != nil {
			log.Error().Err(err).
				Str("user_id", th.UserID).
				Str("integration", string(th.Integration)).
				Str("status", string(next)).
				Msg("health change notification failed")
		}
	}
	return nil
}

func toHealthStatus(th *domain.TokenHealth) HealthStatus {
	return HealthStatus{Status: th.Status, ExpiresAt: th.ExpiresAt, LastCheckedAt: th.LastCheckedAt}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return ptr(t.UTC())
}
