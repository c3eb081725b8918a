// Package services – HealthReporter
//
// This file builds the admin sync health report from grouped counts over the
// breaker, token, schedule, webhook and metric tables.
package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/repo"
)

// IntegrationHealth aggregates engine state for one integration.
type IntegrationHealth struct {
	Integration      domain.Integration `json:"integration"`
	DisplayName      string             `json:"display_name"`
	Breakers         map[string]int64   `json:"breakers"`
	Tokens           map[string]int64   `json:"tokens"`
	Results          map[string]int64   `json:"results"`
	Skips            map[string]int64   `json:"skips"`
	PollingFallback  int64              `json:"polling_fallback"`
	WebhooksExpiring int64              `json:"webhooks_expiring"`
	Attempts         int64              `json:"attempts"`
	APICallsSaved    int64              `json:"api_calls_saved"`
	AvgDurationMs    float64            `json:"avg_duration_ms"`
}

// HealthReport is the admin sync-health view.
type HealthReport struct {
	GeneratedAt  time.Time               `json:"generated_at"`
	Window       string                  `json:"window"`
	Integrations []IntegrationHealth     `json:"integrations"`
	OpenBreakers []domain.CircuitBreaker `json:"open_breakers"`
}

// HealthReporter builds HealthReport from the engine tables.
type HealthReporter struct {
	DB  *gorm.DB
	Cfg config.SyncConfig
	Now func() time.Time

	// OpenBreakerLimit caps the open_breakers list; zero means 50.
	OpenBreakerLimit int
}

// NewHealthReporter constructs a HealthReporter.
func NewHealthReporter(db *gorm.DB, cfg config.SyncConfig) *HealthReporter {
	return &HealthReporter{DB: db, Cfg: cfg}
}

// Report aggregates state over the trailing window. window <= 0 means 24h.
func (h *HealthReporter) Report(ctx context.Context, window time.Duration) (*HealthReport, error) {
	ctx, span := otel.Tracer("services/HealthReporter").Start(ctx, "Report")
	defer span.End()

	if window <= 0 {
		window = 24 * time.Hour
	}
	now := clock(h.Now)
	since := now.Add(-window)

	byInteg := make(map[domain.Integration]*IntegrationHealth, len(domain.AllIntegrations))
	rep := &HealthReport{GeneratedAt: now, Window: window.String()}
	for _, integ := range domain.AllIntegrations {
		byInteg[integ] = &IntegrationHealth{
			Integration: integ,
			DisplayName: integ.DisplayName(),
			Breakers:    map[string]int64{},
			Tokens:      map[string]int64{},
			Results:     map[string]int64{},
			Skips:       map[string]int64{},
		}
	}

	fold := func(rows []repo.GroupCount, pick func(*IntegrationHealth, repo.GroupCount)) {
		for _, r := range rows {
			if ih, ok := byInteg[r.Integration]; ok {
				pick(ih, r)
			}
		}
	}

	breakers, err := repo.BreakerStateCounts(ctx, h.DB)
	if err != nil {
		return nil, err
	}
	fold(breakers, func(ih *IntegrationHealth, r repo.GroupCount) { ih.Breakers[r.Value] += r.N })

	tokens, err := repo.TokenStatusCounts(ctx, h.DB)
	if err != nil {
		return nil, err
	}
	fold(tokens, func(ih *IntegrationHealth, r repo.GroupCount) { ih.Tokens[r.Value] += r.N })

	results, err := repo.ResultCounts(ctx, h.DB, since)
	if err != nil {
		return nil, err
	}
	fold(results, func(ih *IntegrationHealth, r repo.GroupCount) { ih.Results[r.Value] += r.N })

	skips, err := repo.SkipReasonCounts(ctx, h.DB, since)
	if err != nil {
		return nil, err
	}
	fold(skips, func(ih *IntegrationHealth, r repo.GroupCount) { ih.Skips[r.Value] += r.N })

	fallback, err := repo.PollingFallbackCounts(ctx, h.DB)
	if err != nil {
		return nil, err
	}
	fold(fallback, func(ih *IntegrationHealth, r repo.GroupCount) { ih.PollingFallback += r.N })

	expiring, err := repo.WebhooksExpiringBefore(ctx, h.DB, now.Add(h.Cfg.RenewalWindow))
	if err != nil {
		return nil, err
	}
	fold(expiring, func(ih *IntegrationHealth, r repo.GroupCount) { ih.WebhooksExpiring += r.N })

	totals, err := repo.MetricTotalsSince(ctx, h.DB, since)
	if err != nil {
		return nil, err
	}
	for _, t := range totals {
		if ih, ok := byInteg[t.Integration]; ok {
			ih.Attempts = t.Attempts
			ih.APICallsSaved = t.APICallsSaved
			ih.AvgDurationMs = t.AvgDurationMs
		}
	}

	limit := h.OpenBreakerLimit
	if limit <= 0 {
		limit = 50
	}
	if rep.OpenBreakers, err = repo.ListOpenBreakers(ctx, h.DB, limit); err != nil {
		return nil, err
	}

	for _, integ := range domain.AllIntegrations {
		rep.Integrations = append(rep.Integrations, *byInteg[integ])
	}
	return rep, nil
}
