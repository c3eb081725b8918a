// Package repo implements the data persistence layer for the sync engine.
// This file provides the aggregate queries behind the admin sync-health view.
// Each function is context-aware and safe to call from services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// GroupCount is one (integration, value) bucket of a GROUP BY count.
type GroupCount struct {
	Integration domain.Integration
	Value       string
	N           int64
}

// MetricTotals summarizes sync_metrics rows for one integration.
type MetricTotals struct {
	Integration   domain.Integration
	Attempts      int64
	APICallsSaved int64
	AvgDurationMs float64
}

// BreakerStateCounts counts breakers per (integration, state).
func BreakerStateCounts(ctx context.Context, db *gorm.DB) ([]GroupCount, error) {
	return groupCounts(db.WithContext(ctx).Model(&domain.CircuitBreaker{}), "state")
}

// TokenStatusCounts counts token health rows per (integration, status).
func TokenStatusCounts(ctx context.Context, db *gorm.DB) ([]GroupCount, error) {
	return groupCounts(db.WithContext(ctx).Model(&domain.TokenHealth{}), "status")
}

// ResultCounts counts metric rows per (integration, result) since the given time.
func ResultCounts(ctx context.Context, db *gorm.DB, since time.Time) ([]GroupCount, error) {
	q := db.WithContext(ctx).Model(&domain.SyncMetric{}).Where("created_at >= ?", since)
	return groupCounts(q, "result")
}

// SkipReasonCounts counts skipped attempts per (integration, reason) since the given time.
func SkipReasonCounts(ctx context.Context, db *gorm.DB, since time.Time) ([]GroupCount, error) {
	q := db.WithContext(ctx).Model(&domain.SyncMetric{}).
		Where("created_at >= ? AND skip_reason IS NOT NULL", since)
	return groupCounts(q, "skip_reason")
}

// PollingFallbackCounts counts schedules on polling fallback per integration.
func PollingFallbackCounts(ctx context.Context, db *gorm.DB) ([]GroupCount, error) {
	q := db.WithContext(ctx).Model(&domain.SyncSchedule{}).Where("polling_fallback = ?", true)
	return groupCounts(q, "polling_fallback")
}

// WebhooksExpiringBefore counts subscriptions expiring before cutoff per integration.
func WebhooksExpiringBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]GroupCount, error) {
	q := db.WithContext(ctx).Model(&domain.WebhookSubscription{}).Where("expires_at <= ?", cutoff)
	return groupCounts(q, "integration")
}

// MetricTotalsSince returns attempt count, saved calls and mean duration per integration.
func MetricTotalsSince(ctx context.Context, db *gorm.DB, since time.Time) ([]MetricTotals, error) {
	var out []MetricTotals
	err := db.WithContext(ctx).Model(&domain.SyncMetric{}).
		Select("integration, COUNT(*) AS attempts, COALESCE(SUM(api_calls_saved), 0) AS api_calls_saved, COALESCE(AVG(duration_ms), 0) AS avg_duration_ms").
		Where("created_at >= ?", since).
		Group("integration").
		Order("integration").
		Scan(&out).Error
	return out, err
}

// ListOpenBreakers returns breakers that are not closed, soonest retry first.
func ListOpenBreakers(ctx context.Context, db *gorm.DB, limit int) ([]domain.CircuitBreaker, error) {
	var out []domain.CircuitBreaker
	err := db.WithContext(ctx).
		Where("state <> ?", domain.BreakerClosed).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func groupCounts(q *gorm.DB, col string) ([]GroupCount, error) {
	var out []GroupCount
	err := q.Select("integration, " + col + " AS value, COUNT(*) AS n").
		Group("integration, " + col).
		Order("integration").
		Scan(&out).Error
	return out, err
}
