package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// GetSchedule returns the schedule for a pair or ErrNotFound.
func GetSchedule(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) (*domain.SyncSchedule, error) {
	var s domain.SyncSchedule
	err := db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PutSchedule inserts s or fully replaces the existing row for the pair.
// Used on (re)connect, where onboarding starts over.
func PutSchedule(ctx context.Context, db *gorm.DB, s *domain.SyncSchedule) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "integration"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"current_interval_ms", "default_interval_ms", "min_interval_ms", "max_interval_ms",
				"consecutive_no_change_count", "last_sync_at", "next_sync_at", "onboarding_until",
				"polling_fallback", "version", "updated_at",
			}),
		}).
		Create(s).Error
}

// UpdateSchedule writes s if its version still matches and advances s.Version.
func UpdateSchedule(ctx context.Context, db *gorm.DB, s *domain.SyncSchedule) error {
	res := db.WithContext(ctx).
		Model(&domain.SyncSchedule{}).
		Where("user_id = ? AND integration = ? AND version = ?", s.UserID, s.Integration, s.Version).
		Updates(map[string]any{
			"current_interval_ms":         s.CurrentIntervalMs,
			"default_interval_ms":         s.DefaultIntervalMs,
			"min_interval_ms":             s.MinIntervalMs,
			"max_interval_ms":             s.MaxIntervalMs,
			"consecutive_no_change_count": s.ConsecutiveNoChangeCount,
			"last_sync_at":                s.LastSyncAt,
			"next_sync_at":                s.NextSyncAt,
			"onboarding_until":            s.OnboardingUntil,
			"polling_fallback":            s.PollingFallback,
			"version":                     s.Version + 1,
			"updated_at":                  stamp(s.UpdatedAt),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	s.Version++
	return nil
}

// ListDueSchedules returns schedules with next_sync_at <= now, earliest first.
func ListDueSchedules(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.SyncSchedule, error) {
	var out []domain.SyncSchedule
	q := db.WithContext(ctx).
		Where("next_sync_at <= ?", now).
		Order("next_sync_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListPollingFallback returns schedules currently running on polling fallback.
func ListPollingFallback(ctx context.Context, db *gorm.DB, integ domain.Integration) ([]domain.SyncSchedule, error) {
	var out []domain.SyncSchedule
	err := db.WithContext(ctx).
		Where("polling_fallback = ? AND integration = ?", true, integ).
		Order("user_id ASC").
		Find(&out).Error
	return out, err
}

// DeleteSchedule removes the schedule for a pair.
func DeleteSchedule(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		Delete(&domain.SyncSchedule{}).Error
}
