package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// GetBreaker returns the breaker for a pair or ErrNotFound.
func GetBreaker(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) (*domain.CircuitBreaker, error) {
	var b domain.CircuitBreaker
	err := db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// EnsureBreaker returns the breaker for a pair, creating a closed one on
// first use.
func EnsureBreaker(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) (*domain.CircuitBreaker, error) {
	b, err := GetBreaker(ctx, db, userID, integ)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return b, err
	}
	fresh := &domain.CircuitBreaker{
		UserID:      userID,
		Integration: integ,
		State:       domain.BreakerClosed,
	}
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fresh).Error; err != nil {
		return nil, err
	}
	return GetBreaker(ctx, db, userID, integ)
}

// UpdateBreaker writes b if its version still matches the stored row and
// advances b.Version. ErrConflict means another writer got there first.
func UpdateBreaker(ctx context.Context, db *gorm.DB, b *domain.CircuitBreaker) error {
	res := db.WithContext(ctx).
		Model(&domain.CircuitBreaker{}).
		Where("user_id = ? AND integration = ? AND version = ?", b.UserID, b.Integration, b.Version).
		Updates(map[string]any{
			"state":                b.State,
			"consecutive_failures": b.ConsecutiveFailures,
			"next_retry_at":        b.NextRetryAt,
			"opened_at":            b.OpenedAt,
			"last_error_kind":      b.LastErrorKind,
			"version":              b.Version + 1,
			"updated_at":           stamp(b.UpdatedAt),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	b.Version++
	return nil
}

// DeleteBreaker removes the breaker for a pair.
func DeleteBreaker(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		Delete(&domain.CircuitBreaker{}).Error
}
