package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// GetTokenHealth returns the token health row for a pair or ErrNotFound.
func GetTokenHealth(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) (*domain.TokenHealth, error) {
	var th domain.TokenHealth
	err := db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		First(&th).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// CreateTokenHealthIfAbsent inserts th unless a row already exists for the
// pair, then returns the stored row. Concurrent first-use seeding converges
// on a single record.
func CreateTokenHealthIfAbsent(ctx context.Context, db *gorm.DB, th *domain.TokenHealth) (*domain.TokenHealth, error) {
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(th).Error; err != nil {
		return nil, err
	}
	return GetTokenHealth(ctx, db, th.UserID, th.Integration)
}

// UpsertTokenHealth writes th, replacing any existing row for the pair. A
// replaced row advances its version so in-flight writers lose their swap.
func UpsertTokenHealth(ctx context.Context, db *gorm.DB, th *domain.TokenHealth) error {
	updates := clause.AssignmentColumns([]string{"status", "revoked", "expires_at", "last_checked_at", "updated_at"})
	updates = append(updates, clause.Assignment{Column: clause.Column{Name: "version"}, Value: gorm.Expr("version + 1")})
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "integration"}},
			DoUpdates: updates,
		}).
		Create(th).Error
}

// UpdateTokenHealth writes th if its version still matches the stored row and
// advances th.Version. ErrConflict means another writer got there first;
// ErrNotFound means the row is gone.
func UpdateTokenHealth(ctx context.Context, db *gorm.DB, th *domain.TokenHealth) error {
	res := db.WithContext(ctx).
		Model(&domain.TokenHealth{}).
		Where("user_id = ? AND integration = ? AND version = ?", th.UserID, th.Integration, th.Version).
		Updates(map[string]any{
			"status":          th.Status,
			"revoked":         th.Revoked,
			"expires_at":      th.ExpiresAt,
			"last_checked_at": th.LastCheckedAt,
			"version":         th.Version + 1,
			"updated_at":      stamp(th.UpdatedAt),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetTokenHealth(ctx, db, th.UserID, th.Integration); err != nil {
			return err
		}
		return ErrConflict
	}
	th.Version++
	return nil
}

// ListTokenRefreshCandidates returns non-revoked rows whose expiry falls
// before cutoff or whose last refresh failed, oldest expiry first.
func ListTokenRefreshCandidates(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.TokenHealth, error) {
	var out []domain.TokenHealth
	q := db.WithContext(ctx).
		Where("revoked = ?", false).
		Where(db.Where("expires_at IS NOT NULL AND expires_at <= ?", cutoff).Or("status = ?", domain.TokenExpired)).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// DeleteTokenHealth removes the row for a pair. Missing rows are not an error.
func DeleteTokenHealth(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		Delete(&domain.TokenHealth{}).Error
}
