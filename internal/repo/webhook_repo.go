package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-sync-engine/internal/domain"
)

// GetWebhook returns the subscription for a pair or ErrNotFound.
func GetWebhook(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) (*domain.WebhookSubscription, error) {
	var w domain.WebhookSubscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWebhookByChannel looks a subscription up by its channel id.
func GetWebhookByChannel(ctx context.Context, db *gorm.DB, channelID string) (*domain.WebhookSubscription, error) {
	var w domain.WebhookSubscription
	err := db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// PutWebhook inserts w or replaces the pair's subscription in place. The old
// channel id disappears from the table in the same statement.
func PutWebhook(ctx context.Context, db *gorm.DB, w *domain.WebhookSubscription) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "integration"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"channel_id", "resource_id", "channel_token", "expires_at",
				"registered_at", "last_notification_at", "updated_at",
			}),
		}).
		Create(w).Error
}

// TouchWebhookNotification stamps last_notification_at for a channel.
func TouchWebhookNotification(ctx context.Context, db *gorm.DB, channelID string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.WebhookSubscription{}).
		Where("channel_id = ?", channelID).
		Updates(map[string]any{"last_notification_at": at, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebhooksNeedingAttention returns subscriptions that expire before
// renewBefore or have shown no activity since silentSince.
func ListWebhooksNeedingAttention(ctx context.Context, db *gorm.DB, renewBefore, silentSince time.Time) ([]domain.WebhookSubscription, error) {
	var out []domain.WebhookSubscription
	err := db.WithContext(ctx).
		Where("expires_at <= ?", renewBefore).
		Or("registered_at <= ? AND (last_notification_at IS NULL OR last_notification_at <= ?)", silentSince, silentSince).
		Order("expires_at ASC").
		Find(&out).Error
	return out, err
}

// DeleteWebhook removes the subscription for a pair.
func DeleteWebhook(ctx context.Context, db *gorm.DB, userID string, integ domain.Integration) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integ).
		Delete(&domain.WebhookSubscription{}).Error
}
