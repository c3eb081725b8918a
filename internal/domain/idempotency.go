package domain

import "time"

// Idempotency records the outcome of a manual sync request, keyed by
// (user_id, integration, key). A retried request carrying the same
// Idempotency-Key is answered from the stored metric instead of syncing again.
type Idempotency struct {
	ID          string    `gorm:"type:char(36);primaryKey"`
	UserID      string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_integration_key,priority:1"`
	Integration string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_user_integration_key,priority:2"`
	Key         string    `gorm:"column:idem_key;type:varchar(128);not null;uniqueIndex:ux_user_integration_key,priority:3"`
	MetricID    string    `gorm:"type:char(36);not null"`
	Status      int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
