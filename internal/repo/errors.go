package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound so callers can match either.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrConflict is returned by versioned updates when the row changed since it
// was read. Callers re-read and retry.
var ErrConflict = errors.New("version conflict")

// ErrDuplicate indicates a unique constraint violation on insert.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation recognizes unique-key errors across drivers. glebarez/sqlite
// often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value") ||
		strings.Contains(low, "duplicate entry")
}
