package domain

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrResetConflict is returned when a conditional quota reset lost a race
	// with another reset of the same user.
	ErrResetConflict = errors.New("quota reset conflict")
)

// QuotaRecord holds the per-user counters that govern free-tier usage.
type QuotaRecord struct {
	UserID       string
	TokensUsed   int64
	IsSubscribed bool
	// LastResetAt is nil when the window has never been started.
	LastResetAt *time.Time
}
