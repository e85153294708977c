package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// LockRecord is a persisted mutual-exclusion record. At most one live
// (non-expired) row exists per key; expired rows are reaped on acquire.
type LockRecord struct {
	bun.BaseModel `bun:"table:lock_records,alias:lk"`

	Key        string    `bun:"lock_key,pk"`
	OwnerToken string    `bun:"owner_token"`
	AcquiredAt time.Time `bun:"acquired_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	ExpiresAt  time.Time `bun:"expires_at"`
}

// Expired reports whether the record's TTL has elapsed at the given instant.
func (l *LockRecord) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
