package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// Dead-letter entry statuses.
const (
	DLQStatusPending   = "pending"
	DLQStatusRetrying  = "retrying"
	DLQStatusDone      = "done"
	DLQStatusExhausted = "exhausted"
)

// DLQEntry is a durable record of an item that failed unexpectedly during
// asynchronous processing. The sweeper re-invokes the original operation
// until it succeeds or RetryCount reaches MaxRetries.
type DLQEntry struct {
	bun.BaseModel `bun:"table:dlq_entries,alias:dlq"`

	ID          int64     `bun:",pk,autoincrement"`
	EventType   string    `bun:"event_type"`
	Payload     []byte    `bun:"payload"`
	Error       string    `bun:"error,nullzero"`
	RetryCount  int       `bun:"retry_count"`
	MaxRetries  int       `bun:"max_retries"`
	NextRetryAt time.Time `bun:"next_retry_at"`
	Status      string    `bun:"status"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero"`
}
