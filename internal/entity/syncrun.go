package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// Sync run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusError   = "error"
)

// Sync job types.
const (
	JobTypeFull        = "full"
	JobTypeIncremental = "incremental"
	JobTypeCustom      = "custom"
)

// SyncRun records one end-to-end synchronization run. It is created when the
// run starts and finalized exactly once with aggregated counts.
type SyncRun struct {
	bun.BaseModel `bun:"table:sync_runs,alias:run"`

	ID         string         `bun:",pk"`
	JobType    string         `bun:"job_type"`
	Status     string         `bun:"status"`
	StartedAt  time.Time      `bun:"started_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	FinishedAt time.Time      `bun:"finished_at,nullzero"`
	BatchCount int            `bun:"batch_count"`
	ItemCount  int            `bun:"item_count"`
	ErrorCount int            `bun:"error_count"`
	Error      string         `bun:"error,nullzero"`
	Metadata   map[string]any `bun:"metadata,type:jsonb,nullzero"`
}
