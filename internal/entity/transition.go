package entity

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/speedelog/prepflow/internal/status"
)

// TransitionLogEntry is one append-only audit record of a status change.
// Entries are never deleted; a reversed transition only gets its RolledBack
// marker set.
type TransitionLogEntry struct {
	bun.BaseModel `bun:"table:transition_log,alias:tl"`

	ID             int64          `bun:",pk,autoincrement"`
	EntityType     string         `bun:"entity_type"`
	EntityID       int64          `bun:"entity_id"`
	PreviousStatus status.Status  `bun:"previous_status"`
	NewStatus      status.Status  `bun:"new_status"`
	Actor          string         `bun:"actor,nullzero"`
	Reason         string         `bun:"reason,nullzero"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,nullzero"`
	RolledBack     bool           `bun:"rolled_back"`
	RollbackReason string         `bun:"rollback_reason,nullzero"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}

// EntityTypeOrder is the only entity type the transition engine manages today.
const EntityTypeOrder = "order"
