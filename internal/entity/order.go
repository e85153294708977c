package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/speedelog/prepflow/internal/status"
)

// Order is a preparation order stored in the relational database. The Version
// column backs optimistic locking: every status write checks and bumps it so
// concurrent transitions on the same order serialize.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID          int64           `bun:",pk,autoincrement"`
	Number      string          `bun:"number"`
	Status      status.Status   `bun:"status"`
	ClientRef   string          `bun:"client_ref"`
	Total       decimal.Decimal `bun:"total"`
	WeightGrams int64           `bun:"weight_grams"`
	ExternalID  string          `bun:"external_id,nullzero"`
	SourceName  string          `bun:"source_name,nullzero"`
	Version     int64           `bun:"version"`
	CreatedAt   time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time       `bun:"updated_at,nullzero"`

	Lines []*OrderLine `bun:"rel:has-many,join:id=order_id"`
}

// OrderLine is a single product line owned by an Order.
type OrderLine struct {
	bun.BaseModel `bun:"table:order_lines,alias:ol"`

	ID          int64           `bun:",pk,autoincrement"`
	OrderID     int64           `bun:"order_id"`
	ProductRef  string          `bun:"product_ref"`
	OrderedQty  int64           `bun:"ordered_qty"`
	PreparedQty int64           `bun:"prepared_qty"`
	UnitPrice   decimal.Decimal `bun:"unit_price"`
	UnitWeight  int64           `bun:"unit_weight"`
	LineStatus  string          `bun:"line_status"`
}

// Line statuses.
const (
	LineStatusPending  = "a_preparer"
	LineStatusPrepared = "prepare"
)
