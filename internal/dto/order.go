package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLineResponse represents one order line as exposed via transport layers.
type OrderLineResponse struct {
	ID          int64           `json:"id"`
	ProductRef  string          `json:"product_ref"`
	OrderedQty  int64           `json:"ordered_qty"`
	PreparedQty int64           `json:"prepared_qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitWeight  int64           `json:"unit_weight"`
	LineStatus  string          `json:"line_status"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID          int64               `json:"id"`
	Number      string              `json:"number"`
	Status      string              `json:"status"`
	ClientRef   string              `json:"client_ref,omitempty"`
	Total       decimal.Decimal     `json:"total"`
	WeightGrams int64               `json:"weight_grams"`
	ExternalID  string              `json:"external_id,omitempty"`
	SourceName  string              `json:"source_name,omitempty"`
	Lines       []OrderLineResponse `json:"lines,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// TransitionRequest asks for a status change on an order.
type TransitionRequest struct {
	TargetStatus string         `json:"target_status"`
	Reason       string         `json:"reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TransitionResponse reports a transition or rollback outcome.
type TransitionResponse struct {
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	NoChange       bool   `json:"no_change"`
	LogEntryID     int64  `json:"log_entry_id,omitempty"`
}

// RollbackRequest reverses a logged transition.
type RollbackRequest struct {
	Reason string `json:"reason"`
}
