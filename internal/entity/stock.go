package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// StockRecord tracks per-product inventory. Invariant after every successful
// mutation: 0 <= Reserved <= OnHand.
type StockRecord struct {
	bun.BaseModel `bun:"table:stock_records,alias:sr"`

	ID         int64     `bun:",pk,autoincrement"`
	ProductRef string    `bun:"product_ref"`
	OnHand     int64     `bun:"on_hand"`
	Reserved   int64     `bun:"reserved"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero"`
}

// Available is the quantity still open to new reservations.
func (r *StockRecord) Available() int64 {
	return r.OnHand - r.Reserved
}

// Reservation states.
const (
	ReservationActive   = "active"
	ReservationReleased = "released"
	ReservationConsumed = "consumed"
)

// StockReservation is a soft hold on stock tied to one order line. Release
// and convert-to-consumption resolve against active rows only, which makes
// both operations idempotent at the order level.
type StockReservation struct {
	bun.BaseModel `bun:"table:stock_reservations,alias:rsv"`

	ID         int64     `bun:",pk,autoincrement"`
	OrderID    int64     `bun:"order_id"`
	ProductRef string    `bun:"product_ref"`
	Qty        int64     `bun:"qty"`
	State      string    `bun:"state"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	ResolvedAt time.Time `bun:"resolved_at,nullzero"`
}
