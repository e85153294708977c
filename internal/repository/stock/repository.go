package stock

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/speedelog/prepflow/internal/database"
	"github.com/speedelog/prepflow/internal/entity"
)

var repoTracer = otel.Tracer("github.com/speedelog/prepflow/repository/stock")

// ErrNotFound is returned when a stock record is missing.
var ErrNotFound = errors.New("stock record not found")

// Repository encapsulates access to stock records and reservations.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// RunInTx executes fn inside a single writer transaction.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return r.writer.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// LockForUpdate fetches the stock rows for the given product refs under row
// locks, ordered by product ref so concurrent reservations always lock in
// the same order.
func (r *Repository) LockForUpdate(ctx context.Context, db bun.IDB, refs []string) ([]*entity.StockRecord, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	var records []*entity.StockRecord
	err := db.NewSelect().Model(&records).
		Where("sr.product_ref IN (?)", bun.In(refs)).
		Order("sr.product_ref").
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SaveQuantities persists on-hand and reserved counters for a record.
func (r *Repository) SaveQuantities(ctx context.Context, db bun.IDB, rec *entity.StockRecord) error {
	_, err := db.NewUpdate().Model((*entity.StockRecord)(nil)).
		Set("on_hand = ?", rec.OnHand).
		Set("reserved = ?", rec.Reserved).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", rec.ID).
		Exec(ctx)
	return err
}

// InsertReservations appends reservation rows within db.
func (r *Repository) InsertReservations(ctx context.Context, db bun.IDB, rows []*entity.StockReservation) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := db.NewInsert().Model(&rows).Exec(ctx)
	return err
}

// ActiveReservations fetches an order's active reservation rows under row
// locks within db.
func (r *Repository) ActiveReservations(ctx context.Context, db bun.IDB, orderID int64) ([]*entity.StockReservation, error) {
	var rows []*entity.StockReservation
	err := db.NewSelect().Model(&rows).
		Where("rsv.order_id = ? AND rsv.state = ?", orderID, entity.ReservationActive).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ResolveReservations marks reservation rows with a final state.
func (r *Repository) ResolveReservations(ctx context.Context, db bun.IDB, ids []int64, state string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.NewUpdate().Model((*entity.StockReservation)(nil)).
		Set("state = ?", state).
		Set("resolved_at = ?", time.Now().UTC()).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

// GetByProduct fetches a single stock record by product ref.
func (r *Repository) GetByProduct(ctx context.Context, ref string) (*entity.StockRecord, error) {
	ctx, span := repoTracer.Start(ctx, "StockRepository.GetByProduct", trace.WithAttributes(attribute.String("product.ref", ref)))
	defer span.End()

	rec := new(entity.StockRecord)
	err := r.reader.NewSelect().Model(rec).Where("sr.product_ref = ?", ref).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
