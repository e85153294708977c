package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/entity"
	repo "github.com/speedelog/prepflow/internal/repository/stock"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/speedelog/prepflow/service/stock")

// Line is one reservation request line.
type Line struct {
	ProductRef string
	Qty        int64
}

// Store is the persistence surface the ledger needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
	LockForUpdate(ctx context.Context, db bun.IDB, refs []string) ([]*entity.StockRecord, error)
	SaveQuantities(ctx context.Context, db bun.IDB, rec *entity.StockRecord) error
	InsertReservations(ctx context.Context, db bun.IDB, rows []*entity.StockReservation) error
	ActiveReservations(ctx context.Context, db bun.IDB, orderID int64) ([]*entity.StockReservation, error)
	ResolveReservations(ctx context.Context, db bun.IDB, ids []int64, state string) error
	GetByProduct(ctx context.Context, ref string) (*entity.StockRecord, error)
}

// Ledger applies atomic reserve/release/convert operations against
// per-product stock. Row locks on stock_records serialize concurrent
// mutations of the same product, so total reservations never exceed on-hand
// stock.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// Params defines dependencies for constructing Ledger.
type Params struct {
	fx.In

	Repository *repo.Repository
	Logger     *zap.Logger
}

// NewLedger wires a new Ledger instance.
func NewLedger(p Params) *Ledger {
	return &Ledger{store: p.Repository, logger: p.Logger}
}

// Reserve places a soft hold for every line, all-or-nothing: when any single
// line cannot be satisfied, no stock record is mutated and the call fails
// with an insufficient-stock error.
func (l *Ledger) Reserve(ctx context.Context, orderID int64, lines []Line) error {
	ctx, span := serviceTracer.Start(ctx, "StockLedger.Reserve", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.Int("lines", len(lines)),
	))
	defer span.End()

	err := l.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return l.ReserveTx(ctx, tx, orderID, lines)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
	}
	return err
}

// ReserveTx is Reserve running inside a caller-owned transaction.
func (l *Ledger) ReserveTx(ctx context.Context, db bun.IDB, orderID int64, lines []Line) error {
	if len(lines) == 0 {
		return errorbank.BadRequest("no lines to reserve")
	}

	wanted := make(map[string]int64, len(lines))
	for _, line := range lines {
		if line.Qty <= 0 {
			return errorbank.BadRequest(fmt.Sprintf("invalid quantity %d for %s", line.Qty, line.ProductRef))
		}
		wanted[line.ProductRef] += line.Qty
	}
	refs := make([]string, 0, len(wanted))
	for ref := range wanted {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	records, err := l.store.LockForUpdate(ctx, db, refs)
	if err != nil {
		return errorbank.Internal("failed to lock stock rows", errorbank.WithCause(err))
	}
	byRef := make(map[string]*entity.StockRecord, len(records))
	for _, rec := range records {
		byRef[rec.ProductRef] = rec
	}

	// Validate the whole list before touching anything.
	for _, ref := range refs {
		rec, ok := byRef[ref]
		if !ok {
			return errorbank.InsufficientStock(fmt.Sprintf("no stock record for %s", ref),
				errorbank.WithDetail("product_ref", ref))
		}
		if rec.Available() < wanted[ref] {
			return errorbank.InsufficientStock(
				fmt.Sprintf("%s: requested %d, available %d", ref, wanted[ref], rec.Available()),
				errorbank.WithDetail("product_ref", ref),
				errorbank.WithDetail("requested", wanted[ref]),
				errorbank.WithDetail("available", rec.Available()),
			)
		}
	}

	reservations := make([]*entity.StockReservation, 0, len(refs))
	for _, ref := range refs {
		rec := byRef[ref]
		rec.Reserved += wanted[ref]
		if err := l.store.SaveQuantities(ctx, db, rec); err != nil {
			return errorbank.Internal("failed to persist stock quantities", errorbank.WithCause(err))
		}
		reservations = append(reservations, &entity.StockReservation{
			OrderID:    orderID,
			ProductRef: ref,
			Qty:        wanted[ref],
			State:      entity.ReservationActive,
		})
	}
	if err := l.store.InsertReservations(ctx, db, reservations); err != nil {
		return errorbank.Internal("failed to persist reservations", errorbank.WithCause(err))
	}

	l.logger.Info("stock reserved", zap.Int64("order_id", orderID), zap.Int("products", len(refs)))
	return nil
}

// Release drops every active reservation tied to the order. Releasing an
// order without active reservations is a no-op.
func (l *Ledger) Release(ctx context.Context, orderID int64) error {
	ctx, span := serviceTracer.Start(ctx, "StockLedger.Release", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	err := l.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return l.ReleaseTx(ctx, tx, orderID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
	}
	return err
}

// ReleaseTx is Release running inside a caller-owned transaction.
func (l *Ledger) ReleaseTx(ctx context.Context, db bun.IDB, orderID int64) error {
	rows, err := l.store.ActiveReservations(ctx, db, orderID)
	if err != nil {
		return errorbank.Internal("failed to load reservations", errorbank.WithCause(err))
	}
	if len(rows) == 0 {
		return nil
	}
	if err := l.applyResolution(ctx, db, rows, entity.ReservationReleased, false); err != nil {
		return err
	}
	l.logger.Info("stock released", zap.Int64("order_id", orderID), zap.Int("reservations", len(rows)))
	return nil
}

// ConvertToConsumption turns the order's active reservations into permanent
// consumption. It fails when no active reservation exists.
func (l *Ledger) ConvertToConsumption(ctx context.Context, orderID int64) error {
	ctx, span := serviceTracer.Start(ctx, "StockLedger.ConvertToConsumption", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	err := l.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return l.ConvertToConsumptionTx(ctx, tx, orderID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "convert failed")
	}
	return err
}

// ConvertToConsumptionTx is ConvertToConsumption running inside a
// caller-owned transaction.
func (l *Ledger) ConvertToConsumptionTx(ctx context.Context, db bun.IDB, orderID int64) error {
	rows, err := l.store.ActiveReservations(ctx, db, orderID)
	if err != nil {
		return errorbank.Internal("failed to load reservations", errorbank.WithCause(err))
	}
	if len(rows) == 0 {
		return errorbank.InvalidState(fmt.Sprintf("no active reservation for order %d", orderID))
	}
	if err := l.applyResolution(ctx, db, rows, entity.ReservationConsumed, true); err != nil {
		return err
	}
	l.logger.Info("stock consumed", zap.Int64("order_id", orderID), zap.Int("reservations", len(rows)))
	return nil
}

// Availability returns the stock record for one product.
func (l *Ledger) Availability(ctx context.Context, ref string) (*entity.StockRecord, error) {
	rec, err := l.store.GetByProduct(ctx, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("stock record not found", errorbank.WithDetail("product_ref", ref))
		}
		return nil, errorbank.Internal("failed to load stock record", errorbank.WithCause(err))
	}
	return rec, nil
}

// applyResolution unwinds reservation rows against their stock records.
// consume additionally decrements on-hand stock.
func (l *Ledger) applyResolution(ctx context.Context, db bun.IDB, rows []*entity.StockReservation, state string, consume bool) error {
	qtyByRef := make(map[string]int64, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		qtyByRef[row.ProductRef] += row.Qty
		ids = append(ids, row.ID)
	}
	refs := make([]string, 0, len(qtyByRef))
	for ref := range qtyByRef {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	records, err := l.store.LockForUpdate(ctx, db, refs)
	if err != nil {
		return errorbank.Internal("failed to lock stock rows", errorbank.WithCause(err))
	}
	byRef := make(map[string]*entity.StockRecord, len(records))
	for _, rec := range records {
		byRef[rec.ProductRef] = rec
	}

	for _, ref := range refs {
		rec, ok := byRef[ref]
		if !ok {
			return errorbank.Internal(fmt.Sprintf("reservation references missing stock record %s", ref))
		}
		qty := qtyByRef[ref]
		if rec.Reserved < qty {
			return errorbank.Internal(fmt.Sprintf("%s: reserved %d below reservation total %d", ref, rec.Reserved, qty))
		}
		rec.Reserved -= qty
		if consume {
			rec.OnHand -= qty
		}
		if err := l.store.SaveQuantities(ctx, db, rec); err != nil {
			return errorbank.Internal("failed to persist stock quantities", errorbank.WithCause(err))
		}
	}

	if err := l.store.ResolveReservations(ctx, db, ids, state); err != nil {
		return errorbank.Internal("failed to resolve reservations", errorbank.WithCause(err))
	}
	return nil
}
