package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/speedelog/prepflow/internal/database"
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/status"
)

var repoTracer = otel.Tracer("github.com/speedelog/prepflow/repository/order")

// ErrNotFound is returned when an order is missing.
var ErrNotFound = errors.New("order not found")

// ErrVersionConflict is returned when an optimistic status write loses the
// race against a concurrent transition.
var ErrVersionConflict = errors.New("order version conflict")

// Repository encapsulates read/write access for orders and their audit log.
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

// GetByID fetches an order with its lines using the read replica.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).
		Relation("Lines").
		Where("o.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// GetForUpdate loads an order row under a row lock within db.
func (r *Repository) GetForUpdate(ctx context.Context, db bun.IDB, id int64) (*entity.Order, error) {
	order := new(entity.Order)
	err := db.NewSelect().Model(order).
		Where("o.id = ?", id).
		For("UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Insert persists an order header and its lines within db.
func (r *Repository) Insert(ctx context.Context, db bun.IDB, order *entity.Order) error {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	if _, err := db.NewInsert().Model(order).Exec(ctx); err != nil {
		return err
	}
	for _, line := range order.Lines {
		line.OrderID = order.ID
	}
	if len(order.Lines) > 0 {
		if _, err := db.NewInsert().Model(&order.Lines).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStatus writes a new status using the order's version as an optimistic
// check. The version is bumped on success; ErrVersionConflict is returned
// when a concurrent transition got there first.
func (r *Repository) UpdateStatus(ctx context.Context, db bun.IDB, order *entity.Order, target status.Status) error {
	res, err := db.NewUpdate().Model((*entity.Order)(nil)).
		Set("status = ?", target).
		Set("version = version + 1").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	order.Status = target
	order.Version++
	return nil
}

// FindExisting returns slim order rows matching any of the provided external
// ids or business numbers. Used by sync deduplication.
func (r *Repository) FindExisting(ctx context.Context, externalIDs, numbers []string) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.FindExisting")
	defer span.End()

	if len(externalIDs) == 0 && len(numbers) == 0 {
		return nil, nil
	}

	var orders []*entity.Order
	q := r.reader.NewSelect().Model(&orders).
		Column("o.id", "o.number", "o.status", "o.external_id")
	switch {
	case len(externalIDs) > 0 && len(numbers) > 0:
		q = q.Where("o.external_id IN (?) OR o.number IN (?)", bun.In(externalIDs), bun.In(numbers))
	case len(externalIDs) > 0:
		q = q.Where("o.external_id IN (?)", bun.In(externalIDs))
	default:
		q = q.Where("o.number IN (?)", bun.In(numbers))
	}
	if err := q.Scan(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return orders, nil
}

// InsertLog appends an audit entry within db.
func (r *Repository) InsertLog(ctx context.Context, db bun.IDB, entry *entity.TransitionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := db.NewInsert().Model(entry).Exec(ctx)
	return err
}

// GetLogEntry fetches a single audit entry.
func (r *Repository) GetLogEntry(ctx context.Context, id int64) (*entity.TransitionLogEntry, error) {
	entry := new(entity.TransitionLogEntry)
	err := r.reader.NewSelect().Model(entry).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// LatestLogEntry returns the most recent non-rolled-back audit entry for an
// entity, locked for update within db.
func (r *Repository) LatestLogEntry(ctx context.Context, db bun.IDB, entityType string, entityID int64) (*entity.TransitionLogEntry, error) {
	entry := new(entity.TransitionLogEntry)
	err := db.NewSelect().Model(entry).
		Where("entity_type = ? AND entity_id = ? AND rolled_back = FALSE", entityType, entityID).
		Order("id DESC").
		Limit(1).
		For("UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkLogRolledBack flags an audit entry as reversed. History is never
// deleted, only marked.
func (r *Repository) MarkLogRolledBack(ctx context.Context, db bun.IDB, id int64, reason string) error {
	_, err := db.NewUpdate().Model((*entity.TransitionLogEntry)(nil)).
		Set("rolled_back = TRUE").
		Set("rollback_reason = ?", reason).
		Where("id = ?", id).
		Exec(ctx)
	return err
}
