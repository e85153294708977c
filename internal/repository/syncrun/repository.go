package syncrun

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/speedelog/prepflow/internal/database"
	"github.com/speedelog/prepflow/internal/entity"
)

// ErrNotFound is returned when a sync run is missing.
var ErrNotFound = errors.New("sync run not found")

// ErrAlreadyFinalized is returned when a run was finalized twice.
var ErrAlreadyFinalized = errors.New("sync run already finalized")

// Repository persists sync run records.
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

// Create inserts a run in the running state.
func (r *Repository) Create(ctx context.Context, run *entity.SyncRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = entity.RunStatusRunning
	_, err := r.writer.NewInsert().Model(run).Exec(ctx)
	return err
}

// Finalize writes the aggregated outcome exactly once: the update only
// matches while the run is still in the running state.
func (r *Repository) Finalize(ctx context.Context, run *entity.SyncRun) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	res, err := r.writer.NewUpdate().Model(run).
		Column("status", "finished_at", "batch_count", "item_count", "error_count", "error", "metadata").
		Where("id = ? AND status = ?", run.ID, entity.RunStatusRunning).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// Get fetches a run by id.
func (r *Repository) Get(ctx context.Context, id string) (*entity.SyncRun, error) {
	run := new(entity.SyncRun)
	err := r.reader.NewSelect().Model(run).Where("run.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns the most recent runs.
func (r *Repository) List(ctx context.Context, limit int) ([]*entity.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []*entity.SyncRun
	err := r.reader.NewSelect().Model(&runs).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return runs, nil
}
