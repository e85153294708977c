package dlq

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/speedelog/prepflow/internal/database"
	"github.com/speedelog/prepflow/internal/entity"
)

// bunStore persists dead-letter entries through bun.
type bunStore struct {
	db *bun.DB
}

// NewStore builds the database-backed dead-letter store.
func NewStore(conns *database.Connections) Store {
	return &bunStore{db: conns.Writer}
}

func (s *bunStore) Insert(ctx context.Context, entry *entity.DLQEntry) error {
	_, err := s.db.NewInsert().Model(entry).Exec(ctx)
	return err
}

func (s *bunStore) Due(ctx context.Context, now time.Time, limit int) ([]*entity.DLQEntry, error) {
	var entries []*entity.DLQEntry
	err := s.db.NewSelect().Model(&entries).
		Where("dlq.status = ? AND dlq.next_retry_at <= ?", entity.DLQStatusPending, now).
		Order("dlq.next_retry_at").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *bunStore) MarkRetrying(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, entity.DLQStatusRetrying)
}

func (s *bunStore) MarkDone(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, entity.DLQStatusDone)
}

func (s *bunStore) MarkFailed(ctx context.Context, entry *entity.DLQEntry) error {
	_, err := s.db.NewUpdate().Model((*entity.DLQEntry)(nil)).
		Set("status = ?", entry.Status).
		Set("retry_count = ?", entry.RetryCount).
		Set("error = ?", entry.Error).
		Set("next_retry_at = ?", entry.NextRetryAt).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", entry.ID).
		Exec(ctx)
	return err
}

func (s *bunStore) setStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.NewUpdate().Model((*entity.DLQEntry)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}
