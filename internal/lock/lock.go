// Package lock implements mutual exclusion over a persisted lock_records
// table so that only one holder per key exists across independent process
// invocations. Acquire and release are plain functions over durable state,
// never in-process mutexes.
package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/database"
	"github.com/speedelog/prepflow/internal/entity"
)

// Store abstracts the durable lock operations. The production implementation
// is backed by bun; tests substitute an in-memory fake.
type Store interface {
	// ReapAndInsert atomically deletes an expired record for the key and
	// inserts the new one unless a live record remains. Returns true when
	// the insert landed.
	ReapAndInsert(ctx context.Context, record *entity.LockRecord, now time.Time) (bool, error)
	// DeleteOwned deletes the record only when key and owner both match.
	DeleteOwned(ctx context.Context, key, owner string) (bool, error)
}

// Service exposes acquire/release over a Store.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService constructs the lock service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Acquire attempts to take the lock for key on behalf of owner. It succeeds
// only when no live record exists; an expired record is reaped in the same
// atomic step. Returns false when another owner still holds the lock.
func (s *Service) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	record := &entity.LockRecord{
		Key:        key,
		OwnerToken: owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	ok, err := s.store.ReapAndInsert(ctx, record, now)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Debug("lock acquired", zap.String("key", key), zap.String("owner", owner), zap.Time("expires_at", record.ExpiresAt))
	}
	return ok, nil
}

// Release drops the lock if owner still holds it. A missing or expired
// record is reported as false, never as an error.
func (s *Service) Release(ctx context.Context, key, owner string) (bool, error) {
	ok, err := s.store.DeleteOwned(ctx, key, owner)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug("lock release found nothing to delete", zap.String("key", key), zap.String("owner", owner))
	}
	return ok, nil
}

// bunStore persists lock records through bun.
type bunStore struct {
	db *bun.DB
}

// NewStore builds the database-backed lock store.
func NewStore(conns *database.Connections) Store {
	return &bunStore{db: conns.Writer}
}

func (s *bunStore) ReapAndInsert(ctx context.Context, record *entity.LockRecord, now time.Time) (bool, error) {
	var inserted bool
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*entity.LockRecord)(nil)).
			Where("lock_key = ? AND expires_at <= ?", record.Key, now).
			Exec(ctx); err != nil {
			return err
		}

		res, err := tx.NewInsert().Model(record).
			On("CONFLICT (lock_key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = affected == 1
		return nil
	})
	return inserted, err
}

func (s *bunStore) DeleteOwned(ctx context.Context, key, owner string) (bool, error) {
	res, err := s.db.NewDelete().Model((*entity.LockRecord)(nil)).
		Where("lock_key = ? AND owner_token = ?", key, owner).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
