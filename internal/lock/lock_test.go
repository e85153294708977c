package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/entity"
)

// fakeStore mirrors the atomic reap-and-insert semantics of the database
// store over an in-memory map.
type fakeStore struct {
	records map[string]*entity.LockRecord
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*entity.LockRecord)}
}

func (f *fakeStore) ReapAndInsert(_ context.Context, record *entity.LockRecord, now time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if existing, ok := f.records[record.Key]; ok {
		if !existing.Expired(now) {
			return false, nil
		}
		delete(f.records, record.Key)
	}
	f.records[record.Key] = record
	return true, nil
}

func (f *fakeStore) DeleteOwned(_ context.Context, key, owner string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	existing, ok := f.records[key]
	if !ok || existing.OwnerToken != owner {
		return false, nil
	}
	delete(f.records, key)
	return true, nil
}

func newService(store Store) *Service {
	svc := NewService(store, zap.NewNop())
	return svc
}

func TestAcquireFreeLock(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	ok, err := svc.Acquire(context.Background(), "sync:orders", "owner-1", time.Minute)

	require.NoError(t, err)
	assert.True(t, ok)
	require.Contains(t, store.records, "sync:orders")
	assert.Equal(t, "owner-1", store.records["sync:orders"].OwnerToken)
}

func TestAcquireHeldLock(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	ok, err := svc.Acquire(context.Background(), "sync:orders", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Acquire(context.Background(), "sync:orders", "owner-2", time.Minute)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "owner-1", store.records["sync:orders"].OwnerToken)
}

func TestAcquireReapsExpiredLock(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	ok, err := svc.Acquire(context.Background(), "sync:orders", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Still inside the TTL: the holder keeps the lock.
	svc.now = func() time.Time { return base.Add(30 * time.Second) }
	ok, err = svc.Acquire(context.Background(), "sync:orders", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the TTL: the stale record is reaped and the new owner wins.
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	ok, err = svc.Acquire(context.Background(), "sync:orders", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner-2", store.records["sync:orders"].OwnerToken)
}

func TestReleaseByOwner(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	ok, err := svc.Acquire(context.Background(), "sync:orders", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := svc.Release(context.Background(), "sync:orders", "owner-1")

	require.NoError(t, err)
	assert.True(t, released)
	assert.Empty(t, store.records)
}

func TestReleaseByWrongOwner(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	ok, err := svc.Acquire(context.Background(), "sync:orders", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := svc.Release(context.Background(), "sync:orders", "owner-2")

	require.NoError(t, err)
	assert.False(t, released)
	assert.Contains(t, store.records, "sync:orders")
}

func TestReleaseMissingLock(t *testing.T) {
	svc := newService(newFakeStore())

	released, err := svc.Release(context.Background(), "sync:orders", "owner-1")

	require.NoError(t, err)
	assert.False(t, released)
}

func TestAcquireStoreError(t *testing.T) {
	store := newFakeStore()
	store.err = assert.AnError
	svc := newService(store)

	ok, err := svc.Acquire(context.Background(), "sync:orders", "owner-1", time.Minute)

	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, ok)
}
