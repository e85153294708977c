package transition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/messaging"
	orderrepo "github.com/speedelog/prepflow/internal/repository/order"
	"github.com/speedelog/prepflow/internal/status"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

type fakeOrderStore struct {
	orders    map[int64]*entity.Order
	log       []*entity.TransitionLogEntry
	nextID    int64
	statusErr error
}

func newFakeOrderStore(orders ...*entity.Order) *fakeOrderStore {
	s := &fakeOrderStore{orders: make(map[int64]*entity.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeOrderStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return fn(ctx, bun.Tx{})
}

func (s *fakeOrderStore) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	if o, ok := s.orders[id]; ok {
		return o, nil
	}
	return nil, orderrepo.ErrNotFound
}

func (s *fakeOrderStore) GetForUpdate(ctx context.Context, db bun.IDB, id int64) (*entity.Order, error) {
	return s.GetByID(ctx, id)
}

func (s *fakeOrderStore) UpdateStatus(ctx context.Context, db bun.IDB, order *entity.Order, target status.Status) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	order.Status = target
	order.Version++
	return nil
}

func (s *fakeOrderStore) InsertLog(ctx context.Context, db bun.IDB, entry *entity.TransitionLogEntry) error {
	s.nextID++
	entry.ID = s.nextID
	s.log = append(s.log, entry)
	return nil
}

func (s *fakeOrderStore) GetLogEntry(ctx context.Context, id int64) (*entity.TransitionLogEntry, error) {
	for _, entry := range s.log {
		if entry.ID == id {
			return entry, nil
		}
	}
	return nil, orderrepo.ErrNotFound
}

func (s *fakeOrderStore) LatestLogEntry(ctx context.Context, db bun.IDB, entityType string, entityID int64) (*entity.TransitionLogEntry, error) {
	for i := len(s.log) - 1; i >= 0; i-- {
		entry := s.log[i]
		if entry.EntityType == entityType && entry.EntityID == entityID && !entry.RolledBack {
			return entry, nil
		}
	}
	return nil, orderrepo.ErrNotFound
}

func (s *fakeOrderStore) MarkLogRolledBack(ctx context.Context, db bun.IDB, id int64, reason string) error {
	entry, err := s.GetLogEntry(context.Background(), id)
	if err != nil {
		return err
	}
	entry.RolledBack = true
	entry.RollbackReason = reason
	return nil
}

type fakeLedger struct {
	converted []int64
	released  []int64
	convertEr error
}

func (l *fakeLedger) ReleaseTx(ctx context.Context, db bun.IDB, orderID int64) error {
	l.released = append(l.released, orderID)
	return nil
}

func (l *fakeLedger) ConvertToConsumptionTx(ctx context.Context, db bun.IDB, orderID int64) error {
	if l.convertEr != nil {
		return l.convertEr
	}
	l.converted = append(l.converted, orderID)
	return nil
}

type capturedEvent struct {
	key   []byte
	value []byte
}

type fakePublisher struct {
	events []capturedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, key, value []byte) error {
	p.events = append(p.events, capturedEvent{key: key, value: value})
	return nil
}

func (p *fakePublisher) Consume(context.Context, messaging.Handler) error { return nil }

func (p *fakePublisher) Topic() string { return "orders.status-changes" }

func newEngine(store *fakeOrderStore, ledger *fakeLedger, pub *fakePublisher) *Engine {
	e := &Engine{
		orders: store,
		ledger: ledger,
		logger: zap.NewNop(),
	}
	if pub != nil {
		e.publisher = pub
		e.messaging = messagingConfig{enabled: true, topic: "orders.status-changes"}
	}
	return e
}

func TestTransitionValidEdge(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 1, Status: status.StockReserve})
	pub := &fakePublisher{}
	engine := newEngine(store, &fakeLedger{}, pub)

	res, err := engine.Transition(context.Background(), 1, status.EnPicking, "alice", "picking wave 3", nil)
	require.NoError(t, err)

	assert.Equal(t, status.StockReserve, res.PreviousStatus)
	assert.Equal(t, status.EnPicking, res.NewStatus)
	assert.False(t, res.NoChange)
	assert.Equal(t, status.EnPicking, store.orders[1].Status)
	require.Len(t, store.log, 1)
	assert.Equal(t, "alice", store.log[0].Actor)
	assert.Len(t, pub.events, 1)
}

func TestTransitionInvalidEdge(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 1, Status: status.EnAttenteReappro})
	engine := newEngine(store, &fakeLedger{}, nil)

	_, err := engine.Transition(context.Background(), 1, status.Expedie, "alice", "", nil)
	require.Error(t, err)

	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidTransition))
	assert.Equal(t, status.EnAttenteReappro, store.orders[1].Status)
	assert.Empty(t, store.log)
}

func TestTransitionEveryGraphEdge(t *testing.T) {
	for _, from := range status.All() {
		for _, to := range status.All() {
			if from == to {
				continue
			}
			store := newFakeOrderStore(&entity.Order{ID: 1, Status: from})
			engine := newEngine(store, &fakeLedger{}, nil)

			_, err := engine.Transition(context.Background(), 1, to, "tester", "", nil)
			if status.CanTransition(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Len(t, store.log, 1, "%s -> %s", from, to)
			} else {
				require.Error(t, err, "%s -> %s", from, to)
				assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidTransition), "%s -> %s", from, to)
				assert.Empty(t, store.log, "%s -> %s", from, to)
			}
		}
	}
}

func TestTransitionConcurrentWriteConflict(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 1, Status: status.StockReserve})
	store.statusErr = orderrepo.ErrVersionConflict
	pub := &fakePublisher{}
	engine := newEngine(store, &fakeLedger{}, pub)

	_, err := engine.Transition(context.Background(), 1, status.EnPicking, "alice", "", nil)
	require.Error(t, err)

	// A concurrent transition that bumped the version first surfaces as a
	// retryable conflict and leaves no partial audit trail.
	assert.True(t, errorbank.IsKind(err, errorbank.KindConflict))
	assert.Empty(t, store.log)
	assert.Empty(t, pub.events)
}

func TestTransitionSameStatusIsNoop(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 1, Status: status.EnPicking})
	pub := &fakePublisher{}
	engine := newEngine(store, &fakeLedger{}, pub)

	res, err := engine.Transition(context.Background(), 1, status.EnPicking, "alice", "", nil)
	require.NoError(t, err)

	assert.True(t, res.NoChange)
	assert.Empty(t, store.log)
	assert.Empty(t, pub.events)
}

func TestTransitionUnknownOrder(t *testing.T) {
	engine := newEngine(newFakeOrderStore(), &fakeLedger{}, nil)

	_, err := engine.Transition(context.Background(), 404, status.EnPicking, "alice", "", nil)
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindNotFound))
}

func TestTransitionUnknownStatus(t *testing.T) {
	engine := newEngine(newFakeOrderStore(&entity.Order{ID: 1, Status: status.EnPicking}), &fakeLedger{}, nil)

	_, err := engine.Transition(context.Background(), 1, status.Status("perdu"), "alice", "", nil)
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindBadRequest))
}

func TestTransitionToShippedConvertsReservation(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 7, Status: status.EtiquetteGeneree})
	ledger := &fakeLedger{}
	engine := newEngine(store, ledger, nil)

	_, err := engine.Transition(context.Background(), 7, status.Expedie, "system", "", nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, ledger.converted)
	assert.Empty(t, ledger.released)
}

func TestTransitionToShippedFailsWithoutReservation(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 7, Status: status.EtiquetteGeneree})
	ledger := &fakeLedger{convertEr: errorbank.InvalidState("no active reservation for order 7")}
	engine := newEngine(store, ledger, nil)

	_, err := engine.Transition(context.Background(), 7, status.Expedie, "system", "", nil)
	require.Error(t, err)

	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))
	assert.Equal(t, status.EtiquetteGeneree, store.orders[7].Status)
	assert.Empty(t, store.log)
}

func TestTransitionToCancelledReleasesReservation(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 9, Status: status.StockReserve})
	ledger := &fakeLedger{}
	engine := newEngine(store, ledger, nil)

	_, err := engine.Transition(context.Background(), 9, status.Annule, "alice", "client cancelled", nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{9}, ledger.released)
	assert.Empty(t, ledger.converted)
}

func TestRollbackRestoresPreviousStatus(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 1, Status: status.StockReserve})
	engine := newEngine(store, &fakeLedger{}, nil)
	ctx := context.Background()

	res, err := engine.Transition(ctx, 1, status.EnPicking, "alice", "", nil)
	require.NoError(t, err)

	rb, err := engine.Rollback(ctx, entity.EntityTypeOrder, res.LogEntryID, "bob", "picked against the wrong wave")
	require.NoError(t, err)

	assert.Equal(t, status.StockReserve, rb.NewStatus)
	assert.Equal(t, status.StockReserve, store.orders[1].Status)
	require.Len(t, store.log, 1)
	assert.True(t, store.log[0].RolledBack)
	assert.Equal(t, "picked against the wrong wave", store.log[0].RollbackReason)
}

func TestRollbackRejectsShortReason(t *testing.T) {
	engine := newEngine(newFakeOrderStore(), &fakeLedger{}, nil)

	_, err := engine.Rollback(context.Background(), entity.EntityTypeOrder, 1, "bob", "oops")
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindBadRequest))
}

func TestRollbackOnlyLatestEntry(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 1, Status: status.StockReserve})
	engine := newEngine(store, &fakeLedger{}, nil)
	ctx := context.Background()

	first, err := engine.Transition(ctx, 1, status.EnPicking, "alice", "", nil)
	require.NoError(t, err)
	_, err = engine.Transition(ctx, 1, status.PickingTermine, "alice", "", nil)
	require.NoError(t, err)

	_, err = engine.Rollback(ctx, entity.EntityTypeOrder, first.LogEntryID, "bob", "undo the first transition")
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))
}

func TestRollbackTwiceFails(t *testing.T) {
	store := newFakeOrderStore(&entity.Order{ID: 1, Status: status.StockReserve})
	engine := newEngine(store, &fakeLedger{}, nil)
	ctx := context.Background()

	res, err := engine.Transition(ctx, 1, status.EnPicking, "alice", "", nil)
	require.NoError(t, err)

	_, err = engine.Rollback(ctx, entity.EntityTypeOrder, res.LogEntryID, "bob", "picked against the wrong wave")
	require.NoError(t, err)

	_, err = engine.Rollback(ctx, entity.EntityTypeOrder, res.LogEntryID, "bob", "picked against the wrong wave")
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))
}

func TestRollbackUnknownEntry(t *testing.T) {
	engine := newEngine(newFakeOrderStore(), &fakeLedger{}, nil)

	_, err := engine.Rollback(context.Background(), entity.EntityTypeOrder, 404, "bob", "entry never existed here")
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindNotFound))
}
