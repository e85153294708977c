package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/internal/dlq"
	"github.com/speedelog/prepflow/internal/entity"
	stocksvc "github.com/speedelog/prepflow/internal/service/stock"
	"github.com/speedelog/prepflow/internal/status"
	"github.com/speedelog/prepflow/internal/upstream"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

type fakeSource struct {
	name        string
	pages       [][]upstream.Order
	listErr     error
	details     map[string]*upstream.Order
	mu          stdsync.Mutex
	detailCalls int
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) List(ctx context.Context, since time.Time, page, pageSize int) ([]upstream.Order, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if page <= len(s.pages) {
		return s.pages[page-1], nil
	}
	return nil, nil
}

// Detail is called from concurrent enrichment goroutines.
func (s *fakeSource) Detail(ctx context.Context, externalID string) (*upstream.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls++
	if detail, ok := s.details[externalID]; ok {
		return detail, nil
	}
	return nil, errorbank.UpstreamTransient("detail unavailable for " + externalID)
}

type fakeSyncOrderStore struct {
	existing []*entity.Order
	inserted []*entity.Order
	logs     []*entity.TransitionLogEntry
	nextID   int64
}

func (s *fakeSyncOrderStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	markInserted := len(s.inserted)
	markLogs := len(s.logs)
	if err := fn(ctx, bun.Tx{}); err != nil {
		s.inserted = s.inserted[:markInserted]
		s.logs = s.logs[:markLogs]
		return err
	}
	return nil
}

func (s *fakeSyncOrderStore) FindExisting(ctx context.Context, externalIDs, numbers []string) ([]*entity.Order, error) {
	wantExt := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		wantExt[id] = true
	}
	wantNum := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		wantNum[n] = true
	}
	var out []*entity.Order
	for _, o := range append(append([]*entity.Order{}, s.existing...), s.inserted...) {
		if wantExt[o.ExternalID] || wantNum[o.Number] {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeSyncOrderStore) Insert(ctx context.Context, db bun.IDB, order *entity.Order) error {
	s.nextID++
	order.ID = s.nextID
	for _, line := range order.Lines {
		line.OrderID = order.ID
	}
	s.inserted = append(s.inserted, order)
	return nil
}

func (s *fakeSyncOrderStore) UpdateStatus(ctx context.Context, db bun.IDB, order *entity.Order, target status.Status) error {
	order.Status = target
	order.Version++
	return nil
}

func (s *fakeSyncOrderStore) InsertLog(ctx context.Context, db bun.IDB, entry *entity.TransitionLogEntry) error {
	s.logs = append(s.logs, entry)
	return nil
}

type fakeRunStore struct {
	created   []*entity.SyncRun
	finalized []*entity.SyncRun
}

func (s *fakeRunStore) Create(ctx context.Context, run *entity.SyncRun) error {
	run.Status = entity.RunStatusRunning
	s.created = append(s.created, run)
	return nil
}

func (s *fakeRunStore) Finalize(ctx context.Context, run *entity.SyncRun) error {
	s.finalized = append(s.finalized, run)
	return nil
}

type fakeLocker struct {
	busyFor  int
	acquires int
	releases int
}

func (l *fakeLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.acquires++
	return l.acquires > l.busyFor, nil
}

func (l *fakeLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	l.releases++
	return true, nil
}

type fakeReserver struct {
	insufficientFor map[int64]bool
	insufficientRef map[string]bool
	failWith        error
	reserved        [][]stocksvc.Line
}

func (r *fakeReserver) ReserveTx(ctx context.Context, db bun.IDB, orderID int64, lines []stocksvc.Line) error {
	if r.failWith != nil {
		return r.failWith
	}
	for _, line := range lines {
		if r.insufficientRef[line.ProductRef] {
			return errorbank.InsufficientStock(line.ProductRef + ": requested more than available")
		}
	}
	if r.insufficientFor[orderID] {
		return errorbank.InsufficientStock("requested more than available")
	}
	r.reserved = append(r.reserved, lines)
	return nil
}

type fakeDeadLetter struct {
	handlers map[string]dlq.Handler
	pushed   []string
}

func (d *fakeDeadLetter) Register(eventType string, h dlq.Handler) {
	if d.handlers == nil {
		d.handlers = make(map[string]dlq.Handler)
	}
	d.handlers[eventType] = h
}

func (d *fakeDeadLetter) Push(ctx context.Context, eventType string, payload any, cause error) error {
	d.pushed = append(d.pushed, eventType)
	return nil
}

func syncConfig() config.Sync {
	return config.Sync{
		LockKey:           "sync",
		LockTTL:           20 * time.Minute,
		LockRetryBackoff:  time.Millisecond,
		FullWindow:        90 * 24 * time.Hour,
		IncrementalWindow: 5 * time.Minute,
		PageSize:          2,
		MaxPages:          10,
		EnrichmentCap:     50,
		EnrichTimeout:     time.Second,
		EnrichRetries:     1,
		EnrichBackoff:     time.Millisecond,
		BatchInitial:      2,
		BatchMin:          1,
		BatchMax:          4,
	}
}

type orchestratorDeps struct {
	orders *fakeSyncOrderStore
	runs   *fakeRunStore
	locker *fakeLocker
	ledger *fakeReserver
	dlq    *fakeDeadLetter
}

func newTestOrchestrator(cfg config.Sync, primary, secondary upstream.Source) (*Orchestrator, *orchestratorDeps) {
	deps := &orchestratorDeps{
		orders: &fakeSyncOrderStore{},
		runs:   &fakeRunStore{},
		locker: &fakeLocker{},
		ledger: &fakeReserver{},
		dlq:    &fakeDeadLetter{},
	}
	ids := 0
	o := &Orchestrator{
		cfg:        cfg,
		sources:    upstream.Sources{Primary: primary, Secondary: secondary},
		orders:     deps.orders,
		runs:       deps.runs,
		locker:     deps.locker,
		ledger:     deps.ledger,
		deadletter: deps.dlq,
		logger:     zap.NewNop(),
		now:        time.Now,
		sleep:      func(context.Context, time.Duration) error { return nil },
		newID: func() string {
			ids++
			return string(rune('a' + ids))
		},
	}
	o.deadletter.Register(EventOrderImport, o.retryImport)
	return o, deps
}

func candidate(externalID string, qty int64) upstream.Order {
	return upstream.Order{
		SourceName: "carrier",
		ExternalID: externalID,
		Number:     "ORD-" + externalID,
		ClientRef:  "client-1",
		Total:      decimal.NewFromInt(qty * 10),
		Lines: []upstream.Line{
			{ProductRef: "SKU-" + externalID, Qty: qty, UnitPrice: decimal.NewFromInt(10)},
		},
		Enriched: true,
	}
}

func TestRunIncrementalHappyPath(t *testing.T) {
	cand := candidate("E1", 2)
	cand.Lines = append(cand.Lines, upstream.Line{ProductRef: "SKU-X", Qty: 1, UnitPrice: decimal.NewFromInt(5)})
	primary := &fakeSource{name: "carrier", pages: [][]upstream.Order{{cand}}}
	o, deps := newTestOrchestrator(syncConfig(), primary, &fakeSource{name: "marketplace"})

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.ItemCount)
	assert.Zero(t, run.ErrorCount)
	require.Len(t, deps.orders.inserted, 1)

	order := deps.orders.inserted[0]
	assert.Equal(t, status.StockReserve, order.Status)
	require.Len(t, order.Lines, 2)
	for _, line := range order.Lines {
		assert.Zero(t, line.PreparedQty)
		assert.Equal(t, entity.LineStatusPending, line.LineStatus)
	}
	require.Len(t, deps.orders.logs, 1)
	assert.Equal(t, syncActor, deps.orders.logs[0].Actor)
	assert.Equal(t, 1, deps.locker.releases)
	require.Len(t, deps.runs.finalized, 1)
}

func TestRunBothSourcesAuthFail(t *testing.T) {
	primary := &fakeSource{name: "carrier", listErr: errorbank.UpstreamAuth("carrier: http 401: invalid key")}
	secondary := &fakeSource{name: "marketplace", listErr: errorbank.UpstreamAuth("marketplace: http 401: expired key")}
	o, deps := newTestOrchestrator(syncConfig(), primary, secondary)

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStatusError, run.Status)
	assert.Contains(t, run.Error, "invalid key")
	assert.Contains(t, run.Error, "expired key")
	assert.Zero(t, run.ItemCount)
	assert.Empty(t, deps.orders.inserted)
	assert.Equal(t, 1, deps.locker.releases)
}

func TestRunInsufficientStockLeavesNoTrace(t *testing.T) {
	cands := []upstream.Order{candidate("E1", 1), candidate("E2", 99), candidate("E3", 1)}
	primary := &fakeSource{name: "carrier", pages: [][]upstream.Order{cands[:2], cands[2:]}}
	o, deps := newTestOrchestrator(syncConfig(), primary, &fakeSource{name: "marketplace"})
	deps.ledger.insufficientRef = map[string]bool{"SKU-E2": true}

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStatusPartial, run.Status)
	assert.Equal(t, 2, run.ItemCount)
	assert.Equal(t, 1, run.ErrorCount)
	assert.Contains(t, run.Error, "E2")

	// The failed candidate left neither header nor lines behind.
	require.Len(t, deps.orders.inserted, 2)
	for _, order := range deps.orders.inserted {
		assert.NotEqual(t, "E2", order.ExternalID)
	}
	// Insufficient stock is a reported business outcome, not a DLQ case.
	assert.Empty(t, deps.dlq.pushed)
}

func TestRunUnexpectedFailureGoesToDLQ(t *testing.T) {
	primary := &fakeSource{name: "carrier", pages: [][]upstream.Order{{candidate("E1", 1)}}}
	o, deps := newTestOrchestrator(syncConfig(), primary, &fakeSource{name: "marketplace"})
	deps.ledger.failWith = errorbank.Internal("stock table unavailable")

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStatusPartial, run.Status)
	assert.Equal(t, []string{EventOrderImport}, deps.dlq.pushed)
	assert.Empty(t, deps.orders.inserted)
}

func TestRunLockBusyAfterSingleRetry(t *testing.T) {
	o, deps := newTestOrchestrator(syncConfig(), &fakeSource{name: "carrier"}, &fakeSource{name: "marketplace"})
	deps.locker.busyFor = 2

	_, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.Error(t, err)

	assert.True(t, errorbank.IsKind(err, errorbank.KindLockBusy))
	assert.Equal(t, 2, deps.locker.acquires)
	assert.Zero(t, deps.locker.releases)
	assert.Empty(t, deps.runs.created)
}

func TestRunLockFreeOnRetry(t *testing.T) {
	primary := &fakeSource{name: "carrier", pages: [][]upstream.Order{{candidate("E1", 1)}}}
	o, deps := newTestOrchestrator(syncConfig(), primary, &fakeSource{name: "marketplace"})
	deps.locker.busyFor = 1

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStatusSuccess, run.Status)
	assert.Equal(t, 2, deps.locker.acquires)
	assert.Equal(t, 1, deps.locker.releases)
}

func TestRunDeduplicatesExistingOrders(t *testing.T) {
	cands := []upstream.Order{candidate("E1", 1), candidate("E2", 1), candidate("E3", 1)}
	primary := &fakeSource{name: "carrier", pages: [][]upstream.Order{cands[:2], cands[2:]}}
	o, deps := newTestOrchestrator(syncConfig(), primary, &fakeSource{name: "marketplace"})
	deps.orders.existing = []*entity.Order{
		{ID: 100, ExternalID: "E1", Number: "ORD-E1", Status: status.EnPicking},
		{ID: 101, ExternalID: "E2", Number: "ORD-E2", Status: status.Livre},
	}

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.ItemCount)
	require.Len(t, deps.orders.inserted, 1)
	assert.Equal(t, "E3", deps.orders.inserted[0].ExternalID)
	assert.Equal(t, 2, run.Metadata["dedup_matched"])
	assert.Equal(t, 1, run.Metadata["dedup_terminal"])
}

func TestRunFallsBackToSecondaryWithEnrichment(t *testing.T) {
	enrichedE1 := candidate("E1", 2)
	enrichedE1.SourceName = "marketplace"
	summaries := []upstream.Order{
		{SourceName: "marketplace", ExternalID: "E1", Number: "ORD-E1"},
		{SourceName: "marketplace", ExternalID: "E2", Number: "ORD-E2"},
	}
	primary := &fakeSource{name: "carrier", listErr: errorbank.UpstreamAuth("carrier: http 401: invalid key")}
	secondary := &fakeSource{
		name:    "marketplace",
		pages:   [][]upstream.Order{summaries},
		details: map[string]*upstream.Order{"E1": &enrichedE1},
	}
	o, deps := newTestOrchestrator(syncConfig(), primary, secondary)

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	// E1 got full detail and its line reserved; E2 degraded to summary data
	// and was created without lines, awaiting replenishment.
	assert.Equal(t, entity.RunStatusSuccess, run.Status)
	assert.Equal(t, 2, run.ItemCount)
	assert.Equal(t, 1, run.Metadata["enriched"])
	assert.Equal(t, 1, run.Metadata["enrich_degraded"])

	require.Len(t, deps.orders.inserted, 2)
	byExternal := map[string]*entity.Order{}
	for _, order := range deps.orders.inserted {
		byExternal[order.ExternalID] = order
	}
	assert.Equal(t, status.StockReserve, byExternal["E1"].Status)
	assert.Len(t, byExternal["E1"].Lines, 1)
	assert.Equal(t, status.EnAttenteReappro, byExternal["E2"].Status)
	assert.Empty(t, byExternal["E2"].Lines)
}

func TestRunEnrichmentCapKeepsSummaryData(t *testing.T) {
	cfg := syncConfig()
	cfg.EnrichmentCap = 1
	summaries := []upstream.Order{
		{SourceName: "marketplace", ExternalID: "E1", Number: "ORD-E1"},
		{SourceName: "marketplace", ExternalID: "E2", Number: "ORD-E2"},
	}
	enrichedE1 := candidate("E1", 1)
	enrichedE2 := candidate("E2", 1)
	secondary := &fakeSource{
		name:    "marketplace",
		pages:   [][]upstream.Order{summaries},
		details: map[string]*upstream.Order{"E1": &enrichedE1, "E2": &enrichedE2},
	}
	o, _ := newTestOrchestrator(cfg, &fakeSource{name: "carrier"}, secondary)

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	// Caps apply in fetch order: only the first summary is enriched.
	assert.Equal(t, 1, run.Metadata["enriched"])
	assert.Equal(t, 1, secondary.detailCalls)
}

func TestRunBothSourcesEmpty(t *testing.T) {
	o, deps := newTestOrchestrator(syncConfig(), &fakeSource{name: "carrier"}, &fakeSource{name: "marketplace"})

	run, err := o.Run(context.Background(), ModeIncremental, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, entity.RunStatusError, run.Status)
	assert.Contains(t, run.Error, "no candidates")
	assert.Empty(t, deps.orders.inserted)
}

func TestRunCustomModeRequiresStart(t *testing.T) {
	o, deps := newTestOrchestrator(syncConfig(), &fakeSource{name: "carrier"}, &fakeSource{name: "marketplace"})

	_, err := o.Run(context.Background(), ModeCustom, time.Time{})
	require.Error(t, err)

	assert.True(t, errorbank.IsKind(err, errorbank.KindBadRequest))
	assert.Zero(t, deps.locker.acquires)
}

func TestRetryImportSkipsAlreadyImported(t *testing.T) {
	_, deps := newTestOrchestrator(syncConfig(), &fakeSource{name: "carrier"}, &fakeSource{name: "marketplace"})
	deps.orders.existing = []*entity.Order{{ID: 1, ExternalID: "E1", Number: "ORD-E1", Status: status.EnPicking}}

	payload := []byte(`{"SourceName":"carrier","ExternalID":"E1","Number":"ORD-E1"}`)
	handler := deps.dlq.handlers[EventOrderImport]
	require.NotNil(t, handler)

	require.NoError(t, handler(context.Background(), payload))
	assert.Empty(t, deps.orders.inserted)
}

func TestRetryImportCreatesMissingOrder(t *testing.T) {
	_, deps := newTestOrchestrator(syncConfig(), &fakeSource{name: "carrier"}, &fakeSource{name: "marketplace"})

	payload := []byte(`{"SourceName":"carrier","ExternalID":"E9","Number":"ORD-E9","Lines":[{"ProductRef":"SKU-E9","Qty":1}]}`)
	handler := deps.dlq.handlers[EventOrderImport]
	require.NotNil(t, handler)

	require.NoError(t, handler(context.Background(), payload))
	require.Len(t, deps.orders.inserted, 1)
	assert.Equal(t, "E9", deps.orders.inserted[0].ExternalID)
	assert.Equal(t, status.StockReserve, deps.orders.inserted[0].Status)
}
