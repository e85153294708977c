// Package sync implements the end-to-end order synchronization run: lock,
// fetch from ranked upstream sources, enrich, dedup, import with stock
// reservation, and exactly-once run finalization.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/internal/dlq"
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/lock"
	orderrepo "github.com/speedelog/prepflow/internal/repository/order"
	runrepo "github.com/speedelog/prepflow/internal/repository/syncrun"
	stocksvc "github.com/speedelog/prepflow/internal/service/stock"
	"github.com/speedelog/prepflow/internal/status"
	"github.com/speedelog/prepflow/internal/upstream"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/speedelog/prepflow/service/sync")

// EventOrderImport is the DLQ event type for failed candidate imports.
const EventOrderImport = "sync.order_import"

// syncActor is recorded on audit entries written by the orchestrator.
const syncActor = "sync"

// OrderStore is the order persistence surface the orchestrator needs.
type OrderStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
	FindExisting(ctx context.Context, externalIDs, numbers []string) ([]*entity.Order, error)
	Insert(ctx context.Context, db bun.IDB, order *entity.Order) error
	UpdateStatus(ctx context.Context, db bun.IDB, order *entity.Order, target status.Status) error
	InsertLog(ctx context.Context, db bun.IDB, entry *entity.TransitionLogEntry) error
}

// RunStore persists sync run records.
type RunStore interface {
	Create(ctx context.Context, run *entity.SyncRun) error
	Finalize(ctx context.Context, run *entity.SyncRun) error
}

// Locker is the distributed mutual-exclusion surface.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) (bool, error)
}

// Reserver places stock holds inside the import transaction.
type Reserver interface {
	ReserveTx(ctx context.Context, db bun.IDB, orderID int64, lines []stocksvc.Line) error
}

// DeadLetter parks unexpected per-item failures for later retry.
type DeadLetter interface {
	Register(eventType string, h dlq.Handler)
	Push(ctx context.Context, eventType string, payload any, cause error) error
}

// Orchestrator drives one synchronization run end to end. Runs are
// single-flight system-wide: the persisted lock, not an in-process mutex,
// enforces that.
type Orchestrator struct {
	cfg        config.Sync
	sources    upstream.Sources
	orders     OrderStore
	runs       RunStore
	locker     Locker
	ledger     Reserver
	deadletter DeadLetter
	logger     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// Params defines dependencies for constructing Orchestrator.
type Params struct {
	fx.In

	Config     config.Config
	Sources    upstream.Sources
	Orders     *orderrepo.Repository
	Runs       *runrepo.Repository
	Locker     *lock.Service
	Ledger     *stocksvc.Ledger
	DeadLetter *dlq.Service
	Logger     *zap.Logger
}

// NewOrchestrator wires the orchestrator and registers its DLQ retry handler.
func NewOrchestrator(p Params) *Orchestrator {
	o := &Orchestrator{
		cfg:        p.Config.Sync,
		sources:    p.Sources,
		orders:     p.Orders,
		runs:       p.Runs,
		locker:     p.Locker,
		ledger:     p.Ledger,
		deadletter: p.DeadLetter,
		logger:     p.Logger,
		now:        time.Now,
		sleep:      sleepContext,
		newID:      uuid.NewString,
	}
	o.deadletter.Register(EventOrderImport, o.retryImport)
	return o
}

// runOutcome aggregates what one execution produced.
type runOutcome struct {
	fetched    int
	created    int
	batches    int
	enriched   int
	degraded   int
	dedup      dedupReport
	itemErrors []string
	runError   string
}

// Run executes one synchronization. Lock contention fails fast with LockBusy
// and no side effects; every other failure is recorded on the SyncRun row
// instead of being returned, since runs are typically schedule-triggered.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, start time.Time) (*entity.SyncRun, error) {
	ctx, span := serviceTracer.Start(ctx, "SyncOrchestrator.Run", trace.WithAttributes(
		attribute.String("sync.mode", string(mode)),
	))
	defer span.End()

	since, err := window(mode, start, o.now().UTC(), o.cfg)
	if err != nil {
		return nil, err
	}

	owner := o.newID()
	acquired, err := o.acquireWithRetry(ctx, owner)
	if err != nil {
		return nil, errorbank.Internal("lock acquisition failed", errorbank.WithCause(err))
	}
	if !acquired {
		span.SetStatus(codes.Error, "lock busy")
		return nil, errorbank.LockBusy("another sync run holds the lock",
			errorbank.WithDetail("lock_key", o.cfg.LockKey))
	}
	defer func() {
		released, err := o.locker.Release(context.WithoutCancel(ctx), o.cfg.LockKey, owner)
		if err != nil {
			o.logger.Error("sync lock release failed", zap.Error(err))
		} else if !released {
			// The record expired mid-run; nothing to delete is not an error.
			o.logger.Warn("sync lock already gone at release", zap.String("owner", owner))
		}
	}()

	run := &entity.SyncRun{
		ID:      o.newID(),
		JobType: string(mode),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, errorbank.Internal("failed to create sync run", errorbank.WithCause(err))
	}
	o.logger.Info("sync run started",
		zap.String("run_id", run.ID),
		zap.String("mode", string(mode)),
		zap.Time("since", since),
	)

	outcome := o.execute(ctx, since)
	o.finalize(ctx, run, outcome)
	span.SetAttributes(
		attribute.String("sync.run_id", run.ID),
		attribute.String("sync.status", run.Status),
		attribute.Int("sync.items", run.ItemCount),
	)
	return run, nil
}

// acquireWithRetry tries the lock, waits one fixed backoff on contention and
// tries exactly once more.
func (o *Orchestrator) acquireWithRetry(ctx context.Context, owner string) (bool, error) {
	ok, err := o.locker.Acquire(ctx, o.cfg.LockKey, owner, o.cfg.LockTTL)
	if err != nil || ok {
		return ok, err
	}
	if err := o.sleep(ctx, o.cfg.LockRetryBackoff); err != nil {
		return false, err
	}
	return o.locker.Acquire(ctx, o.cfg.LockKey, owner, o.cfg.LockTTL)
}

func (o *Orchestrator) execute(ctx context.Context, since time.Time) runOutcome {
	var out runOutcome

	candidates, primaryErr := o.fetchSource(ctx, o.sources.Primary, since)
	if primaryErr != nil && upstream.IsAuth(primaryErr) {
		// An auth-rejected source contributes nothing, not even partial pages.
		candidates = nil
	}

	var secondaryErr error
	if len(candidates) == 0 {
		var summaries []upstream.Order
		summaries, secondaryErr = o.fetchSource(ctx, o.sources.Secondary, since)
		if secondaryErr != nil && upstream.IsAuth(secondaryErr) {
			summaries = nil
		}
		if len(summaries) > 0 {
			out.batches, out.enriched, out.degraded = o.enrich(ctx, o.sources.Secondary, summaries)
		}
		candidates = summaries
	}

	if primaryErr != nil && upstream.IsAuth(primaryErr) && secondaryErr != nil && upstream.IsAuth(secondaryErr) {
		out.runError = fmt.Sprintf("both sources rejected authentication: primary: %v; secondary: %v", primaryErr, secondaryErr)
		return out
	}
	if len(candidates) == 0 {
		msgs := []string{"no candidates from any source"}
		if primaryErr != nil {
			msgs = append(msgs, fmt.Sprintf("primary: %v", primaryErr))
		}
		if secondaryErr != nil {
			msgs = append(msgs, fmt.Sprintf("secondary: %v", secondaryErr))
		}
		out.runError = strings.Join(msgs, "; ")
		return out
	}
	out.fetched = len(candidates)

	fresh, report, err := o.dedup(ctx, candidates)
	if err != nil {
		out.runError = fmt.Sprintf("dedup failed: %v", err)
		return out
	}
	out.dedup = report

	for _, cand := range fresh {
		if err := o.importOrder(ctx, cand); err != nil {
			msg := fmt.Sprintf("%s/%s: %v", cand.SourceName, cand.ExternalID, err)
			out.itemErrors = append(out.itemErrors, msg)
			o.logger.Warn("order import failed",
				zap.String("source", cand.SourceName),
				zap.String("external_id", cand.ExternalID),
				zap.Error(err),
			)
			if !errorbank.IsKind(err, errorbank.KindInsufficientStock) {
				if pushErr := o.deadletter.Push(ctx, EventOrderImport, cand, err); pushErr != nil {
					o.logger.Error("dlq push failed", zap.Error(pushErr))
				}
			}
			continue
		}
		out.created++
	}
	return out
}

// fetchSource paginates one source until an empty or short page, the page
// cap, or an error. Transient failures end pagination but keep the pages
// already fetched.
func (o *Orchestrator) fetchSource(ctx context.Context, src upstream.Source, since time.Time) ([]upstream.Order, error) {
	var out []upstream.Order
	for page := 1; page <= o.cfg.MaxPages; page++ {
		items, err := src.List(ctx, since, page, o.cfg.PageSize)
		if err != nil {
			o.logger.Warn("source listing stopped",
				zap.String("source", src.Name()),
				zap.Int("page", page),
				zap.Error(err),
			)
			return out, err
		}
		out = append(out, items...)
		if len(items) < o.cfg.PageSize {
			break
		}
	}
	return out, nil
}

// enrich upgrades summary candidates with per-item detail, capped and fanned
// out in adaptively-sized concurrent batches. One item failing only degrades
// that item to summary data.
func (o *Orchestrator) enrich(ctx context.Context, src upstream.Source, orders []upstream.Order) (batches, enriched, degraded int) {
	limit := len(orders)
	if o.cfg.EnrichmentCap < limit {
		limit = o.cfg.EnrichmentCap
	}

	size := o.cfg.BatchInitial
	if size < o.cfg.BatchMin {
		size = o.cfg.BatchMin
	}
	if size > o.cfg.BatchMax {
		size = o.cfg.BatchMax
	}

	idx := 0
	for idx < limit {
		end := idx + size
		if end > limit {
			end = limit
		}
		batches++

		var (
			wg           stdsync.WaitGroup
			mu           stdsync.Mutex
			failures     int
			totalLatency time.Duration
		)
		for i := idx; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				began := o.now()
				detail, err := fetchDetail(ctx, src, orders[i].ExternalID, o.cfg.EnrichRetries, o.cfg.EnrichBackoff, o.cfg.EnrichTimeout, o.sleep)
				elapsed := o.now().Sub(began)
				mu.Lock()
				defer mu.Unlock()
				totalLatency += elapsed
				if err != nil || detail == nil {
					failures++
					degraded++
					return
				}
				orders[i] = *detail
				enriched++
			}(i)
		}
		wg.Wait()

		size = NextBatchSize(size, batchMetrics(totalLatency, failures, end-idx), o.cfg.BatchMin, o.cfg.BatchMax)
		idx = end
	}
	return batches, enriched, degraded
}

// dedup drops candidates that already exist as persisted orders.
func (o *Orchestrator) dedup(ctx context.Context, candidates []upstream.Order) ([]upstream.Order, dedupReport, error) {
	externalIDs := make([]string, 0, len(candidates))
	numbers := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.ExternalID != "" {
			externalIDs = append(externalIDs, c.ExternalID)
		}
		if c.Number != "" {
			numbers = append(numbers, c.Number)
		}
	}
	existing, err := o.orders.FindExisting(ctx, externalIDs, numbers)
	if err != nil {
		return nil, dedupReport{}, err
	}
	fresh, report := filterNew(candidates, existing)
	return fresh, report, nil
}

// importOrder persists one candidate in a single transaction: header, lines,
// stock reservation, status bump, and audit entry commit or roll back
// together, so a failed reservation leaves no trace of the order.
func (o *Orchestrator) importOrder(ctx context.Context, cand upstream.Order) error {
	return o.orders.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		order := candidateOrder(cand)
		if err := o.orders.Insert(ctx, tx, order); err != nil {
			return errorbank.Internal("failed to insert order", errorbank.WithCause(err))
		}

		// Summary-only candidates carry no lines; they stay awaiting
		// replenishment until enrichment or manual completion supplies them.
		if len(order.Lines) == 0 {
			return o.orders.InsertLog(ctx, tx, importLogEntry(order, status.EnAttenteReappro))
		}

		lines := make([]stocksvc.Line, 0, len(order.Lines))
		for _, line := range order.Lines {
			lines = append(lines, stocksvc.Line{ProductRef: line.ProductRef, Qty: line.OrderedQty})
		}
		if err := o.ledger.ReserveTx(ctx, tx, order.ID, lines); err != nil {
			return err
		}
		if err := o.orders.UpdateStatus(ctx, tx, order, status.StockReserve); err != nil {
			return errorbank.Internal("failed to update imported order status", errorbank.WithCause(err))
		}
		return o.orders.InsertLog(ctx, tx, importLogEntry(order, status.StockReserve))
	})
}

// retryImport is the DLQ handler re-running a parked candidate import.
func (o *Orchestrator) retryImport(ctx context.Context, payload []byte) error {
	var cand upstream.Order
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("decode parked candidate: %w", err)
	}

	// The candidate may have been imported between the failure and this
	// retry; a dedup hit means there is nothing left to do.
	fresh, _, err := o.dedup(ctx, []upstream.Order{cand})
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}
	return o.importOrder(ctx, cand)
}

func (o *Orchestrator) finalize(ctx context.Context, run *entity.SyncRun, out runOutcome) {
	run.FinishedAt = o.now().UTC()
	run.BatchCount = out.batches
	run.ItemCount = out.created
	run.ErrorCount = len(out.itemErrors)
	run.Metadata = map[string]any{
		"fetched":         out.fetched,
		"dedup_matched":   out.dedup.matched,
		"dedup_terminal":  out.dedup.terminal,
		"enriched":        out.enriched,
		"enrich_degraded": out.degraded,
	}

	switch {
	case out.runError != "":
		run.Status = entity.RunStatusError
		run.Error = out.runError
	case len(out.itemErrors) > 0:
		run.Status = entity.RunStatusPartial
		run.Error = strings.Join(out.itemErrors, "; ")
	default:
		run.Status = entity.RunStatusSuccess
	}

	if err := o.runs.Finalize(context.WithoutCancel(ctx), run); err != nil {
		if errors.Is(err, runrepo.ErrAlreadyFinalized) {
			o.logger.Warn("sync run was already finalized", zap.String("run_id", run.ID))
			return
		}
		o.logger.Error("sync run finalize failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	o.logger.Info("sync run finished",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("items", run.ItemCount),
		zap.Int("errors", run.ErrorCount),
	)
}

// candidateOrder maps a normalized upstream candidate onto the persistence
// model. Imports always start awaiting replenishment.
func candidateOrder(cand upstream.Order) *entity.Order {
	order := &entity.Order{
		Number:      cand.Number,
		Status:      status.EnAttenteReappro,
		ClientRef:   cand.ClientRef,
		Total:       cand.Total,
		WeightGrams: cand.WeightGrams,
		ExternalID:  cand.ExternalID,
		SourceName:  cand.SourceName,
	}
	for _, line := range cand.Lines {
		order.Lines = append(order.Lines, &entity.OrderLine{
			ProductRef: line.ProductRef,
			OrderedQty: line.Qty,
			UnitPrice:  line.UnitPrice,
			UnitWeight: line.UnitWeight,
			LineStatus: entity.LineStatusPending,
		})
	}
	return order
}

func importLogEntry(order *entity.Order, target status.Status) *entity.TransitionLogEntry {
	return &entity.TransitionLogEntry{
		EntityType:     entity.EntityTypeOrder,
		EntityID:       order.ID,
		PreviousStatus: status.EnAttenteReappro,
		NewStatus:      target,
		Actor:          syncActor,
		Reason:         "imported from " + order.SourceName,
		Metadata: map[string]any{
			"external_id": order.ExternalID,
		},
	}
}
