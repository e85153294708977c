package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/cache"
	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/messaging"
	orderrepo "github.com/speedelog/prepflow/internal/repository/order"
	stocksvc "github.com/speedelog/prepflow/internal/service/stock"
	"github.com/speedelog/prepflow/internal/status"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/speedelog/prepflow/service/transition")

// minRollbackReason is the shortest accepted rollback justification.
const minRollbackReason = 10

// OrderStore is the order persistence surface the engine needs.
type OrderStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
	GetByID(ctx context.Context, id int64) (*entity.Order, error)
	GetForUpdate(ctx context.Context, db bun.IDB, id int64) (*entity.Order, error)
	UpdateStatus(ctx context.Context, db bun.IDB, order *entity.Order, target status.Status) error
	InsertLog(ctx context.Context, db bun.IDB, entry *entity.TransitionLogEntry) error
	GetLogEntry(ctx context.Context, id int64) (*entity.TransitionLogEntry, error)
	LatestLogEntry(ctx context.Context, db bun.IDB, entityType string, entityID int64) (*entity.TransitionLogEntry, error)
	MarkLogRolledBack(ctx context.Context, db bun.IDB, id int64, reason string) error
}

// StockLedger covers the reservation side effects shipping and cancellation
// carry inside the transition transaction.
type StockLedger interface {
	ReleaseTx(ctx context.Context, db bun.IDB, orderID int64) error
	ConvertToConsumptionTx(ctx context.Context, db bun.IDB, orderID int64) error
}

// Result reports a single transition outcome.
type Result struct {
	PreviousStatus status.Status `json:"previous_status"`
	NewStatus      status.Status `json:"new_status"`
	NoChange       bool          `json:"no_change"`
	LogEntryID     int64         `json:"log_entry_id,omitempty"`
}

// Engine validates status changes against the lifecycle graph, applies them
// atomically with their stock side effects and an audit entry, and notifies
// downstream consumers.
type Engine struct {
	orders    OrderStore
	ledger    StockLedger
	cache     cache.Store
	cacheTTL  time.Duration
	logger    *zap.Logger
	publisher messaging.Client
	messaging messagingConfig
}

type messagingConfig struct {
	enabled bool
	topic   string
}

// Params defines dependencies for constructing Engine.
type Params struct {
	fx.In

	Repository *orderrepo.Repository
	Ledger     *stocksvc.Ledger
	Cache      cache.Store
	Config     config.Config
	Logger     *zap.Logger
	Publisher  messaging.Client
}

// NewEngine wires a new Engine instance.
func NewEngine(p Params) *Engine {
	return &Engine{
		orders:    p.Repository,
		ledger:    p.Ledger,
		cache:     p.Cache,
		cacheTTL:  p.Config.Cache.DefaultTTL,
		logger:    p.Logger,
		publisher: p.Publisher,
		messaging: messagingConfig{
			enabled: p.Config.Messaging.Enabled,
			topic:   p.Config.Messaging.Kafka.Topic,
		},
	}
}

// Transition moves an order to target. Same-status calls succeed as no-ops
// without logging. Invalid edges fail without touching the order. Moving to
// expedie converts the reservation to consumption and moving to annule
// releases it, both inside the same transaction as the status write.
func (e *Engine) Transition(ctx context.Context, orderID int64, target status.Status, actor, reason string, metadata map[string]any) (*Result, error) {
	ctx, span := serviceTracer.Start(ctx, "TransitionEngine.Transition", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("order.target_status", string(target)),
	))
	defer span.End()

	if !status.Known(target) {
		return nil, errorbank.BadRequest(fmt.Sprintf("unknown status %q", target))
	}

	var result Result
	err := e.orders.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		order, err := e.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, orderrepo.ErrNotFound) {
				return errorbank.NotFound("order not found", errorbank.WithDetail("order_id", orderID))
			}
			return errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}

		if order.Status == target {
			result = Result{PreviousStatus: order.Status, NewStatus: order.Status, NoChange: true}
			return nil
		}
		if !status.CanTransition(order.Status, target) {
			return errorbank.InvalidTransition(
				fmt.Sprintf("cannot move order from %s to %s", order.Status, target),
				errorbank.WithDetail("current_status", string(order.Status)),
				errorbank.WithDetail("allowed", status.Successors(order.Status)),
			)
		}

		switch target {
		case status.Expedie:
			if err := e.ledger.ConvertToConsumptionTx(ctx, tx, order.ID); err != nil {
				return err
			}
		case status.Annule:
			if err := e.ledger.ReleaseTx(ctx, tx, order.ID); err != nil {
				return err
			}
		}

		previous := order.Status
		if err := e.orders.UpdateStatus(ctx, tx, order, target); err != nil {
			if errors.Is(err, orderrepo.ErrVersionConflict) {
				return errorbank.Conflict("order was modified concurrently, retry the transition")
			}
			return errorbank.Internal("failed to update order status", errorbank.WithCause(err))
		}

		entry := &entity.TransitionLogEntry{
			EntityType:     entity.EntityTypeOrder,
			EntityID:       order.ID,
			PreviousStatus: previous,
			NewStatus:      target,
			Actor:          actor,
			Reason:         reason,
			Metadata:       metadata,
		}
		if err := e.orders.InsertLog(ctx, tx, entry); err != nil {
			return errorbank.Internal("failed to append transition log", errorbank.WithCause(err))
		}
		result = Result{PreviousStatus: previous, NewStatus: target, LogEntryID: entry.ID}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}

	if !result.NoChange {
		e.logger.Info("order status changed",
			zap.Int64("order_id", orderID),
			zap.String("from", string(result.PreviousStatus)),
			zap.String("to", string(result.NewStatus)),
			zap.String("actor", actor),
		)
		e.publishStatusChange(ctx, orderID, result, actor)
		e.invalidateCache(ctx, orderID)
	}
	return &result, nil
}

// Rollback reverses the transition recorded by logEntryID: the order goes
// back to the entry's previous status and the entry is flagged, never
// deleted. Only the most recent live entry of an entity can be reversed, and
// the reason must carry real justification.
func (e *Engine) Rollback(ctx context.Context, entityType string, logEntryID int64, actor, reason string) (*Result, error) {
	ctx, span := serviceTracer.Start(ctx, "TransitionEngine.Rollback", trace.WithAttributes(
		attribute.Int64("log_entry.id", logEntryID),
	))
	defer span.End()

	if entityType != entity.EntityTypeOrder {
		return nil, errorbank.BadRequest(fmt.Sprintf("unsupported entity type %q", entityType))
	}
	if len(strings.TrimSpace(reason)) < minRollbackReason {
		return nil, errorbank.BadRequest(fmt.Sprintf("rollback reason must be at least %d characters", minRollbackReason))
	}

	var (
		result  Result
		orderID int64
	)
	err := e.orders.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		target, err := e.orders.GetLogEntry(ctx, logEntryID)
		if err != nil {
			if errors.Is(err, orderrepo.ErrNotFound) {
				return errorbank.NotFound("transition log entry not found")
			}
			return errorbank.Internal("failed to load log entry", errorbank.WithCause(err))
		}
		if target.RolledBack {
			return errorbank.InvalidState("transition already rolled back")
		}

		latest, err := e.orders.LatestLogEntry(ctx, tx, target.EntityType, target.EntityID)
		if err != nil {
			if errors.Is(err, orderrepo.ErrNotFound) {
				return errorbank.InvalidState("no live transition to roll back")
			}
			return errorbank.Internal("failed to load latest log entry", errorbank.WithCause(err))
		}
		if latest.ID != target.ID {
			return errorbank.InvalidState("only the most recent transition can be rolled back",
				errorbank.WithDetail("latest_log_entry_id", latest.ID))
		}

		order, err := e.orders.GetForUpdate(ctx, tx, target.EntityID)
		if err != nil {
			if errors.Is(err, orderrepo.ErrNotFound) {
				return errorbank.NotFound("order not found", errorbank.WithDetail("order_id", target.EntityID))
			}
			return errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}
		if order.Status != target.NewStatus {
			return errorbank.InvalidState("order status diverged from the audit log",
				errorbank.WithDetail("order_status", string(order.Status)),
				errorbank.WithDetail("logged_status", string(target.NewStatus)))
		}

		previous := target.PreviousStatus
		if err := e.orders.UpdateStatus(ctx, tx, order, previous); err != nil {
			if errors.Is(err, orderrepo.ErrVersionConflict) {
				return errorbank.Conflict("order was modified concurrently, retry the rollback")
			}
			return errorbank.Internal("failed to restore order status", errorbank.WithCause(err))
		}
		if err := e.orders.MarkLogRolledBack(ctx, tx, target.ID, reason); err != nil {
			return errorbank.Internal("failed to mark log entry", errorbank.WithCause(err))
		}

		result = Result{PreviousStatus: target.NewStatus, NewStatus: previous, LogEntryID: target.ID}
		orderID = target.EntityID
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		return nil, err
	}

	e.logger.Info("transition rolled back",
		zap.Int64("log_entry_id", logEntryID),
		zap.Int64("order_id", orderID),
		zap.String("restored_status", string(result.NewStatus)),
		zap.String("actor", actor),
	)
	e.publishStatusChange(ctx, orderID, result, actor)
	e.invalidateCache(ctx, orderID)
	return &result, nil
}

// Get retrieves an order by id, consulting cache when available.
func (e *Engine) Get(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "TransitionEngine.Get", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if order, err := e.getFromCache(ctx, id); err == nil {
		return order, nil
	} else if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("orders cache read failed", zap.Int64("id", id), zap.Error(err))
	}

	order, err := e.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, orderrepo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	if err := e.storeInCache(ctx, order); err != nil {
		e.logger.Warn("orders cache write failed", zap.Int64("id", id), zap.Error(err))
	}
	return order, nil
}

// StatusChangedEvent is emitted after a committed transition or rollback.
type StatusChangedEvent struct {
	OrderID        int64     `json:"order_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Actor          string    `json:"actor,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (e *Engine) publishStatusChange(ctx context.Context, orderID int64, res Result, actor string) {
	if !e.messaging.enabled || e.publisher == nil {
		return
	}
	event := StatusChangedEvent{
		OrderID:        orderID,
		PreviousStatus: string(res.PreviousStatus),
		NewStatus:      string(res.NewStatus),
		Actor:          actor,
		OccurredAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("marshal status change", zap.Error(err))
		return
	}
	if err := e.publisher.Publish(ctx, []byte(fmt.Sprintf("order-%d", orderID)), payload); err != nil {
		e.logger.Error("publish status change", zap.Error(err))
	}
}

func (e *Engine) cacheKey(id int64) string {
	return fmt.Sprintf("orders:%d", id)
}

func (e *Engine) invalidateCache(ctx context.Context, id int64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, e.cacheKey(id)); err != nil {
		e.logger.Warn("orders cache invalidation failed", zap.Int64("id", id), zap.Error(err))
	}
}

func (e *Engine) getFromCache(ctx context.Context, id int64) (*entity.Order, error) {
	if e.cache == nil {
		return nil, cache.ErrCacheMiss
	}
	bytes, err := e.cache.Get(ctx, e.cacheKey(id))
	if err != nil {
		return nil, err
	}
	var order entity.Order
	if err := json.Unmarshal(bytes, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (e *Engine) storeInCache(ctx context.Context, order *entity.Order) error {
	if e.cache == nil || order == nil {
		return nil
	}
	bytes, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return e.cache.Set(ctx, e.cacheKey(order.ID), bytes, e.cacheTTL)
}
