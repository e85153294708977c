// Package dlq provides the durable dead-letter queue. Items that fail
// unexpectedly during asynchronous processing are parked here and re-invoked
// by the sweeper until they succeed or exhaust their retry budget.
package dlq

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/internal/entity"
)

// Handler re-invokes the original operation for one parked payload.
type Handler func(ctx context.Context, payload []byte) error

// Store abstracts dead-letter persistence.
type Store interface {
	Insert(ctx context.Context, entry *entity.DLQEntry) error
	Due(ctx context.Context, now time.Time, limit int) ([]*entity.DLQEntry, error)
	MarkRetrying(ctx context.Context, id int64) error
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, entry *entity.DLQEntry) error
}

// Service pushes failed items and sweeps them back through registered
// handlers.
type Service struct {
	store  Store
	cfg    config.DLQ
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewService constructs the dead-letter service.
func NewService(store Store, cfg config.Config, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		cfg:      cfg.DLQ,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an event type. Later registrations replace
// earlier ones.
func (s *Service) Register(eventType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = h
}

// Push parks a failed item for later retry. The payload is stored as JSON.
func (s *Service) Push(ctx context.Context, eventType string, payload any, cause error) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	now := s.now().UTC()
	entry := &entity.DLQEntry{
		EventType:   eventType,
		Payload:     raw,
		Error:       errMsg,
		MaxRetries:  s.cfg.MaxRetries,
		NextRetryAt: now.Add(s.cfg.RetryDelay),
		Status:      entity.DLQStatusPending,
		CreatedAt:   now,
	}
	if err := s.store.Insert(ctx, entry); err != nil {
		return err
	}
	s.logger.Warn("dead-lettered item",
		zap.String("event_type", eventType),
		zap.String("error", errMsg),
		zap.Time("next_retry_at", entry.NextRetryAt),
	)
	return nil
}

// Sweep processes due entries once and reports how many it handled. Entries
// without a registered handler stay pending.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	entries, err := s.store.Due(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, entry := range entries {
		s.mu.RLock()
		handler, ok := s.handlers[entry.EventType]
		s.mu.RUnlock()
		if !ok {
			s.logger.Warn("no dlq handler registered", zap.String("event_type", entry.EventType), zap.Int64("id", entry.ID))
			continue
		}

		if err := s.store.MarkRetrying(ctx, entry.ID); err != nil {
			return handled, err
		}

		if err := handler(ctx, entry.Payload); err != nil {
			s.fail(ctx, entry, err)
			handled++
			continue
		}

		if err := s.store.MarkDone(ctx, entry.ID); err != nil {
			return handled, err
		}
		s.logger.Info("dead-lettered item recovered", zap.String("event_type", entry.EventType), zap.Int64("id", entry.ID))
		handled++
	}
	return handled, nil
}

func (s *Service) fail(ctx context.Context, entry *entity.DLQEntry, cause error) {
	entry.RetryCount++
	entry.Error = cause.Error()
	if entry.RetryCount >= entry.MaxRetries {
		entry.Status = entity.DLQStatusExhausted
	} else {
		entry.Status = entity.DLQStatusPending
		entry.NextRetryAt = s.now().UTC().Add(retryDelay(entry.RetryCount, s.cfg.RetryDelay))
	}
	if err := s.store.MarkFailed(ctx, entry); err != nil {
		s.logger.Error("failed to persist dlq retry state", zap.Int64("id", entry.ID), zap.Error(err))
		return
	}
	if entry.Status == entity.DLQStatusExhausted {
		s.logger.Error("dead-lettered item exhausted retries",
			zap.String("event_type", entry.EventType),
			zap.Int64("id", entry.ID),
			zap.String("error", entry.Error),
		)
	}
}

// retryDelay grows the base delay exponentially with the attempt count,
// capped at one hour.
func retryDelay(attempt int, base time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > time.Hour {
		return time.Hour
	}
	return delay
}
