package sync

import (
	"context"
	"errors"
	"time"

	"github.com/speedelog/prepflow/internal/upstream"
)

// AttemptResult tags the outcome of one enrichment attempt so the caller can
// decide to continue, back off, or degrade.
type AttemptResult int

// Attempt outcomes.
const (
	AttemptSuccess AttemptResult = iota
	AttemptRateLimited
	AttemptFailed
)

func classifyAttempt(err error) AttemptResult {
	switch {
	case err == nil:
		return AttemptSuccess
	case errors.Is(err, upstream.ErrRateLimited):
		return AttemptRateLimited
	default:
		return AttemptFailed
	}
}

// fetchDetail runs a bounded retry loop around one detail fetch. Every
// attempt is individually bounded by timeout when one is configured. Rate
// limits and transient failures back off exponentially and retry; auth
// errors and exhausted budgets return the last error so the caller can
// degrade to summary data.
func fetchDetail(ctx context.Context, src upstream.Source, externalID string, retries int, backoff, timeout time.Duration, sleep func(context.Context, time.Duration) error) (*upstream.Order, error) {
	var lastErr error
	delay := backoff
	for attempt := 0; attempt <= retries; attempt++ {
		detail, err := detailAttempt(ctx, src, externalID, timeout)
		switch classifyAttempt(err) {
		case AttemptSuccess:
			return detail, nil
		case AttemptRateLimited:
			lastErr = err
		case AttemptFailed:
			lastErr = err
			if upstream.IsAuth(err) || !upstream.IsTransient(err) {
				return nil, err
			}
		}
		if attempt == retries {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, lastErr
}

// detailAttempt is one detail call under its own deadline.
func detailAttempt(ctx context.Context, src upstream.Source, externalID string, timeout time.Duration) (*upstream.Order, error) {
	if timeout <= 0 {
		return src.Detail(ctx, externalID)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return src.Detail(ctx, externalID)
}

// sleepContext waits for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
