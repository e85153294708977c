// Package upstream talks to the external order sources. Each source exposes
// the same narrow contract: a paginated listing since a timestamp and a
// per-item detail fetch, with auth, transient, and rate-limit failures kept
// distinguishable for the orchestrator.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/speedelog/prepflow/pkg/errorbank"
)

// ErrRateLimited signals that the source asked us to slow down. The caller
// backs off and retries the single item instead of failing the run.
var ErrRateLimited = errors.New("upstream rate limited")

// Line is a normalized order line from an external source.
type Line struct {
	ProductRef string
	Qty        int64
	UnitPrice  decimal.Decimal
	UnitWeight int64
}

// Order is a normalized order candidate from an external source.
type Order struct {
	SourceName  string
	ExternalID  string
	Number      string
	ClientRef   string
	Total       decimal.Decimal
	WeightGrams int64
	Lines       []Line
	Enriched    bool
}

// Source is one ranked external order source.
type Source interface {
	Name() string
	// List returns normalized candidates updated since the given time.
	// Pages are 1-based; a short or empty page ends pagination.
	List(ctx context.Context, since time.Time, page, pageSize int) ([]Order, error)
	// Detail fetches the full record for one candidate.
	Detail(ctx context.Context, externalID string) (*Order, error)
}

// IsAuth reports whether err is an upstream authentication rejection.
func IsAuth(err error) bool {
	return errorbank.IsKind(err, errorbank.KindUpstreamAuth)
}

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	return errorbank.IsKind(err, errorbank.KindUpstreamTransient)
}

// statusError maps an HTTP status onto the upstream error taxonomy.
func statusError(source string, code int, body string) error {
	msg := fmt.Sprintf("%s: http %d: %s", source, code, body)
	switch {
	case code == 401 || code == 403:
		return errorbank.UpstreamAuth(msg)
	case code == 429:
		return fmt.Errorf("%s: %w", source, ErrRateLimited)
	default:
		return errorbank.UpstreamTransient(msg)
	}
}
