package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedelog/prepflow/internal/upstream"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

type scriptedSource struct {
	name        string
	errs        []error
	detail      *upstream.Order
	attempts    int
	sawDeadline bool
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) List(context.Context, time.Time, int, int) ([]upstream.Order, error) {
	return nil, nil
}

func (s *scriptedSource) Detail(ctx context.Context, externalID string) (*upstream.Order, error) {
	if _, ok := ctx.Deadline(); ok {
		s.sawDeadline = true
	}
	i := s.attempts
	s.attempts++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.detail, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestClassifyAttempt(t *testing.T) {
	assert.Equal(t, AttemptSuccess, classifyAttempt(nil))
	assert.Equal(t, AttemptRateLimited, classifyAttempt(fmt.Errorf("carrier: %w", upstream.ErrRateLimited)))
	assert.Equal(t, AttemptFailed, classifyAttempt(errorbank.UpstreamTransient("http 503")))
	assert.Equal(t, AttemptFailed, classifyAttempt(errorbank.UpstreamAuth("http 401")))
}

func TestFetchDetailRecoversFromRateLimit(t *testing.T) {
	want := &upstream.Order{ExternalID: "E1", Enriched: true}
	src := &scriptedSource{
		errs:   []error{fmt.Errorf("carrier: %w", upstream.ErrRateLimited)},
		detail: want,
	}

	got, err := fetchDetail(context.Background(), src, "E1", 2, time.Millisecond, 0, noSleep)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 2, src.attempts)
}

func TestFetchDetailRecoversFromTransient(t *testing.T) {
	want := &upstream.Order{ExternalID: "E1", Enriched: true}
	src := &scriptedSource{
		errs:   []error{errorbank.UpstreamTransient("http 503"), errorbank.UpstreamTransient("http 503")},
		detail: want,
	}

	got, err := fetchDetail(context.Background(), src, "E1", 2, time.Millisecond, 0, noSleep)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, src.attempts)
}

func TestFetchDetailExhaustsBudget(t *testing.T) {
	src := &scriptedSource{
		errs: []error{
			errorbank.UpstreamTransient("http 503"),
			errorbank.UpstreamTransient("http 503"),
			errorbank.UpstreamTransient("http 503"),
		},
	}

	_, err := fetchDetail(context.Background(), src, "E1", 2, time.Millisecond, 0, noSleep)
	require.Error(t, err)
	assert.True(t, upstream.IsTransient(err))
	assert.Equal(t, 3, src.attempts)
}

func TestFetchDetailAuthFailsImmediately(t *testing.T) {
	src := &scriptedSource{errs: []error{errorbank.UpstreamAuth("http 401")}}

	_, err := fetchDetail(context.Background(), src, "E1", 3, time.Millisecond, 0, noSleep)
	require.Error(t, err)
	assert.True(t, upstream.IsAuth(err))
	assert.Equal(t, 1, src.attempts)
}

func TestFetchDetailBoundsEachAttempt(t *testing.T) {
	src := &scriptedSource{detail: &upstream.Order{ExternalID: "E1", Enriched: true}}

	_, err := fetchDetail(context.Background(), src, "E1", 0, time.Millisecond, time.Second, noSleep)
	require.NoError(t, err)
	assert.True(t, src.sawDeadline, "detail call must carry its own deadline")

	src = &scriptedSource{detail: &upstream.Order{ExternalID: "E1", Enriched: true}}
	_, err = fetchDetail(context.Background(), src, "E1", 0, time.Millisecond, 0, noSleep)
	require.NoError(t, err)
	assert.False(t, src.sawDeadline)
}

func TestFetchDetailStopsWhenContextEnds(t *testing.T) {
	src := &scriptedSource{errs: []error{fmt.Errorf("carrier: %w", upstream.ErrRateLimited)}}
	sleep := func(ctx context.Context, d time.Duration) error { return context.Canceled }

	_, err := fetchDetail(context.Background(), src, "E1", 3, time.Millisecond, 0, sleep)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, src.attempts)
}
