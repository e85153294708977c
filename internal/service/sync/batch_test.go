package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBatchSize(t *testing.T) {
	tests := []struct {
		name    string
		current int
		metrics BatchMetrics
		want    int
	}{
		{
			name:    "grows on clean fast batch",
			current: 4,
			metrics: BatchMetrics{AvgLatency: 100 * time.Millisecond, ErrorRate: 0},
			want:    5,
		},
		{
			name:    "holds in the middle band",
			current: 4,
			metrics: BatchMetrics{AvgLatency: time.Second, ErrorRate: 0.1},
			want:    4,
		},
		{
			name:    "halves on high error rate",
			current: 8,
			metrics: BatchMetrics{AvgLatency: 100 * time.Millisecond, ErrorRate: 0.5},
			want:    4,
		},
		{
			name:    "halves on high latency",
			current: 8,
			metrics: BatchMetrics{AvgLatency: 3 * time.Second, ErrorRate: 0},
			want:    4,
		},
		{
			name:    "clamped at max",
			current: 16,
			metrics: BatchMetrics{AvgLatency: 100 * time.Millisecond, ErrorRate: 0},
			want:    16,
		},
		{
			name:    "clamped at min",
			current: 1,
			metrics: BatchMetrics{AvgLatency: 5 * time.Second, ErrorRate: 1},
			want:    1,
		},
		{
			name:    "high error beats low latency",
			current: 4,
			metrics: BatchMetrics{AvgLatency: 10 * time.Millisecond, ErrorRate: 0.8},
			want:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextBatchSize(tt.current, tt.metrics, 1, 16))
		})
	}
}

func TestBatchMetricsAveragesPerItemLatency(t *testing.T) {
	// Three items at 3s each, run concurrently: the average must stay 3s
	// regardless of the batch finishing in ~3s of wall time.
	m := batchMetrics(9*time.Second, 1, 3)

	assert.Equal(t, 3*time.Second, m.AvgLatency)
	assert.InDelta(t, 1.0/3.0, m.ErrorRate, 1e-9)

	assert.Equal(t, BatchMetrics{}, batchMetrics(time.Second, 1, 0))
}

func TestNextBatchSizeConvergesUnderSustainedErrors(t *testing.T) {
	size := 16
	bad := BatchMetrics{AvgLatency: 4 * time.Second, ErrorRate: 1}
	for i := 0; i < 10; i++ {
		size = NextBatchSize(size, bad, 1, 16)
	}
	assert.Equal(t, 1, size)
}
