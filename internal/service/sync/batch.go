package sync

import "time"

// Thresholds for the enrichment batch-size controller.
const (
	batchErrorRateHigh = 0.25
	batchErrorRateLow  = 0.05
	batchLatencyHigh   = 2 * time.Second
	batchLatencyLow    = 500 * time.Millisecond
)

// BatchMetrics summarizes the most recent enrichment batch.
type BatchMetrics struct {
	AvgLatency time.Duration
	ErrorRate  float64
}

// batchMetrics folds per-item measurements into controller input. Latencies
// are summed from the individual requests rather than derived from batch
// wall time: items run concurrently, so wall time over count would shrink as
// the batch grows and mask slow upstreams.
func batchMetrics(totalLatency time.Duration, failures, count int) BatchMetrics {
	if count <= 0 {
		return BatchMetrics{}
	}
	return BatchMetrics{
		AvgLatency: totalLatency / time.Duration(count),
		ErrorRate:  float64(failures) / float64(count),
	}
}

// NextBatchSize is the feedback controller for enrichment fan-out: halve on a
// bad batch, grow by one on a clean fast one, hold otherwise. The result is
// clamped to [min, max]. A pure function so it is testable without network
// calls.
func NextBatchSize(current int, m BatchMetrics, min, max int) int {
	next := current
	switch {
	case m.ErrorRate >= batchErrorRateHigh || m.AvgLatency >= batchLatencyHigh:
		next = current / 2
	case m.ErrorRate <= batchErrorRateLow && m.AvgLatency <= batchLatencyLow:
		next = current + 1
	}
	if next < min {
		next = min
	}
	if next > max {
		next = max
	}
	return next
}
