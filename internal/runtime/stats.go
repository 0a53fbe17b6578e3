package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/resilience"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

type LatencyMetrics struct {
	AverageMs  float64 `json:"average_ms"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	P99Ms      float64 `json:"p99_ms"`
	LastMs     float64 `json:"last_ms"`
	SampleSize int     `json:"sample_size"`
}

// ErrorBreakdown counts failed entries by error kind.
type ErrorBreakdown struct {
	InvalidEvent uint64 `json:"invalid_event"`
	CircuitOpen  uint64 `json:"circuit_open"`
	Timeout      uint64 `json:"timeout"`
	Canceled     uint64 `json:"canceled"`
	Transient    uint64 `json:"transient"`
	LastError    string `json:"last_error,omitempty"`
}

func (e *ErrorBreakdown) Record(err error) {
	if err == nil {
		return
	}
	switch resilience.Classify(err) {
	case resilience.KindInvalid:
		e.InvalidEvent++
	case resilience.KindCircuitOpen:
		e.CircuitOpen++
	case resilience.KindTimeout:
		e.Timeout++
	case resilience.KindCanceled:
		e.Canceled++
	default:
		e.Transient++
	}
	e.LastError = err.Error()
}

// processingStats aggregates per-entry outcomes for the metrics snapshot.
type processingStats struct {
	mu sync.Mutex

	processed    uint64
	failed       uint64
	deadLettered uint64
	rejected     uint64
	timedOut     uint64
	lastAt       time.Time

	errors     ErrorBreakdown
	latency    *latencyWindow
	throughput *throughputWindow
	totalTime  time.Duration
}

func newProcessingStats() *processingStats {
	return &processingStats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
}

func (p *processingStats) record(outcome resilience.Outcome, d time.Duration, cause error, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch outcome {
	case resilience.OutcomeSucceeded:
		p.processed++
		p.totalTime += d
		p.latency.Add(d)
		p.throughput.Add(at)
		p.lastAt = at
		return
	case resilience.OutcomeDeadLettered:
		p.deadLettered++
		p.failed++
	case resilience.OutcomeRejected:
		p.rejected++
	default:
		p.failed++
	}
	p.errors.Record(cause)
}

func (p *processingStats) recordTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timedOut++
	p.failed++
	p.errors.Record(sserrors.ErrProcessingTimeout)
}

type statsSnapshot struct {
	Processed    uint64
	Failed       uint64
	DeadLettered uint64
	Rejected     uint64
	TimedOut     uint64
	Rate         float64
	Latency      LatencyMetrics
	Errors       ErrorBreakdown
	LastAt       time.Time
}

func (p *processingStats) snapshot(now time.Time) statsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	latency := p.latency.Snapshot()
	if p.processed > 0 {
		latency.AverageMs = durationMs(p.totalTime / time.Duration(p.processed))
	}
	return statsSnapshot{
		Processed:    p.processed,
		Failed:       p.failed,
		DeadLettered: p.deadLettered,
		Rejected:     p.rejected,
		TimedOut:     p.timedOut,
		Rate:         p.throughput.Rate(now),
		Latency:      latency,
		Errors:       p.errors,
		LastAt:       p.lastAt,
	}
}

type latencyWindow struct {
	samples []time.Duration
	next    int
	filled  int
	last    time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = d
	lw.last = d
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastMs: durationMs(lw.last)}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]time.Duration, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, v := range samples {
		sum += v
	}
	metrics.SampleSize = lw.filled
	metrics.AverageMs = durationMs(sum / time.Duration(len(samples)))
	metrics.P50Ms = durationMs(percentile(samples, 0.50))
	metrics.P95Ms = durationMs(percentile(samples, 0.95))
	metrics.P99Ms = durationMs(percentile(samples, 0.99))
	return metrics
}

func percentile(samples []time.Duration, quantile float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + time.Duration(float64(samples[upper]-samples[lower])*frac)
}

// throughputWindow keeps completion times within horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) Add(at time.Time) {
	tw.samples = append(tw.samples, at)
	tw.cleanup(at)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

// Rate returns completions per second over the retained samples. A single
// sample counts as one event over at least one second.
func (tw *throughputWindow) Rate(now time.Time) float64 {
	tw.cleanup(now)
	if len(tw.samples) == 0 {
		return 0
	}
	span := now.Sub(tw.samples[0])
	if span < time.Second {
		span = time.Second
	}
	return float64(len(tw.samples)) / span.Seconds()
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
