package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/streamsink/internal/runtime/model"
	"github.com/drblury/streamsink/internal/runtime/resilience"
)

const metricsNamespace = "streamsink"

// Collector exports service metrics to Prometheus and keeps per-stream
// dead-letter statistics. It is created by the caller and handed to the
// service, so several services never share a registry by accident.
type Collector struct {
	mu sync.RWMutex

	deadLetters map[string]*DeadLetterStreamMetrics

	entriesTotal      *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	deadLettersTotal  *prometheus.CounterVec
	deadLetterRetries *prometheus.HistogramVec
	reclaimedTotal    *prometheus.CounterVec
	timeoutsTotal     *prometheus.CounterVec
	circuitState      *prometheus.GaugeVec
	circuitChanges    *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// DeadLetterStreamMetrics holds dead-letter counts for one source stream.
type DeadLetterStreamMetrics struct {
	Received      uint64    `json:"received"`
	Replayed      uint64    `json:"replayed"`
	AvgAttempts   float64   `json:"avg_attempts"`
	OldestAt      time.Time `json:"oldest_at,omitempty"`
	NewestAt      time.Time `json:"newest_at,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewCollector creates a collector backed by registry. A nil registry gets a
// fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Collector{
		deadLetters:       make(map[string]*DeadLetterStreamMetrics),
		registerer:        registry,
		gatherer:          registry,
		entriesTotal:      newCounterVec("entries_total", "Stream entries processed, by outcome", "stream", "outcome"),
		processingSeconds: newHistogramVec("entry_processing_seconds", "Time from dispatch to outcome for one entry", prometheus.DefBuckets, "stream"),
		deadLettersTotal:  newCounterVec("dead_letters_total", "Entries routed to the dead-letter destination", "stream", "error_kind"),
		deadLetterRetries: newHistogramVec("dead_letter_attempts", "Attempts made before an entry was dead-lettered", []float64{1, 2, 3, 5, 10, 20}, "stream"),
		reclaimedTotal:    newCounterVec("reclaimed_total", "Stale pending entries claimed by this consumer", "stream"),
		timeoutsTotal:     newCounterVec("entry_timeouts_total", "Entries abandoned by the processing watchdog", "stream"),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_open",
			Help:      "1 while the circuit breaker is open",
		}, []string{"breaker"}),
		circuitChanges: newCounterVec("circuit_transitions_total", "Circuit breaker state changes", "breaker", "state"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collector) Register(extra ...prometheus.Collector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}
	collectors := append([]prometheus.Collector{
		c.entriesTotal,
		c.processingSeconds,
		c.deadLettersTotal,
		c.deadLetterRetries,
		c.reclaimedTotal,
		c.timeoutsTotal,
		c.circuitState,
		c.circuitChanges,
	}, extra...)
	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	c.registered = true
	return nil
}

// Gatherer exposes the registry for the Prometheus HTTP handler.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

func (c *Collector) ObserveEntry(stream string, outcome resilience.Outcome, d time.Duration) {
	c.entriesTotal.WithLabelValues(stream, outcome.String()).Inc()
	c.processingSeconds.WithLabelValues(stream).Observe(d.Seconds())
}

func (c *Collector) ObserveTimeout(stream string) {
	c.timeoutsTotal.WithLabelValues(stream).Inc()
}

func (c *Collector) ObserveReclaim(stream string, n int) {
	c.reclaimedTotal.WithLabelValues(stream).Add(float64(n))
}

func (c *Collector) ObserveCircuit(ev resilience.CircuitEvent) {
	open := 0.0
	if ev.State == model.CircuitOpen {
		open = 1
	}
	c.circuitState.WithLabelValues(ev.Breaker).Set(open)
	c.circuitChanges.WithLabelValues(ev.Breaker, string(ev.State)).Inc()
}

// RecordDeadLetter records one routed dead letter.
func (c *Collector) RecordDeadLetter(rec resilience.DeadLetterRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	m := c.streamMetricsLocked(rec.Stream)
	m.Received++
	if m.OldestAt.IsZero() {
		m.OldestAt = rec.Timestamp
	}
	m.NewestAt = rec.Timestamp
	m.AvgAttempts = (m.AvgAttempts*float64(m.Received-1) + float64(rec.Attempts)) / float64(m.Received)
	m.LastErrorKind = string(rec.ErrorKind)
	m.LastUpdatedAt = now

	c.deadLettersTotal.WithLabelValues(rec.Stream, string(rec.ErrorKind)).Inc()
	c.deadLetterRetries.WithLabelValues(rec.Stream).Observe(float64(rec.Attempts))
}

// RecordReplayed records dead letters re-published to their source stream.
func (c *Collector) RecordReplayed(stream string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.streamMetricsLocked(stream)
	m.Replayed += uint64(n)
	m.LastUpdatedAt = time.Now()
}

// DeadLetterSnapshot returns a copy of the per-stream dead-letter metrics.
func (c *Collector) DeadLetterSnapshot() map[string]DeadLetterStreamMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]DeadLetterStreamMetrics, len(c.deadLetters))
	for stream, m := range c.deadLetters {
		out[stream] = *m
	}
	return out
}

func (c *Collector) streamMetricsLocked(stream string) *DeadLetterStreamMetrics {
	if m, ok := c.deadLetters[stream]; ok {
		return m
	}
	m := &DeadLetterStreamMetrics{}
	c.deadLetters[stream] = m
	return m
}
