package runtime

import (
	"context"
	"time"

	"github.com/drblury/streamsink/internal/runtime/model"
	"github.com/drblury/streamsink/internal/runtime/transform"
)

// Health checks reported by Service.Health.
const (
	CheckBroker    = "broker"
	CheckSink      = "sink"
	CheckCircuit   = "circuit"
	CheckProcessor = "processing"
)

// Health is a point-in-time health evaluation.
type Health struct {
	Healthy bool            `json:"healthy"`
	State   ServiceState    `json:"state"`
	Checks  map[string]bool `json:"checks"`
	At      time.Time       `json:"timestamp"`
}

// Metrics is a point-in-time snapshot of the service.
type Metrics struct {
	State             ServiceState                       `json:"state"`
	MessagesProcessed uint64                             `json:"messages_processed"`
	MessagesFailed    uint64                             `json:"messages_failed"`
	DeadLettered      uint64                             `json:"dead_lettered"`
	CircuitRejections uint64                             `json:"circuit_rejections"`
	Timeouts          uint64                             `json:"timeouts"`
	Reclaimed         uint64                             `json:"reclaimed"`
	DataPointsWritten uint64                             `json:"data_points_written"`
	WriteErrors       uint64                             `json:"write_errors"`
	DroppedPoints     uint64                             `json:"dropped_points"`
	BufferedPoints    int                                `json:"buffered_points"`
	InFlight          int                                `json:"in_flight"`
	UptimeSeconds     float64                            `json:"uptime_seconds"`
	ProcessingRate    float64                            `json:"processing_rate"`
	AverageLatencyMs  float64                            `json:"average_latency_ms"`
	Latency           LatencyMetrics                     `json:"latency"`
	Errors            ErrorBreakdown                     `json:"errors"`
	BrokerConnected   bool                               `json:"broker_connected"`
	SinkConnected     bool                               `json:"sink_connected"`
	CircuitState      model.CircuitState                 `json:"circuit_state"`
	ErrorRate         float64                            `json:"error_rate"`
	Transformer       transform.Stats                    `json:"transformer"`
	Resources         ResourceUsage                      `json:"resources"`
	DeadLetters       map[string]DeadLetterStreamMetrics `json:"dead_letters,omitempty"`
	LastProcessedAt   time.Time                          `json:"last_processed_at,omitempty"`
	CollectedAt       time.Time                          `json:"collected_at"`
}

// Health is healthy when the broker answers a ping, the sink is connected,
// the breaker is not open, and events are flowing or none have been seen yet.
func (s *Service) Health(ctx context.Context) Health {
	now := time.Now()
	s.mu.RLock()
	state, broker, sinkClient := s.state, s.broker, s.sink
	s.mu.RUnlock()

	checks := map[string]bool{
		CheckBroker:    false,
		CheckSink:      false,
		CheckCircuit:   s.handler.Breaker().State() != model.CircuitOpen,
		CheckProcessor: false,
	}
	if state == StateRunning && broker != nil {
		pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		checks[CheckBroker] = broker.Ping(pingCtx).Err() == nil
		cancel()
	}
	if state == StateRunning && sinkClient != nil {
		checks[CheckSink] = sinkClient.Connected()
	}
	snap := s.stats.snapshot(now)
	checks[CheckProcessor] = snap.Rate > 0 || snap.Processed == 0

	healthy := true
	for _, ok := range checks {
		healthy = healthy && ok
	}
	return Health{Healthy: healthy, State: state, Checks: checks, At: now}
}

// Metrics returns a snapshot of counters, rates and connection state.
func (s *Service) Metrics() Metrics {
	now := time.Now()
	s.mu.RLock()
	state, startedAt, sinkClient, consumer := s.state, s.startedAt, s.sink, s.consumer
	s.mu.RUnlock()

	snap := s.stats.snapshot(now)
	rate, _ := s.handler.Breaker().ErrorRate()
	m := Metrics{
		State:             state,
		MessagesProcessed: snap.Processed,
		MessagesFailed:    snap.Failed,
		DeadLettered:      snap.DeadLettered,
		CircuitRejections: snap.Rejected,
		Timeouts:          snap.TimedOut,
		ProcessingRate:    snap.Rate,
		AverageLatencyMs:  snap.Latency.AverageMs,
		Latency:           snap.Latency,
		Errors:            snap.Errors,
		CircuitState:      s.handler.Breaker().State(),
		ErrorRate:         rate,
		Transformer:       s.transformer.Stats(),
		Resources:         s.resources.Snapshot(),
		DeadLetters:       s.collector.DeadLetterSnapshot(),
		LastProcessedAt:   snap.LastAt,
		CollectedAt:       now,
	}
	if state == StateRunning && !startedAt.IsZero() {
		m.UptimeSeconds = now.Sub(startedAt).Seconds()
	}
	if sinkClient != nil {
		st := sinkClient.Stats()
		m.DataPointsWritten = st.PointsWritten
		m.WriteErrors = st.WriteErrors
		m.DroppedPoints = st.DroppedPoints
		m.BufferedPoints = st.BufferSize
		m.SinkConnected = st.Connected
	}
	if consumer != nil {
		st := consumer.Stats()
		m.Reclaimed = st.Reclaimed
		m.InFlight = st.InFlight
		m.BrokerConnected = consumer.Running()
	}
	return m
}
