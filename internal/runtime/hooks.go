package runtime

import (
	"errors"
	"time"

	"github.com/drblury/streamsink/internal/runtime/logging"
	"github.com/drblury/streamsink/internal/runtime/model"
	"github.com/drblury/streamsink/internal/runtime/resilience"
)

// EntryContext describes one processed stream entry.
type EntryContext struct {
	Stream   string
	EntryID  string
	Consumer string
	// Reclaimed is true when the entry was recovered from the pending list.
	Reclaimed     bool
	DeliveryCount int64
	StartedAt     time.Time
	// Duration and Outcome are set once processing finished.
	Duration   time.Duration
	Outcome    resilience.Outcome
	DataPoints int
}

// ServiceHooks are optional callbacks for entry and breaker lifecycle events.
// Nil hooks are skipped. Hooks run on processing goroutines and must not
// block for long.
type ServiceHooks struct {
	// OnEntryDone is called when an entry was transformed and written.
	OnEntryDone func(ctx EntryContext)

	// OnEntryError is called for every other outcome, including entries that
	// were dead-lettered or rejected by an open circuit.
	OnEntryError func(ctx EntryContext, err error)

	// OnEntryTimeout is called when the watchdog abandons an entry.
	OnEntryTimeout func(ctx EntryContext)

	// OnDeadLetter is called after a record reached the dead-letter
	// destination.
	OnDeadLetter func(record resilience.DeadLetterRecord)

	OnCircuitOpen  func(ev resilience.CircuitEvent)
	OnCircuitClose func(ev resilience.CircuitEvent)

	// OnReclaim is called with the entries claimed from a stream's pending
	// list.
	OnReclaim func(stream string, claimed []model.PendingEntry)
}

// Merge combines two hook sets; hooks from other run after those of h.
func (h ServiceHooks) Merge(other ServiceHooks) ServiceHooks {
	return ServiceHooks{
		OnEntryDone:    chain(h.OnEntryDone, other.OnEntryDone),
		OnEntryError:   chain2(h.OnEntryError, other.OnEntryError),
		OnEntryTimeout: chain(h.OnEntryTimeout, other.OnEntryTimeout),
		OnDeadLetter:   chain(h.OnDeadLetter, other.OnDeadLetter),
		OnCircuitOpen:  chain(h.OnCircuitOpen, other.OnCircuitOpen),
		OnCircuitClose: chain(h.OnCircuitClose, other.OnCircuitClose),
		OnReclaim:      chain2(h.OnReclaim, other.OnReclaim),
	}
}

func chain[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

func chain2[T, U any](a, b func(T, U)) func(T, U) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T, w U) {
		a(v, w)
		b(v, w)
	}
}

// LoggingHooks logs entry outcomes at debug level and failures, dead letters,
// breaker transitions and reclaims at info or error level.
func LoggingHooks(log logging.ServiceLogger) ServiceHooks {
	return ServiceHooks{
		OnEntryDone: func(ctx EntryContext) {
			log.Debug("Entry processed", logging.LogFields{
				"stream":      ctx.Stream,
				"entry_id":    ctx.EntryID,
				"data_points": ctx.DataPoints,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnEntryError: func(ctx EntryContext, err error) {
			log.Error("Entry not processed", err, logging.LogFields{
				"stream":         ctx.Stream,
				"entry_id":       ctx.EntryID,
				"outcome":        ctx.Outcome.String(),
				"delivery_count": ctx.DeliveryCount,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnEntryTimeout: func(ctx EntryContext) {
			log.Info("Entry abandoned by watchdog", logging.LogFields{
				"stream":   ctx.Stream,
				"entry_id": ctx.EntryID,
			})
		},
		OnDeadLetter: func(rec resilience.DeadLetterRecord) {
			log.Info("Dead letter stored", logging.LogFields{
				"dead_letter_id": rec.ID,
				"stream":         rec.Stream,
				"entry_id":       rec.EntryID,
				"error_kind":     string(rec.ErrorKind),
				"attempts":       rec.Attempts,
			})
		},
		OnCircuitOpen: func(ev resilience.CircuitEvent) {
			log.Error("Circuit opened", errors.New(ev.Reason), logging.LogFields{
				"breaker":              ev.Breaker,
				"consecutive_failures": ev.ConsecutiveFailures,
				"error_rate":           ev.ErrorRate,
			})
		},
		OnCircuitClose: func(ev resilience.CircuitEvent) {
			log.Info("Circuit closed", logging.LogFields{"breaker": ev.Breaker})
		},
		OnReclaim: func(stream string, claimed []model.PendingEntry) {
			log.Info("Pending entries reclaimed", logging.LogFields{"stream": stream, "count": len(claimed)})
		},
	}
}

// Alert is what AlertingHooks hands to the alert function.
type Alert struct {
	Reason  string
	Stream  string
	EntryID string
	Err     error
	At      time.Time
}

// Alert reasons.
const (
	AlertDeadLetter  = "dead_letter"
	AlertCircuitOpen = "circuit_open"
	AlertTimeout     = "entry_timeout"
)

// AlertingHooks calls alert whenever an entry is dead-lettered, abandoned by
// the watchdog, or the circuit opens.
func AlertingHooks(alert func(Alert)) ServiceHooks {
	return ServiceHooks{
		OnDeadLetter: func(rec resilience.DeadLetterRecord) {
			alert(Alert{
				Reason:  AlertDeadLetter,
				Stream:  rec.Stream,
				EntryID: rec.EntryID,
				Err:     errors.New(rec.Error),
				At:      rec.Timestamp,
			})
		},
		OnEntryTimeout: func(ctx EntryContext) {
			alert(Alert{Reason: AlertTimeout, Stream: ctx.Stream, EntryID: ctx.EntryID, At: time.Now()})
		},
		OnCircuitOpen: func(ev resilience.CircuitEvent) {
			alert(Alert{Reason: AlertCircuitOpen, Err: errors.New(ev.Reason), At: ev.At})
		},
	}
}

// metricsHooks feeds the Prometheus collector.
func metricsHooks(c *Collector) ServiceHooks {
	return ServiceHooks{
		OnEntryDone: func(ctx EntryContext) {
			c.ObserveEntry(ctx.Stream, ctx.Outcome, ctx.Duration)
		},
		OnEntryError: func(ctx EntryContext, _ error) {
			c.ObserveEntry(ctx.Stream, ctx.Outcome, ctx.Duration)
		},
		OnEntryTimeout: func(ctx EntryContext) {
			c.ObserveTimeout(ctx.Stream)
		},
		OnDeadLetter:   c.RecordDeadLetter,
		OnCircuitOpen:  c.ObserveCircuit,
		OnCircuitClose: c.ObserveCircuit,
		OnReclaim: func(stream string, claimed []model.PendingEntry) {
			c.ObserveReclaim(stream, len(claimed))
		},
	}
}
