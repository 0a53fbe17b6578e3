// Package resilience wraps fallible operations with retries, exponential
// backoff with jitter, a circuit breaker and dead-letter routing.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/ids"
	"github.com/drblury/streamsink/internal/runtime/logging"
)

// Options configures a Handler.
type Options struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterMax         time.Duration
	// DeadLetterTimeout bounds the single dead-letter routing attempt.
	DeadLetterTimeout time.Duration
	// HistorySize is the number of recent ErrorRecords kept.
	HistorySize int
	Breaker     BreakerOptions
	// Rand is the jitter source. Nil means a time-seeded source.
	Rand *rand.Rand
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.JitterMax < 0 {
		o.JitterMax = 0
	}
	if o.DeadLetterTimeout <= 0 {
		o.DeadLetterTimeout = 5 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// OperationContext identifies the entry an operation works on.
type OperationContext struct {
	Operation   string
	Stream      string
	EntryID     string
	Consumer    string
	ContentType string
}

// ErrorRecord is one failed attempt.
type ErrorRecord struct {
	Context OperationContext `json:"context"`
	Error   string           `json:"error"`
	Kind    ErrorKind        `json:"kind"`
	At      time.Time        `json:"at"`
	Attempt int              `json:"attempt"`
	Elapsed time.Duration    `json:"elapsed"`
}

// Outcome tells the caller what happened to the entry.
type Outcome int

const (
	// OutcomeSucceeded: the operation succeeded; acknowledge.
	OutcomeSucceeded Outcome = iota
	// OutcomeDeadLettered: retries were exhausted and the payload was routed
	// to the dead-letter sink; acknowledge.
	OutcomeDeadLettered
	// OutcomeRejected: the breaker is open; leave the entry pending.
	OutcomeRejected
	// OutcomeFailed: the entry could be neither processed nor dead-lettered;
	// leave it pending.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeRejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Acknowledge reports whether the entry may leave the pending list.
func (o Outcome) Acknowledge() bool {
	return o == OutcomeSucceeded || o == OutcomeDeadLettered
}

// Stats are cumulative counters.
type Stats struct {
	Operations         uint64 `json:"operations"`
	Successes          uint64 `json:"successes"`
	Failures           uint64 `json:"failures"`
	Retries            uint64 `json:"retries"`
	DeadLettered       uint64 `json:"dead_lettered"`
	DeadLetterFailures uint64 `json:"dead_letter_failures"`
	CircuitRejections  uint64 `json:"circuit_rejections"`
	CircuitState       string `json:"circuit_state"`
}

// Handler is safe for concurrent use.
type Handler struct {
	opts    Options
	breaker *Breaker
	dlq     DeadLetterSink
	log     logging.ServiceLogger
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time

	randMu sync.Mutex

	historyMu sync.Mutex
	history   []ErrorRecord
	next      int

	operations   atomic.Uint64
	successes    atomic.Uint64
	failures     atomic.Uint64
	retries      atomic.Uint64
	deadLettered atomic.Uint64
	dlqFailures  atomic.Uint64
	rejections   atomic.Uint64
}

func NewHandler(opts Options, dlq DeadLetterSink, observer Observer, log logging.ServiceLogger) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		opts:    opts,
		breaker: NewBreaker(opts.Breaker, observer),
		dlq:     dlq,
		log:     logging.ForComponent(log, "error_handler"),
		sleep:   sleepContext,
		now:     time.Now,
		history: make([]ErrorRecord, 0, opts.HistorySize),
	}
}

func (h *Handler) Breaker() *Breaker {
	return h.breaker
}

// Delay returns the wait after the given failed attempt (1-based):
// min(initial*multiplier^(attempt-1), max) plus uniform jitter in
// [0, JitterMax).
func (h *Handler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(h.opts.InitialDelay) * math.Pow(h.opts.BackoffMultiplier, float64(attempt-1))
	if d > float64(h.opts.MaxDelay) || math.IsInf(d, 0) {
		d = float64(h.opts.MaxDelay)
	}
	delay := time.Duration(d)
	if h.opts.JitterMax > 0 {
		h.randMu.Lock()
		delay += time.Duration(h.opts.Rand.Int63n(int64(h.opts.JitterMax)))
		h.randMu.Unlock()
	}
	return delay
}

// ExecuteWithRetry runs op up to MaxRetries+1 times. Exhausted or permanent
// failures route payload to the dead-letter sink and return a nil error; only
// a failed routing, a cancelled ctx or an open breaker return an error.
func (h *Handler) ExecuteWithRetry(ctx context.Context, op func(context.Context) error, opCtx OperationContext, payload []byte) (Outcome, error) {
	h.operations.Add(1)
	start := h.now()
	fields := logging.LogFields{"operation": opCtx.Operation, "stream": opCtx.Stream, "entry_id": opCtx.EntryID}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= h.opts.MaxRetries+1; attempt++ {
		err := h.breaker.Execute(ctx, op)
		if errors.Is(err, ErrCircuitOpen) {
			h.rejections.Add(1)
			h.log.Debug("Circuit open, attempt rejected", fields)
			return OutcomeRejected, err
		}
		attempts = attempt
		if err == nil {
			h.successes.Add(1)
			return OutcomeSucceeded, nil
		}

		lastErr = err
		h.record(ErrorRecord{
			Context: opCtx,
			Error:   err.Error(),
			Kind:    Classify(err),
			At:      h.now(),
			Attempt: attempt,
			Elapsed: h.now().Sub(start),
		})

		if IsPermanent(err) || ctx.Err() != nil || attempt > h.opts.MaxRetries {
			break
		}
		h.retries.Add(1)
		delay := h.Delay(attempt)
		h.log.Debug("Attempt failed, retrying", logging.LogFields{
			"operation": opCtx.Operation, "entry_id": opCtx.EntryID,
			"attempt": attempt, "delay": delay.String(), "error": err.Error(),
		})
		if sleepErr := h.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}
	h.failures.Add(1)

	if ctx.Err() != nil && !IsPermanent(lastErr) {
		h.log.Info("Operation abandoned, context done", fields)
		return OutcomeFailed, fmt.Errorf("%s abandoned after %d attempts: %w", opCtx.Operation, attempts, ctx.Err())
	}
	return h.deadLetter(ctx, opCtx, payload, lastErr, attempts)
}

// DeadLetter routes payload straight to the dead-letter sink without
// running anything through the breaker. It is meant for input that failed
// before any protected operation could run, such as an undecodable entry, so
// it never counts towards opening or closing the circuit.
func (h *Handler) DeadLetter(ctx context.Context, opCtx OperationContext, payload []byte, cause error) (Outcome, error) {
	if cause == nil {
		return OutcomeFailed, errors.New("streamsink: dead-letter cause is required")
	}
	h.operations.Add(1)
	h.failures.Add(1)
	h.record(ErrorRecord{
		Context: opCtx,
		Error:   cause.Error(),
		Kind:    Classify(cause),
		At:      h.now(),
		Attempt: 1,
	})
	return h.deadLetter(ctx, opCtx, payload, cause, 1)
}

func (h *Handler) deadLetter(ctx context.Context, opCtx OperationContext, payload []byte, lastErr error, attempts int) (Outcome, error) {
	record := DeadLetterRecord{
		ID:              ids.CreateULID(),
		Stream:          opCtx.Stream,
		EntryID:         opCtx.EntryID,
		Consumer:        opCtx.Consumer,
		Operation:       opCtx.Operation,
		ContentType:     opCtx.ContentType,
		OriginalPayload: payload,
		Error:           lastErr.Error(),
		ErrorKind:       Classify(lastErr),
		Attempts:        attempts,
		Timestamp:       h.now().UTC(),
	}
	if err := h.routeDeadLetter(ctx, record); err != nil {
		h.dlqFailures.Add(1)
		h.log.Error("Dead-letter routing failed", err, logging.LogFields{
			"entry_id": opCtx.EntryID, "stream": opCtx.Stream, "original_error": lastErr.Error(),
		})
		return OutcomeFailed, fmt.Errorf("dead-letter routing for %s: %w", opCtx.EntryID, err)
	}
	h.deadLettered.Add(1)
	h.log.Error("Entry dead-lettered", lastErr, logging.LogFields{
		"entry_id": opCtx.EntryID, "stream": opCtx.Stream, "attempts": attempts, "error_kind": string(record.ErrorKind),
	})
	return OutcomeDeadLettered, nil
}

// routeDeadLetter makes exactly one bounded attempt.
func (h *Handler) routeDeadLetter(ctx context.Context, record DeadLetterRecord) error {
	if h.dlq == nil {
		return sserrors.ErrPublisherRequired
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.DeadLetterTimeout)
	defer cancel()
	return h.dlq.Route(ctx, record)
}

func (h *Handler) record(rec ErrorRecord) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	if len(h.history) < h.opts.HistorySize {
		h.history = append(h.history, rec)
		return
	}
	h.history[h.next] = rec
	h.next = (h.next + 1) % h.opts.HistorySize
}

// RecentErrors returns the retained error records, oldest first.
func (h *Handler) RecentErrors() []ErrorRecord {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	out := make([]ErrorRecord, 0, len(h.history))
	out = append(out, h.history[h.next:]...)
	out = append(out, h.history[:h.next]...)
	return out
}

func (h *Handler) Stats() Stats {
	return Stats{
		Operations:         h.operations.Load(),
		Successes:          h.successes.Load(),
		Failures:           h.failures.Load(),
		Retries:            h.retries.Load(),
		DeadLettered:       h.deadLettered.Load(),
		DeadLetterFailures: h.dlqFailures.Load(),
		CircuitRejections:  h.rejections.Load(),
		CircuitState:       string(h.breaker.State()),
	}
}

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
