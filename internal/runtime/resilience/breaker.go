package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/streamsink/internal/runtime/model"
)

// BreakerOptions configures the circuit breaker.
type BreakerOptions struct {
	Name string
	// ConsecutiveFailuresThreshold opens the breaker once this many attempts
	// fail in a row.
	ConsecutiveFailuresThreshold uint32
	// ErrorRateThreshold opens the breaker when the failure ratio over Window
	// exceeds it. Zero disables the rate trigger.
	ErrorRateThreshold float64
	// MinimumRequests is the sample size below which the rate is ignored.
	MinimumRequests int
	Window          time.Duration
	// Cooldown is how long the breaker stays open before one probe is let
	// through.
	Cooldown time.Duration
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.Name == "" {
		o.Name = "sink-write"
	}
	if o.ConsecutiveFailuresThreshold == 0 {
		o.ConsecutiveFailuresThreshold = 5
	}
	if o.MinimumRequests <= 0 {
		o.MinimumRequests = 10
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	return o
}

// CircuitEvent describes a reported state change.
type CircuitEvent struct {
	Breaker             string             `json:"breaker"`
	State               model.CircuitState `json:"state"`
	Reason              string             `json:"reason,omitempty"`
	ConsecutiveFailures uint32             `json:"consecutive_failures,omitempty"`
	ErrorRate           float64            `json:"error_rate,omitempty"`
	At                  time.Time          `json:"at"`
}

// Observer is notified when the breaker opens or closes. Calls happen on the
// goroutine whose attempt caused the change, after the breaker is unlocked.
type Observer interface {
	OnCircuitOpen(CircuitEvent)
	OnCircuitClose(CircuitEvent)
}

const (
	tripConsecutive = "consecutive_failures"
	tripErrorRate   = "error_rate"
)

// Breaker wraps gobreaker with an exact error-rate window. The half-open
// state is reported as OPEN until the probe succeeds.
type Breaker struct {
	opts     BreakerOptions
	cb       *gobreaker.CircuitBreaker
	window   *errorWindow
	observer Observer

	reported atomic.Value

	// written in ReadyToTrip, read in OnStateChange; both under gobreaker's lock.
	lastTrip CircuitEvent

	pendingMu sync.Mutex
	pending   []CircuitEvent
}

func NewBreaker(opts BreakerOptions, observer Observer) *Breaker {
	return newBreaker(opts, observer, time.Now)
}

func newBreaker(opts BreakerOptions, observer Observer, now func() time.Time) *Breaker {
	opts = opts.withDefaults()
	b := &Breaker{
		opts:     opts,
		window:   newErrorWindow(opts.Window, now),
		observer: observer,
	}
	b.reported.Store(model.CircuitClosed)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          opts.Name,
		MaxRequests:   1,
		Timeout:       opts.Cooldown,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: b.onStateChange,
		IsSuccessful:  countsAsSuccess,
	})
	return b
}

// countsAsSuccess keeps bad input and caller cancellation from tripping the
// breaker; only infrastructure failures count.
func countsAsSuccess(err error) bool {
	return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
}

// unprovenTrial marks a half-open trial call that neither succeeded nor failed on
// the protected dependency. It does not unwrap, so gobreaker counts it as a
// failure and the breaker reopens instead of closing.
type unprovenTrial struct{ err error }

func (u *unprovenTrial) Error() string { return u.err.Error() }

func (b *Breaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= b.opts.ConsecutiveFailuresThreshold {
		b.lastTrip = CircuitEvent{Reason: tripConsecutive, ConsecutiveFailures: counts.ConsecutiveFailures}
		return true
	}
	if b.opts.ErrorRateThreshold <= 0 {
		return false
	}
	rate, n := b.window.rate()
	if n >= b.opts.MinimumRequests && rate > b.opts.ErrorRateThreshold {
		b.lastTrip = CircuitEvent{Reason: tripErrorRate, ConsecutiveFailures: counts.ConsecutiveFailures, ErrorRate: rate}
		return true
	}
	return false
}

func (b *Breaker) onStateChange(name string, _, to gobreaker.State) {
	var ev CircuitEvent
	switch to {
	case gobreaker.StateOpen:
		if b.reported.Swap(model.CircuitOpen) == model.CircuitOpen {
			return
		}
		ev = b.lastTrip
		ev.State = model.CircuitOpen
	case gobreaker.StateClosed:
		b.window.reset()
		if b.reported.Swap(model.CircuitClosed) == model.CircuitClosed {
			return
		}
		ev = CircuitEvent{State: model.CircuitClosed, Reason: "probe_succeeded"}
	default:
		return
	}
	ev.Breaker = name
	ev.At = time.Now()
	b.pendingMu.Lock()
	b.pending = append(b.pending, ev)
	b.pendingMu.Unlock()
}

func (b *Breaker) notify() {
	b.pendingMu.Lock()
	events := b.pending
	b.pending = nil
	b.pendingMu.Unlock()
	if b.observer == nil {
		return
	}
	for _, ev := range events {
		if ev.State == model.CircuitOpen {
			b.observer.OnCircuitOpen(ev)
		} else {
			b.observer.OnCircuitClose(ev)
		}
	}
}

// Execute runs op through the breaker. A rejected attempt returns
// *CircuitOpenError and op is not called. Only a nil error closes a half-open
// breaker; a permanent or cancelled trial reopens it.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		halfOpen := b.cb.State() == gobreaker.StateHalfOpen
		err := op(ctx)
		b.window.record(!countsAsSuccess(err))
		if halfOpen && err != nil && countsAsSuccess(err) {
			return nil, &unprovenTrial{err: err}
		}
		return nil, err
	})
	b.notify()
	var ut *unprovenTrial
	if errors.As(err, &ut) {
		return ut.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &CircuitOpenError{Breaker: b.opts.Name, Cause: err}
	}
	return err
}

// State is the reported state: OPEN from trip until a probe succeeds.
func (b *Breaker) State() model.CircuitState {
	return b.reported.Load().(model.CircuitState)
}

// Allow reports whether an attempt would currently be let through, either
// because the breaker is closed or because the cooldown has elapsed and a
// probe may run.
func (b *Breaker) Allow() bool {
	allowed := b.cb.State() != gobreaker.StateOpen
	b.notify()
	return allowed
}

// ErrorRate returns the failure ratio and sample count of the window.
func (b *Breaker) ErrorRate() (float64, int) {
	return b.window.rate()
}

func (b *Breaker) Name() string {
	return b.opts.Name
}
