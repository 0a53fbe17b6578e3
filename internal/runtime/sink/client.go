// Package sink buffers data points and flushes them to the time-series store
// in batches.
package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/logging"
	"github.com/drblury/streamsink/internal/runtime/model"
)

// Store is the time-series backend a Client flushes into.
type Store interface {
	Ping(ctx context.Context) error
	WriteBatch(ctx context.Context, points []model.DataPoint) error
	Close() error
}

// Options controls batching and flush retries.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	// MaxBufferSize caps buffered points; the oldest overflow is dropped.
	MaxBufferSize int
}

const DefaultMaxBufferSize = 10000

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	return o
}

// Stats is a point-in-time view of the client.
type Stats struct {
	PointsWritten uint64 `json:"points_written"`
	WriteErrors   uint64 `json:"write_errors"`
	DroppedPoints uint64 `json:"dropped_points"`
	BufferSize    int    `json:"buffer_size"`
	Connected     bool   `json:"connected"`
}

// Client is safe for concurrent use. Flushes are serialised.
type Client struct {
	store Store
	opts  Options
	log   logging.ServiceLogger

	mu     sync.Mutex
	buffer []model.DataPoint

	flushMu sync.Mutex

	connected atomic.Bool
	written   atomic.Uint64
	errs      atomic.Uint64
	dropped   atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

func NewClient(store Store, opts Options, log logging.ServiceLogger) *Client {
	return &Client{
		store: store,
		opts:  opts.withDefaults(),
		log:   logging.ForComponent(log, "sink"),
	}
}

// Connect pings the store and starts the periodic flusher.
func (c *Client) Connect(ctx context.Context) error {
	if c.store == nil {
		return errors.ErrStoreRequired
	}
	if c.connected.Load() {
		return nil
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("sink connect: %w", err)
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.connected.Store(true)
	go c.flushLoop(c.stop, c.done)
	c.log.Info("Sink connected", logging.LogFields{"batch_size": c.opts.BatchSize, "flush_interval": c.opts.FlushInterval.String()})
	return nil
}

// Disconnect stops the flusher, flushes what is buffered and closes the
// store. The close happens even when the final flush fails.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.connected.Load() {
		return nil
	}
	close(c.stop)
	<-c.done

	flushErr := c.Flush(ctx)
	c.connected.Store(false)
	closeErr := c.store.Close()
	if flushErr != nil {
		c.log.Error("Final flush failed", flushErr, logging.LogFields{"buffered": c.BufferSize()})
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("sink close: %w", closeErr)
	}
	c.log.Info("Sink disconnected", nil)
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Write buffers one point.
func (c *Client) Write(ctx context.Context, point model.DataPoint) error {
	return c.WriteBatch(ctx, []model.DataPoint{point})
}

// WriteBatch buffers points and flushes immediately once the batch size is
// reached; that flush's error is returned.
func (c *Client) WriteBatch(ctx context.Context, points []model.DataPoint) error {
	if !c.connected.Load() {
		return errors.ErrSinkNotConnected
	}
	if len(points) == 0 {
		return nil
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, points...)
	c.trimLocked()
	full := len(c.buffer) >= c.opts.BatchSize
	c.mu.Unlock()

	if full {
		return c.Flush(ctx)
	}
	return nil
}

// Flush writes everything buffered. Failed attempts back off by
// RetryDelay*2^(attempt-1). When every attempt fails the points go back to the
// front of the buffer and the error is returned.
func (c *Client) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var err error
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		if err = c.store.WriteBatch(ctx, batch); err == nil {
			c.written.Add(uint64(len(batch)))
			c.log.Debug("Flushed batch", logging.LogFields{"points": len(batch), "attempt": attempt})
			return nil
		}
		c.errs.Add(1)
		c.log.Error("Batch write failed", err, logging.LogFields{"points": len(batch), "attempt": attempt, "max_attempts": c.opts.RetryAttempts})
		if attempt == c.opts.RetryAttempts {
			break
		}
		if sleepErr := sleep(ctx, c.opts.RetryDelay*time.Duration(1<<(attempt-1))); sleepErr != nil {
			err = fmt.Errorf("%w (retry aborted: %v)", err, sleepErr)
			break
		}
	}

	c.requeue(batch)
	return fmt.Errorf("sink flush of %d points: %w", len(batch), err)
}

func (c *Client) requeue(batch []model.DataPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make([]model.DataPoint, 0, len(batch)+len(c.buffer))
	merged = append(merged, batch...)
	merged = append(merged, c.buffer...)
	c.buffer = merged
	c.trimLocked()
}

// trimLocked drops the oldest points above MaxBufferSize.
func (c *Client) trimLocked() {
	overflow := len(c.buffer) - c.opts.MaxBufferSize
	if overflow <= 0 {
		return
	}
	c.buffer = append([]model.DataPoint(nil), c.buffer[overflow:]...)
	c.dropped.Add(uint64(overflow))
	c.log.Error("Dropped buffered points", errors.ErrBufferOverflow, logging.LogFields{
		"dropped":     overflow,
		"buffer_size": len(c.buffer),
		"max_buffer":  c.opts.MaxBufferSize,
	})
}

func (c *Client) flushLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout())
			if err := c.Flush(ctx); err != nil {
				c.log.Error("Periodic flush failed", err, nil)
			}
			cancel()
		}
	}
}

func (c *Client) flushTimeout() time.Duration {
	timeout := c.opts.FlushInterval
	for i := 0; i < c.opts.RetryAttempts; i++ {
		timeout += c.opts.RetryDelay << i
	}
	return timeout
}

func (c *Client) BufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Client) Stats() Stats {
	return Stats{
		PointsWritten: c.written.Load(),
		WriteErrors:   c.errs.Load(),
		DroppedPoints: c.dropped.Load(),
		BufferSize:    c.BufferSize(),
		Connected:     c.connected.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
