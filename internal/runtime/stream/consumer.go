// Package stream consumes Redis streams through a consumer group. Entries are
// dispatched to a callback under a concurrency cap, acknowledged on request,
// and recovered from the pending-entry list once they have been idle longer
// than the processing timeout.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/ids"
	"github.com/drblury/streamsink/internal/runtime/logging"
	"github.com/drblury/streamsink/internal/runtime/model"
)

const (
	reclaimScanCount  = 100
	drainPollInterval = 10 * time.Millisecond
)

// Handler processes one entry and decides whether it is acknowledged.
type Handler func(ctx context.Context, entry Entry) Disposition

// Config wires a Consumer.
type Config struct {
	Group    string
	Consumer string
	Handler  Handler
	// Gate is consulted before every read; while it returns false the
	// consumer pauses instead of reading.
	Gate func() bool
	// OnTimeout is called when an entry's watchdog fires.
	OnTimeout func(Entry)
	// OnReclaim receives the entries claimed from a stream's pending list.
	OnReclaim func(stream string, claimed []model.PendingEntry)
}

// Stats is a point-in-time view of consumer counters.
type Stats struct {
	Read       uint64 `json:"read"`
	Acked      uint64 `json:"acked"`
	Reclaimed  uint64 `json:"reclaimed"`
	TimedOut   uint64 `json:"timed_out"`
	ReadErrors uint64 `json:"read_errors"`
	InFlight   int    `json:"in_flight"`
}

// Consumer reads one or more streams as a member of a consumer group.
type Consumer struct {
	client redis.UniversalClient
	cfg    Config
	log    logging.ServiceLogger

	mu       sync.Mutex
	running  bool
	cur      *session
	inflight map[string]*tracked

	reclaimMu sync.Mutex

	read       atomic.Uint64
	acked      atomic.Uint64
	reclaimed  atomic.Uint64
	timedOut   atomic.Uint64
	readErrors atomic.Uint64

	now func() time.Time
}

// session holds the state of one Start/Disconnect cycle.
type session struct {
	streams []string
	opts    Options
	sem     chan struct{}

	workCtx  context.Context
	stopRead context.CancelFunc
	stopWork context.CancelFunc
	stopping chan struct{}
	done     chan struct{}

	lastReclaim time.Time
}

type tracked struct {
	entry     Entry
	session   *session
	finished  bool
	abandoned bool
}

// NewConsumer validates cfg and returns an idle consumer. An empty consumer
// name is derived from the hostname.
func NewConsumer(client redis.UniversalClient, cfg Config, log logging.ServiceLogger) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("streamsink: redis client is required")
	}
	if cfg.Handler == nil {
		return nil, sserrors.ErrCallbackRequired
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, errors.New("streamsink: consumer group is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = ids.ConsumerName("")
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Consumer{
		client:   client,
		cfg:      cfg,
		log:      log.With(logging.LogFields{"group": cfg.Group, "consumer": cfg.Consumer}),
		inflight: make(map[string]*tracked),
		now:      time.Now,
	}, nil
}

// Name returns the consumer identity within the group.
func (c *Consumer) Name() string {
	return c.cfg.Consumer
}

// Start creates the group on every stream (an existing group is fine) and
// begins reading in the background.
func (c *Consumer) Start(ctx context.Context, streams []string, opts Options) error {
	if len(streams) == 0 {
		return sserrors.ErrNoStreams
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return sserrors.ErrAlreadyRunning
	}

	opts = opts.withDefaults()
	for _, stream := range streams {
		if err := c.ensureGroup(ctx, stream); err != nil {
			return err
		}
	}

	readCtx, stopRead := context.WithCancel(ctx)
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		streams:     append([]string(nil), streams...),
		opts:        opts,
		sem:         make(chan struct{}, opts.ConcurrencyLimit),
		workCtx:     workCtx,
		stopRead:    stopRead,
		stopWork:    stopWork,
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		lastReclaim: c.now(),
	}
	c.cur = s
	c.inflight = make(map[string]*tracked)
	c.running = true

	c.log.Info("Consumer started", logging.LogFields{
		"streams":           strings.Join(streams, ","),
		"batch_size":        opts.BatchSize,
		"concurrency_limit": opts.ConcurrencyLimit,
	})

	go c.run(readCtx, s)
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, stream, err)
	}
	return nil
}

func (c *Consumer) run(ctx context.Context, s *session) {
	defer close(s.done)

	keys := make([]string, 0, 2*len(s.streams))
	keys = append(keys, s.streams...)
	for range s.streams {
		keys = append(keys, ">")
	}

	for ctx.Err() == nil {
		if c.cfg.Gate != nil && !c.cfg.Gate() {
			if !sleepContext(ctx, s.opts.BlockTimeout) {
				return
			}
			continue
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  keys,
			Count:    int64(s.opts.BatchSize),
			Block:    s.opts.BlockTimeout,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			c.readErrors.Add(1)
			c.log.Error("Stream read failed", err, nil)
			if !sleepContext(ctx, s.opts.ReadErrorDelay) {
				return
			}
			continue
		}

		for _, xs := range res {
			for _, msg := range xs.Messages {
				c.read.Add(1)
				if !c.dispatch(ctx, s, Entry{Stream: xs.Stream, ID: msg.ID, Values: msg.Values}) {
					return
				}
			}
		}

		if c.reclaimDue(s) {
			if _, err := c.reclaim(ctx, s); err != nil && ctx.Err() == nil {
				c.log.Error("Reclaim failed", err, nil)
			}
		}
	}
}

// dispatch waits for a free slot and processes entry in its own goroutine.
// It returns false when the session stopped while waiting.
func (c *Consumer) dispatch(ctx context.Context, s *session, entry Entry) bool {
	if c.tracking(entry.key()) {
		return true
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	case <-s.stopping:
		return false
	}

	c.mu.Lock()
	if _, busy := c.inflight[entry.key()]; busy {
		c.mu.Unlock()
		<-s.sem
		return true
	}
	t := &tracked{entry: entry, session: s}
	c.inflight[entry.key()] = t
	c.mu.Unlock()

	go c.process(t)
	return true
}

func (c *Consumer) process(t *tracked) {
	s := t.session
	timer := time.AfterFunc(s.opts.ProcessingTimeout, func() { c.abandon(t) })

	settle := func() bool { return c.settle(t) }
	disposition := c.handle(context.WithValue(s.workCtx, settleKey{}, settle), t.entry)

	if !c.settle(t) {
		return
	}
	timer.Stop()

	if disposition == Ack {
		if _, err := c.Ack(s.workCtx, t.entry.Stream, t.entry.ID); err != nil {
			c.log.Error("Ack failed; entry stays pending", err, logging.LogFields{"stream": t.entry.Stream, "entry_id": t.entry.ID})
		}
	}
	c.release(t)
}

func (c *Consumer) handle(ctx context.Context, entry Entry) (disposition Disposition) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Handler panicked; entry stays pending", fmt.Errorf("panic: %v", r), logging.LogFields{
				"stream":   entry.Stream,
				"entry_id": entry.ID,
			})
			disposition = Retain
		}
	}()
	return c.cfg.Handler(ctx, entry)
}

// settle marks t finished unless its watchdog already fired. It is safe to
// call more than once.
func (c *Consumer) settle(t *tracked) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.abandoned {
		return false
	}
	t.finished = true
	return true
}

// abandon fires when the watchdog expires: the slot is freed, the entry stays
// pending and the late result is ignored.
func (c *Consumer) abandon(t *tracked) {
	c.mu.Lock()
	if t.finished || t.abandoned {
		c.mu.Unlock()
		return
	}
	t.abandoned = true
	c.removeLocked(t)
	c.mu.Unlock()

	c.timedOut.Add(1)
	c.log.Error("Entry processing timed out; leaving it pending", sserrors.ErrProcessingTimeout, logging.LogFields{
		"stream":   t.entry.Stream,
		"entry_id": t.entry.ID,
		"timeout":  t.session.opts.ProcessingTimeout.String(),
	})
	if c.cfg.OnTimeout != nil {
		c.cfg.OnTimeout(t.entry)
	}
}

func (c *Consumer) release(t *tracked) {
	c.mu.Lock()
	c.removeLocked(t)
	c.mu.Unlock()
}

func (c *Consumer) removeLocked(t *tracked) {
	if cur, ok := c.inflight[t.entry.key()]; ok && cur == t {
		delete(c.inflight, t.entry.key())
	}
	<-t.session.sem
}

func (c *Consumer) tracking(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// Ack acknowledges an entry. It reports false, without error, when the entry
// was no longer pending, so repeated acks are counted once.
func (c *Consumer) Ack(ctx context.Context, stream, id string) (bool, error) {
	n, err := c.client.XAck(ctx, stream, c.cfg.Group, id).Result()
	if err != nil {
		return false, fmt.Errorf("ack %s/%s: %w", stream, id, err)
	}
	if n == 0 {
		return false, nil
	}
	c.acked.Add(1)
	return true, nil
}

// Reclaim claims entries that sat in the pending list longer than the
// processing timeout and redispatches them. It returns how many were claimed.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	c.mu.Lock()
	s, running := c.cur, c.running
	c.mu.Unlock()
	if !running || s == nil {
		return 0, sserrors.ErrNotRunning
	}
	return c.reclaim(ctx, s)
}

func (c *Consumer) reclaimDue(s *session) bool {
	c.reclaimMu.Lock()
	defer c.reclaimMu.Unlock()
	return c.now().Sub(s.lastReclaim) >= s.opts.ReclaimInterval
}

func (c *Consumer) reclaim(ctx context.Context, s *session) (int, error) {
	c.reclaimMu.Lock()
	s.lastReclaim = c.now()
	c.reclaimMu.Unlock()

	total := 0
	var errs []error
	for _, stream := range s.streams {
		n, err := c.reclaimStream(ctx, s, stream)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (c *Consumer) reclaimStream(ctx context.Context, s *session, stream string) (int, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  reclaimScanCount,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("pending %s: %w", stream, err)
	}

	candidates := make(map[string]model.PendingEntry)
	var ids []string
	for _, p := range pending {
		if p.Idle < s.opts.ProcessingTimeout || c.tracking(stream+"/"+p.ID) {
			continue
		}
		ids = append(ids, p.ID)
		candidates[p.ID] = model.PendingEntry{
			Stream:        stream,
			EntryID:       p.ID,
			Consumer:      p.Consumer,
			DeliveryCount: p.RetryCount,
			Idle:          p.Idle,
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// MinIdle makes the claim conditional, so a concurrent claimer wins at most once.
	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  s.opts.ProcessingTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	claimed := make([]model.PendingEntry, 0, len(msgs))
	for _, msg := range msgs {
		p := candidates[msg.ID]
		p.Consumer = c.cfg.Consumer
		p.DeliveryCount++
		claimed = append(claimed, p)
	}
	c.reclaimed.Add(uint64(len(claimed)))
	c.log.Info("Reclaimed stale entries", logging.LogFields{"stream": stream, "count": len(claimed)})
	if c.cfg.OnReclaim != nil {
		c.cfg.OnReclaim(stream, claimed)
	}

	for i, msg := range msgs {
		entry := Entry{
			Stream:        stream,
			ID:            msg.ID,
			Values:        msg.Values,
			Reclaimed:     true,
			DeliveryCount: claimed[i].DeliveryCount,
		}
		if !c.dispatch(ctx, s, entry) {
			break
		}
	}
	return len(msgs), nil
}

// Disconnect stops reading, waits for in-flight entries (bounded by ctx) and
// closes the client. Entries still running when ctx expires stay pending and
// ErrDrainTimeout is returned.
func (c *Consumer) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	s := c.cur
	if !c.running || s == nil {
		c.mu.Unlock()
		return sserrors.ErrNotRunning
	}
	c.running = false
	c.mu.Unlock()

	s.stopRead()
	close(s.stopping)
	defer s.stopWork()

	var err error
	select {
	case <-s.done:
		err = c.drain(ctx)
	case <-ctx.Done():
		err = fmt.Errorf("%w: read loop still running", sserrors.ErrDrainTimeout)
	}

	if closeErr := c.client.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close redis client: %w", closeErr)
	}

	fields := logging.LogFields{"in_flight": c.InFlight()}
	if err != nil {
		c.log.Error("Consumer stopped before draining", err, fields)
	} else {
		c.log.Info("Consumer stopped", fields)
	}
	return err
}

func (c *Consumer) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		n := c.InFlight()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d entries still in flight", sserrors.ErrDrainTimeout, n)
		case <-ticker.C:
		}
	}
}

// Running reports whether the read loop is active.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// InFlight returns the number of entries currently tracked.
func (c *Consumer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Read:       c.read.Load(),
		Acked:      c.acked.Load(),
		Reclaimed:  c.reclaimed.Load(),
		TimedOut:   c.timedOut.Load(),
		ReadErrors: c.readErrors.Load(),
		InFlight:   c.InFlight(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
