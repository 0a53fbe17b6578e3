package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/model"
)

const (
	testStream = "telemetry:e1"
	testGroup  = "sink"
)

func fastOptions() Options {
	return Options{
		BatchSize:         10,
		ConcurrencyLimit:  5,
		BlockTimeout:      20 * time.Millisecond,
		ProcessingTimeout: 5 * time.Second,
		ReclaimInterval:   time.Hour,
		ReadErrorDelay:    10 * time.Millisecond,
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, func() *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return rdb
	}
}

func addEntry(t *testing.T, rdb *redis.Client, stream, payload string) string {
	t.Helper()
	id, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: []any{FieldPayload, payload},
	}).Result()
	require.NoError(t, err)
	return id
}

func pendingCount(t *testing.T, rdb *redis.Client, stream string) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), stream, testGroup).Result()
	require.NoError(t, err)
	return p.Count
}

func startConsumer(t *testing.T, rdb redis.UniversalClient, cfg Config, opts Options, streams ...string) *Consumer {
	t.Helper()
	if cfg.Group == "" {
		cfg.Group = testGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	c, err := NewConsumer(rdb, cfg, nil)
	require.NoError(t, err)
	if len(streams) == 0 {
		streams = []string{testStream}
	}
	require.NoError(t, c.Start(context.Background(), streams, opts))
	t.Cleanup(func() {
		if c.Running() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = c.Disconnect(ctx)
		}
	})
	return c
}

func TestNewConsumerValidation(t *testing.T) {
	_, newClient := newTestRedis(t)
	rdb := newClient()
	handler := func(context.Context, Entry) Disposition { return Ack }

	_, err := NewConsumer(nil, Config{Group: "g", Handler: handler}, nil)
	assert.Error(t, err)

	_, err = NewConsumer(rdb, Config{Group: "g"}, nil)
	assert.ErrorIs(t, err, sserrors.ErrCallbackRequired)

	_, err = NewConsumer(rdb, Config{Handler: handler}, nil)
	assert.Error(t, err)

	c, err := NewConsumer(rdb, Config{Group: "g", Handler: handler}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Name())
}

func TestStartValidatesAndRejectsDoubleStart(t *testing.T) {
	_, newClient := newTestRedis(t)
	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition { return Ack }}, fastOptions())

	err := c.Start(context.Background(), []string{testStream}, fastOptions())
	assert.ErrorIs(t, err, sserrors.ErrAlreadyRunning)

	idle, err := NewConsumer(newClient(), Config{Group: testGroup, Handler: func(context.Context, Entry) Disposition { return Ack }}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, idle.Start(context.Background(), nil, fastOptions()), sserrors.ErrNoStreams)
}

func TestStartToleratesExistingGroup(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()
	require.NoError(t, admin.XGroupCreateMkStream(context.Background(), testStream, testGroup, "0").Err())

	startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition { return Ack }}, fastOptions())
}

func TestStartFailsWhenGroupCreationFails(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectXGroupCreateMkStream(testStream, testGroup, "0").SetErr(errors.New("NOPERM no permissions"))

	c, err := NewConsumer(db, Config{Group: testGroup, Handler: func(context.Context, Entry) Disposition { return Ack }}, nil)
	require.NoError(t, err)

	err = c.Start(context.Background(), []string{testStream}, fastOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOPERM")
	assert.False(t, c.Running())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumesAndAcknowledges(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	var mu sync.Mutex
	var got []Entry
	c := startConsumer(t, newClient(), Config{Handler: func(_ context.Context, e Entry) Disposition {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return Ack
	}}, fastOptions(), testStream, "telemetry:e2")

	addEntry(t, admin, testStream, `{"id":"a"}`)
	addEntry(t, admin, testStream, `{"id":"b"}`)
	addEntry(t, admin, "telemetry:e2", `{"id":"c"}`)

	require.Eventually(t, func() bool { return c.Stats().Acked == 3 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, pendingCount(t, admin, testStream))
	assert.Zero(t, pendingCount(t, admin, "telemetry:e2"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	payload, err := got[0].Payload()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"id"`)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Read)
	assert.Zero(t, stats.InFlight)
}

func TestRetainLeavesEntryPending(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition { return Retain }}, fastOptions())
	addEntry(t, admin, testStream, "x")

	require.Eventually(t, func() bool { return c.Stats().Read == 1 && c.InFlight() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), pendingCount(t, admin, testStream))
	assert.Zero(t, c.Stats().Acked)
}

func TestAckIsIdempotent(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()
	require.NoError(t, admin.XGroupCreateMkStream(context.Background(), testStream, testGroup, "0").Err())
	id := addEntry(t, admin, testStream, "x")
	_, err := admin.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group: testGroup, Consumer: "worker-1", Streams: []string{testStream, ">"}, Count: 1,
	}).Result()
	require.NoError(t, err)

	c, err := NewConsumer(newClient(), Config{Group: testGroup, Consumer: "worker-1", Handler: func(context.Context, Entry) Disposition { return Ack }}, nil)
	require.NoError(t, err)

	first, err := c.Ack(context.Background(), testStream, id)
	require.NoError(t, err)
	second, err := c.Ack(context.Background(), testStream, id)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, uint64(1), c.Stats().Acked)
	assert.Zero(t, pendingCount(t, admin, testStream))
}

func TestAckReportsBrokerErrors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectXAck(testStream, testGroup, "1-0").SetErr(errors.New("connection reset"))

	c, err := NewConsumer(db, Config{Group: testGroup, Handler: func(context.Context, Entry) Disposition { return Ack }}, nil)
	require.NoError(t, err)

	ok, err := c.Ack(context.Background(), testStream, "1-0")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection reset")
	assert.Zero(t, c.Stats().Acked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConcurrencyLimitIsRespected(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	for i := 0; i < 8; i++ {
		addEntry(t, admin, testStream, "x")
	}

	var current, peak atomic.Int32
	opts := fastOptions()
	opts.ConcurrencyLimit = 2
	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return Ack
	}}, opts)

	require.Eventually(t, func() bool { return c.Stats().Acked == 8 }, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestWatchdogAbandonsSlowEntry(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	release := make(chan struct{})
	var timedOut atomic.Int32
	opts := fastOptions()
	opts.ProcessingTimeout = 50 * time.Millisecond

	c := startConsumer(t, newClient(), Config{
		Handler: func(context.Context, Entry) Disposition {
			<-release
			return Ack
		},
		OnTimeout: func(Entry) { timedOut.Add(1) },
	}, opts)

	addEntry(t, admin, testStream, "slow")

	require.Eventually(t, func() bool { return c.Stats().TimedOut == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, c.InFlight(), "slot is released when the watchdog fires")
	assert.Equal(t, int32(1), timedOut.Load())

	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, c.Stats().Acked, "late completion must not ack")
	assert.Equal(t, uint64(1), c.Stats().TimedOut)
}

func TestSettleReportsAbandonedEntries(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	release := make(chan struct{})
	settled := make(chan bool, 2)
	opts := fastOptions()
	opts.ProcessingTimeout = 50 * time.Millisecond

	c := startConsumer(t, newClient(), Config{
		Handler: func(ctx context.Context, e Entry) Disposition {
			if e.Values[FieldPayload] == "slow" {
				<-release
			}
			settled <- Settle(ctx)
			return Ack
		},
	}, opts)

	addEntry(t, admin, testStream, "slow")
	require.Eventually(t, func() bool { return c.Stats().TimedOut == 1 }, 2*time.Second, 10*time.Millisecond)
	close(release)
	assert.False(t, <-settled, "late result is not settled")

	addEntry(t, admin, testStream, "fast")
	assert.True(t, <-settled)
	require.Eventually(t, func() bool { return c.Stats().Acked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().TimedOut, "a settled entry cannot time out")
}

func TestSettleOutsideConsumer(t *testing.T) {
	assert.True(t, Settle(context.Background()))
}

func TestReclaimRecoversEntriesOfCrashedConsumer(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()
	ctx := context.Background()

	require.NoError(t, admin.XGroupCreateMkStream(ctx, testStream, testGroup, "0").Err())
	id := addEntry(t, admin, testStream, "orphan")
	_, err := admin.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: testGroup, Consumer: "crashed", Streams: []string{testStream, ">"}, Count: 1,
	}).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pendingCount(t, admin, testStream))

	var mu sync.Mutex
	var redelivered []Entry
	var reclaimed []model.PendingEntry
	opts := fastOptions()
	opts.ProcessingTimeout = 50 * time.Millisecond
	opts.ReclaimInterval = 20 * time.Millisecond

	c := startConsumer(t, newClient(), Config{
		Consumer: "survivor",
		Handler: func(_ context.Context, e Entry) Disposition {
			mu.Lock()
			redelivered = append(redelivered, e)
			mu.Unlock()
			return Ack
		},
		OnReclaim: func(_ string, claimed []model.PendingEntry) {
			mu.Lock()
			reclaimed = append(reclaimed, claimed...)
			mu.Unlock()
		},
	}, opts)

	require.Eventually(t, func() bool { return c.Stats().Acked == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, pendingCount(t, admin, testStream))
	assert.Equal(t, uint64(1), c.Stats().Reclaimed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, redelivered, 1)
	assert.Equal(t, id, redelivered[0].ID)
	assert.True(t, redelivered[0].Reclaimed)
	assert.Equal(t, int64(2), redelivered[0].DeliveryCount)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "survivor", reclaimed[0].Consumer)
	assert.Equal(t, testStream, reclaimed[0].Stream)
}

func TestReclaimSkipsEntriesBelowIdleThreshold(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()
	ctx := context.Background()

	require.NoError(t, admin.XGroupCreateMkStream(ctx, testStream, testGroup, "0").Err())
	addEntry(t, admin, testStream, "fresh")
	_, err := admin.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: testGroup, Consumer: "other", Streams: []string{testStream, ">"}, Count: 1,
	}).Result()
	require.NoError(t, err)

	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition { return Ack }}, fastOptions())

	n, err := c.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), pendingCount(t, admin, testStream))
}

func TestReclaimRequiresRunningConsumer(t *testing.T) {
	_, newClient := newTestRedis(t)
	c, err := NewConsumer(newClient(), Config{Group: testGroup, Handler: func(context.Context, Entry) Disposition { return Ack }}, nil)
	require.NoError(t, err)

	_, err = c.Reclaim(context.Background())
	assert.ErrorIs(t, err, sserrors.ErrNotRunning)
}

func TestGatePausesReading(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	var open atomic.Bool
	c := startConsumer(t, newClient(), Config{
		Handler: func(context.Context, Entry) Disposition { return Ack },
		Gate:    open.Load,
	}, fastOptions())

	addEntry(t, admin, testStream, "x")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, c.Stats().Read)

	open.Store(true)
	require.Eventually(t, func() bool { return c.Stats().Acked == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReadErrorsAreRetried(t *testing.T) {
	mr, newClient := newTestRedis(t)
	admin := newClient()

	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition { return Ack }}, fastOptions())

	mr.SetError("LOADING redis is loading the dataset")
	require.Eventually(t, func() bool { return c.Stats().ReadErrors > 0 }, 2*time.Second, 5*time.Millisecond)
	mr.SetError("")

	addEntry(t, admin, testStream, "after-outage")
	require.Eventually(t, func() bool { return c.Stats().Acked == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicRetainsEntry(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition {
		panic("boom")
	}}, fastOptions())
	addEntry(t, admin, testStream, "x")

	require.Eventually(t, func() bool { return c.Stats().Read == 1 && c.InFlight() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), pendingCount(t, admin, testStream))
}

func TestDisconnectDrainsInFlightEntries(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	started := make(chan struct{})
	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return Ack
	}}, fastOptions())
	addEntry(t, admin, testStream, "x")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Disconnect(ctx))

	assert.False(t, c.Running())
	assert.Equal(t, uint64(1), c.Stats().Acked)
	assert.Zero(t, pendingCount(t, admin, testStream))
	assert.ErrorIs(t, c.Disconnect(ctx), sserrors.ErrNotRunning)
}

func TestDisconnectReportsDrainTimeout(t *testing.T) {
	_, newClient := newTestRedis(t)
	admin := newClient()

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	c := startConsumer(t, newClient(), Config{Handler: func(context.Context, Entry) Disposition {
		close(started)
		<-release
		return Ack
	}}, fastOptions())
	addEntry(t, admin, testStream, "stuck")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Disconnect(ctx)
	assert.ErrorIs(t, err, sserrors.ErrDrainTimeout)
	assert.Equal(t, int64(1), pendingCount(t, admin, testStream))
}

func TestEntryAccessors(t *testing.T) {
	e := Entry{Stream: "s", ID: "1-0", Values: map[string]any{FieldPayload: "data", FieldContentType: "application/cbor"}}
	payload, err := e.Payload()
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), payload)
	assert.Equal(t, "application/cbor", e.ContentType())

	_, err = Entry{Stream: "s", ID: "2-0", Values: map[string]any{}}.Payload()
	assert.ErrorIs(t, err, sserrors.ErrPayloadMissing)
	assert.Empty(t, Entry{}.ContentType())

	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "retain", Retain.String())
}
