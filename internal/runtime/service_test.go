package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamsink/internal/runtime/codec"
	"github.com/drblury/streamsink/internal/runtime/config"
	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/logging"
	"github.com/drblury/streamsink/internal/runtime/model"
	"github.com/drblury/streamsink/internal/runtime/resilience"
	"github.com/drblury/streamsink/internal/runtime/sink"
)

const (
	testStream     = "telemetry:oven1"
	testGroup      = "streamsink-test"
	testDeadLetter = "streamsink:dead-letter"
	waitFor        = 3 * time.Second
	tick           = 10 * time.Millisecond
)

var errStoreDown = errors.New("clickhouse unavailable")

type fakeStore struct {
	mu      sync.Mutex
	points  []model.DataPoint
	writes  int
	failN   int
	failAll bool
	pingErr error
	closed  bool

	// block holds the first write until it is closed or the write's ctx ends.
	block   chan struct{}
	blocked chan struct{}
}

func newBlockingStore() *fakeStore {
	return &fakeStore{block: make(chan struct{}), blocked: make(chan struct{})}
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) WriteBatch(ctx context.Context, points []model.DataPoint) error {
	f.mu.Lock()
	f.writes++
	n := f.writes
	f.mu.Unlock()

	if f.block != nil && n == 1 {
		close(f.blocked)
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || n <= f.failN {
		return errStoreDown
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeStore) Points() []model.DataPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DataPoint(nil), f.points...)
}

func (f *fakeStore) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStore) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func testConfig(addr string) *config.Config {
	conf := config.Defaults()
	conf.Redis.Addr = addr
	conf.Consumer.Streams = []string{testStream}
	conf.Consumer.Group = testGroup
	conf.Consumer.Name = "worker-1"
	conf.Consumer.BlockTimeout = 20 * time.Millisecond
	conf.Consumer.ProcessingTimeout = 5 * time.Second
	conf.Consumer.ReclaimInterval = time.Hour
	conf.Consumer.ReadErrorDelay = 20 * time.Millisecond
	conf.Sink.BatchSize = 1
	conf.Sink.FlushInterval = time.Hour
	conf.Sink.RetryAttempts = 1
	conf.Sink.RetryDelay = time.Millisecond
	conf.Retry.InitialDelay = time.Millisecond
	conf.Retry.MaxDelay = 5 * time.Millisecond
	conf.Retry.JitterMax = 0
	conf.DeadLetter.Topic = testDeadLetter
	conf.HTTP.HealthEnabled = false
	conf.HTTP.MetricsEnabled = false
	conf.ShutdownGrace = 2 * time.Second
	conf.MetricsInterval = 0
	return conf
}

type testEnv struct {
	svc   *Service
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	store *fakeStore
}

func newTestEnv(t *testing.T, store *fakeStore, mutate func(*config.Config), hooks ServiceHooks) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	if store == nil {
		store = &fakeStore{}
	}
	conf := testConfig(mr.Addr())
	if mutate != nil {
		mutate(conf)
	}

	svc, err := NewService(conf, logging.NewNopLogger(), Dependencies{
		Broker: func() (redis.UniversalClient, error) {
			return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
		},
		Store:    func() (sink.Store, error) { return store, nil },
		Registry: prometheus.NewRegistry(),
		Hooks:    hooks,
	})
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return &testEnv{svc: svc, mr: mr, rdb: rdb, store: store}
}

func testEvent(t *testing.T, id string, temperature float64) []byte {
	t.Helper()
	payload, err := codec.EncodeEvent(codec.ContentTypeJSON, model.Event{
		ID:          id,
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		EquipmentID: "oven1",
		Site:        "plant-a",
		ProductType: "bread",
		LineNumber:  1,
		Tags: []model.TagReading{
			{TagID: "temperature", Value: model.NumberValue(temperature), Quality: model.QualityGood},
		},
	})
	require.NoError(t, err)
	return payload
}

func (e *testEnv) publish(t *testing.T, values ...any) string {
	t.Helper()
	id, err := e.rdb.XAdd(context.Background(), &redis.XAddArgs{Stream: testStream, Values: values}).Result()
	require.NoError(t, err)
	return id
}

func (e *testEnv) pending(t *testing.T) int64 {
	t.Helper()
	p, err := e.rdb.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return p.Count
}

func (e *testEnv) deadLetters(t *testing.T) int64 {
	t.Helper()
	n, err := e.rdb.XLen(context.Background(), testDeadLetter).Result()
	require.NoError(t, err)
	return n
}

func findPoint(points []model.DataPoint, measurement string) (model.DataPoint, bool) {
	for _, p := range points {
		if p.Measurement == measurement {
			return p, true
		}
	}
	return model.DataPoint{}, false
}

func TestNewServiceRejectsBadInput(t *testing.T) {
	_, err := NewService(nil, logging.NewNopLogger(), Dependencies{})
	assert.ErrorIs(t, err, sserrors.ErrConfigRequired)

	_, err = NewService(testConfig("localhost:6379"), nil, Dependencies{})
	assert.ErrorIs(t, err, sserrors.ErrLoggerRequired)

	conf := testConfig("localhost:6379")
	conf.Consumer.Streams = nil
	_, err = NewService(conf, logging.NewNopLogger(), Dependencies{})
	var cfgErr sserrors.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestServiceWritesEventAndAcknowledges(t *testing.T) {
	var done atomic.Int32
	env := newTestEnv(t, nil, nil, ServiceHooks{
		OnEntryDone: func(ctx EntryContext) {
			if ctx.DataPoints == 2 && ctx.Outcome == resilience.OutcomeSucceeded {
				done.Add(1)
			}
		},
	})
	ctx := context.Background()

	require.NoError(t, env.svc.Start(ctx))
	assert.Equal(t, StateRunning, env.svc.State())
	env.publish(t, "payload", string(testEvent(t, "e1", 350.5)))

	require.Eventually(t, func() bool { return len(env.store.Points()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return env.pending(t) == 0 }, waitFor, tick)

	temp, ok := findPoint(env.store.Points(), "temperature")
	require.True(t, ok)
	value, _ := temp.Fields["value"].Number()
	assert.Equal(t, 350.5, value)
	assert.Equal(t, "oven1", temp.Tags["equipment_id"])
	assert.Equal(t, "temperature", temp.Tags["tag"])

	quality, ok := findPoint(env.store.Points(), "message_quality")
	require.True(t, ok)
	ratio, _ := quality.Fields["quality_ratio"].Number()
	assert.Equal(t, 1.0, ratio)

	require.Eventually(t, func() bool { return done.Load() == 1 }, waitFor, tick)
	m := env.svc.Metrics()
	assert.Equal(t, uint64(1), m.MessagesProcessed)
	assert.Zero(t, m.MessagesFailed)
	assert.Equal(t, uint64(2), m.DataPointsWritten)
	assert.True(t, m.BrokerConnected)
	assert.True(t, m.SinkConnected)
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
	assert.Equal(t, uint64(1), m.Transformer.EventsProcessed)

	require.NoError(t, env.svc.Stop(ctx))
	assert.Equal(t, StateStopped, env.svc.State())
	assert.True(t, env.store.Closed())
}

func TestServiceDeadLettersMalformedEntries(t *testing.T) {
	var routed atomic.Int32
	env := newTestEnv(t, nil, nil, ServiceHooks{
		OnDeadLetter: func(rec resilience.DeadLetterRecord) {
			if rec.Stream == testStream && rec.ErrorKind == resilience.KindInvalid {
				routed.Add(1)
			}
		},
	})
	require.NoError(t, env.svc.Start(context.Background()))

	env.publish(t, "payload", "not json")
	env.publish(t, "unrelated", "field")

	require.Eventually(t, func() bool { return env.deadLetters(t) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return env.pending(t) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return routed.Load() == 2 }, waitFor, tick)

	m := env.svc.Metrics()
	assert.Equal(t, uint64(2), m.DeadLettered)
	assert.Equal(t, uint64(2), m.Errors.InvalidEvent)
	assert.Equal(t, uint64(2), m.DeadLetters[testStream].Received)
	assert.Zero(t, env.store.Writes())
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
}

func TestServiceRetriesTransientWriteFailures(t *testing.T) {
	store := &fakeStore{failN: 2}
	env := newTestEnv(t, store, nil, ServiceHooks{})
	require.NoError(t, env.svc.Start(context.Background()))

	env.publish(t, "payload", string(testEvent(t, "e1", 20)))

	require.Eventually(t, func() bool { return len(store.Points()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return env.pending(t) == 0 }, waitFor, tick)
	assert.Equal(t, 3, store.Writes())
	assert.Zero(t, env.deadLetters(t))

	m := env.svc.Metrics()
	assert.Equal(t, uint64(1), m.MessagesProcessed)
	assert.Equal(t, uint64(2), m.WriteErrors)
	assert.Equal(t, uint64(2), env.svc.ErrorHandler().Stats().Retries)
}

func TestServiceOpensCircuitAndPausesConsumption(t *testing.T) {
	var opened atomic.Int32
	store := &fakeStore{failAll: true}
	env := newTestEnv(t, store, func(c *config.Config) {
		c.Retry.MaxRetries = 0
		c.Consumer.ConcurrencyLimit = 1
		c.Consumer.BatchSize = 1
		c.Breaker.ConsecutiveFailuresThreshold = 2
		c.Breaker.ErrorRateThreshold = 0
		c.Breaker.Cooldown = time.Hour
	}, ServiceHooks{
		OnCircuitOpen: func(resilience.CircuitEvent) { opened.Add(1) },
	})
	require.NoError(t, env.svc.Start(context.Background()))

	for i := 0; i < 5; i++ {
		env.publish(t, "payload", string(testEvent(t, "e", float64(i))))
	}

	require.Eventually(t, func() bool { return opened.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return env.svc.Metrics().DeadLettered == 2 }, waitFor, tick)

	// Reads stay paused while the breaker is open.
	time.Sleep(100 * time.Millisecond)
	m := env.svc.Metrics()
	assert.Equal(t, model.CircuitOpen, m.CircuitState)
	assert.Equal(t, uint64(2), m.DeadLettered)
	assert.LessOrEqual(t, m.CircuitRejections, uint64(1))

	health := env.svc.Health(context.Background())
	assert.False(t, health.Healthy)
	assert.False(t, health.Checks[CheckCircuit])
	assert.True(t, health.Checks[CheckBroker])
}

func TestServiceStopTimesOutWithEntryInFlight(t *testing.T) {
	store := newBlockingStore()
	env := newTestEnv(t, store, func(c *config.Config) {
		c.ShutdownGrace = 100 * time.Millisecond
	}, ServiceHooks{})
	require.NoError(t, env.svc.Start(context.Background()))

	env.publish(t, "payload", string(testEvent(t, "e1", 1)))
	select {
	case <-store.blocked:
	case <-time.After(waitFor):
		t.Fatal("entry never reached the store")
	}

	err := env.svc.Stop(context.Background())
	require.ErrorIs(t, err, sserrors.ErrShutdownTimeout)
	assert.ErrorIs(t, err, sserrors.ErrDrainTimeout)
	assert.Equal(t, StateStopped, env.svc.State())
	assert.Equal(t, int64(1), env.pending(t))
}

func TestServiceWatchdogAbandonsSlowEntry(t *testing.T) {
	var timedOut atomic.Int32
	store := newBlockingStore()
	env := newTestEnv(t, store, func(c *config.Config) {
		c.Consumer.ProcessingTimeout = 50 * time.Millisecond
	}, ServiceHooks{
		OnEntryTimeout: func(ctx EntryContext) {
			if ctx.Stream == testStream {
				timedOut.Add(1)
			}
		},
	})
	defer close(store.block)
	require.NoError(t, env.svc.Start(context.Background()))

	env.publish(t, "payload", string(testEvent(t, "slow", 1)))

	require.Eventually(t, func() bool { return timedOut.Load() == 1 }, waitFor, tick)
	m := env.svc.Metrics()
	assert.Equal(t, uint64(1), m.Timeouts)
	assert.Zero(t, m.InFlight)
	assert.Equal(t, int64(1), env.pending(t))
}

func TestServiceCountsReclaimedEntryOnce(t *testing.T) {
	var (
		mu   sync.Mutex
		done = map[string]int{}
	)
	store := newBlockingStore()
	env := newTestEnv(t, store, func(c *config.Config) {
		c.Consumer.ProcessingTimeout = 150 * time.Millisecond
		c.Consumer.ReclaimInterval = 20 * time.Millisecond
	}, ServiceHooks{
		OnEntryDone: func(ctx EntryContext) {
			mu.Lock()
			done[ctx.EntryID]++
			mu.Unlock()
		},
	})
	require.NoError(t, env.svc.Start(context.Background()))

	id := env.publish(t, "payload", string(testEvent(t, "e1", 350.5)))
	<-store.blocked

	require.Eventually(t, func() bool { return env.svc.Metrics().Timeouts == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return env.svc.Metrics().Reclaimed >= 1 }, waitFor, tick)
	close(store.block)

	require.Eventually(t, func() bool { return env.pending(t) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return env.svc.Metrics().MessagesProcessed == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	m := env.svc.Metrics()
	assert.Equal(t, uint64(1), m.MessagesProcessed)
	assert.Equal(t, uint64(1), m.Timeouts)
	assert.Equal(t, uint64(1), m.MessagesFailed, "only the timeout counts as a failure")
	mu.Lock()
	assert.Equal(t, map[string]int{id: 1}, done)
	mu.Unlock()
}

func TestServiceStartFailuresLeaveServiceStopped(t *testing.T) {
	store := &fakeStore{pingErr: errStoreDown}
	env := newTestEnv(t, store, nil, ServiceHooks{})

	err := env.svc.Start(context.Background())
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, StateStopped, env.svc.State())
	assert.True(t, store.Closed())

	store.setPingErr(nil)
	require.NoError(t, env.svc.Start(context.Background()))
	assert.Equal(t, StateRunning, env.svc.State())
}

func TestServiceStartFailsWhenBrokerIsDown(t *testing.T) {
	conf := testConfig("127.0.0.1:1")
	store := &fakeStore{}
	svc, err := NewService(conf, logging.NewNopLogger(), Dependencies{
		Store: func() (sink.Store, error) { return store, nil },
	})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect broker")
	assert.Equal(t, StateStopped, svc.State())
	assert.Zero(t, store.Writes())
	assert.False(t, svc.Health(context.Background()).Healthy)
}

func TestServiceLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t, nil, nil, ServiceHooks{})
	ctx := context.Background()

	require.NoError(t, env.svc.Stop(ctx))
	require.NoError(t, env.svc.Start(ctx))
	assert.ErrorIs(t, env.svc.Start(ctx), sserrors.ErrInvalidState)
	require.NoError(t, env.svc.Stop(ctx))

	// A stopped service can be started again with fresh connections.
	require.NoError(t, env.svc.Start(ctx))
	env.publish(t, "payload", string(testEvent(t, "after-restart", 5)))
	require.Eventually(t, func() bool { return env.svc.Metrics().MessagesProcessed == 1 }, waitFor, tick)
}

func TestServiceHealthReflectsBroker(t *testing.T) {
	env := newTestEnv(t, nil, nil, ServiceHooks{})
	ctx := context.Background()

	assert.False(t, env.svc.Health(ctx).Healthy)
	require.NoError(t, env.svc.Start(ctx))

	health := env.svc.Health(ctx)
	assert.True(t, health.Healthy)
	assert.Equal(t, StateRunning, health.State)
	assert.True(t, health.Checks[CheckProcessor])

	env.mr.SetError("ERR server unavailable")
	health = env.svc.Health(ctx)
	assert.False(t, health.Healthy)
	assert.False(t, health.Checks[CheckBroker])
	assert.True(t, health.Checks[CheckSink])

	env.mr.SetError("")
	assert.True(t, env.svc.Health(ctx).Healthy)
}

func TestServiceReplaysDeadLetters(t *testing.T) {
	env := newTestEnv(t, nil, nil, ServiceHooks{})
	ctx := context.Background()

	_, err := env.svc.ReplayDeadLetters(ctx, 10)
	require.ErrorIs(t, err, sserrors.ErrNotRunning)

	require.NoError(t, env.svc.Start(ctx))
	env.publish(t, "payload", "{broken")
	require.Eventually(t, func() bool { return env.deadLetters(t) == 1 }, waitFor, tick)

	n, err := env.svc.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The replayed entry is still malformed and lands in the dead-letter stream again.
	require.Eventually(t, func() bool {
		return env.svc.Metrics().DeadLetters[testStream].Received == 2
	}, waitFor, tick)
	assert.Equal(t, uint64(1), env.svc.Metrics().DeadLetters[testStream].Replayed)
}

func TestServiceHTTPEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) {
		c.HTTP.Addr = "127.0.0.1:0"
		c.HTTP.HealthEnabled = true
		c.HTTP.MetricsEnabled = true
	}, ServiceHooks{})
	require.NoError(t, env.svc.Start(context.Background()))
	base := "http://" + env.svc.HTTPAddr()

	env.publish(t, "payload", string(testEvent(t, "e1", 350.5)))
	require.Eventually(t, func() bool { return env.svc.Metrics().MessagesProcessed == 1 }, waitFor, tick)

	get := func(path string) (int, []byte) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	status, body := get("/health")
	assert.Equal(t, http.StatusOK, status)
	var health Health
	require.NoError(t, codec.UnmarshalJSON(body, &health))
	assert.True(t, health.Healthy)
	assert.True(t, health.Checks[CheckSink])

	status, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	var metrics Metrics
	require.NoError(t, codec.UnmarshalJSON(body, &metrics))
	assert.Equal(t, uint64(1), metrics.MessagesProcessed)
	assert.Equal(t, uint64(2), metrics.DataPointsWritten)

	status, body = get("/metrics/prometheus")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "streamsink_entries_total")

	env.mr.SetError("ERR server unavailable")
	status, _ = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	env.mr.SetError("")

	require.NoError(t, env.svc.Stop(context.Background()))
	assert.Empty(t, env.svc.HTTPAddr())
}
