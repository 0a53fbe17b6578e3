package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streamsink/internal/runtime/config"
	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/logging"
	"github.com/drblury/streamsink/internal/runtime/model"
	"github.com/drblury/streamsink/internal/runtime/resilience"
	"github.com/drblury/streamsink/internal/runtime/sink"
	"github.com/drblury/streamsink/internal/runtime/stream"
	"github.com/drblury/streamsink/internal/runtime/transform"
	"github.com/drblury/streamsink/internal/runtime/transport"
)

const (
	tracerName            = "github.com/drblury/streamsink"
	sinkDisconnectTimeout = 10 * time.Second
	healthPingTimeout     = 2 * time.Second
	defaultShutdownGrace  = 30 * time.Second
)

// ServiceState is the lifecycle state of a Service.
type ServiceState string

const (
	StateStopped  ServiceState = "STOPPED"
	StateStarting ServiceState = "STARTING"
	StateRunning  ServiceState = "RUNNING"
	StateStopping ServiceState = "STOPPING"
)

// Dependencies holds the collaborators a Service builds its connections
// from. Factories are called on every Start so a stopped service can be
// started again. Nil fields fall back to the configured Redis, ClickHouse and
// dead-letter transport.
type Dependencies struct {
	Broker     func() (redis.UniversalClient, error)
	Store      func() (sink.Store, error)
	DeadLetter func(rdb redis.UniversalClient) (transport.Transport, error)
	// Registry receives the Prometheus collectors. Nil means a private
	// registry.
	Registry *prometheus.Registry
	Hooks    ServiceHooks
	Tracer   trace.Tracer
}

// Service consumes the configured streams, transforms each entry and writes
// the resulting points to the sink.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	deps        Dependencies
	transformer *transform.Transformer
	handler     *resilience.Handler
	collector   *Collector
	stats       *processingStats
	resources   *resourceSampler
	hooks       ServiceHooks
	tracer      trace.Tracer

	lifecycleMu sync.Mutex

	mu         sync.RWMutex
	state      ServiceState
	startedAt  time.Time
	broker     redis.UniversalClient
	sink       *sink.Client
	consumer   *stream.Consumer
	deadLetter transport.Transport
	dlq        *resilience.PublisherSink
	httpServer *http.Server
	httpAddr   string
	cancelRun  context.CancelFunc
	tickerDone chan struct{}
}

// NewService validates conf and prepares a stopped Service. Connections are
// opened by Start.
func NewService(conf *config.Config, log logging.ServiceLogger, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, sserrors.ErrConfigRequired
	}
	if log == nil {
		return nil, sserrors.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, sserrors.NewConfigValidationError(err)
	}
	rules, err := transform.CompileRules(conf.Transform.Rules)
	if err != nil {
		return nil, sserrors.NewConfigValidationError(err)
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	collector := NewCollector(registry)
	if err := collector.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s := &Service{
		Conf:   conf,
		Logger: log,
		deps:   deps,
		transformer: transform.New(transform.Options{
			Rules:                 rules,
			DisableQualityMetrics: conf.Transform.DisableQualityMetrics,
		}),
		collector: collector,
		stats:     newProcessingStats(),
		resources: newResourceSampler(),
		hooks:     metricsHooks(collector).Merge(deps.Hooks),
		tracer:    deps.Tracer,
		state:     StateStopped,
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.deps.Broker == nil {
		s.deps.Broker = func() (redis.UniversalClient, error) { return newRedisClient(conf.Redis) }
	}
	if s.deps.Store == nil {
		s.deps.Store = func() (sink.Store, error) { return openClickHouse(conf.ClickHouse) }
	}
	if s.deps.DeadLetter == nil {
		wmLogger := logging.NewWatermillAdapter(log)
		s.deps.DeadLetter = func(rdb redis.UniversalClient) (transport.Transport, error) {
			return transport.Build(conf.DeadLetter, rdb, wmLogger)
		}
	}

	s.handler = resilience.NewHandler(resilience.Options{
		MaxRetries:        conf.Retry.MaxRetries,
		InitialDelay:      conf.Retry.InitialDelay,
		MaxDelay:          conf.Retry.MaxDelay,
		BackoffMultiplier: conf.Retry.BackoffMultiplier,
		JitterMax:         conf.Retry.JitterMax,
		Breaker: resilience.BreakerOptions{
			ConsecutiveFailuresThreshold: conf.Breaker.ConsecutiveFailuresThreshold,
			ErrorRateThreshold:           conf.Breaker.ErrorRateThreshold,
			MinimumRequests:              conf.Breaker.MinimumRequests,
			Cooldown:                     conf.Breaker.Cooldown,
		},
	}, resilience.DeadLetterSinkFunc(s.routeDeadLetter), s, log)

	log.Info("Created stream sink service", logging.LogFields{
		"streams": strings.Join(conf.StreamNames(), ","),
		"group":   conf.Consumer.Group,
		"config":  conf,
	})
	return s, nil
}

func newRedisClient(conf config.RedisConfig) (redis.UniversalClient, error) {
	if strings.HasPrefix(conf.Addr, "redis://") || strings.HasPrefix(conf.Addr, "rediss://") {
		opts, err := redis.ParseURL(conf.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	}), nil
}

func openClickHouse(conf config.ClickHouseConfig) (sink.Store, error) {
	store, err := sink.OpenClickHouse(sink.ClickHouseConfig{
		Addr:        conf.Addr,
		Database:    conf.Database,
		Username:    conf.Username,
		Password:    conf.Password,
		Table:       conf.Table,
		DialTimeout: conf.DialTimeout,
		Compression: conf.Compression,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// State returns the current lifecycle state.
func (s *Service) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Service) setState(state ServiceState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.Logger.Debug("Service state changed", logging.LogFields{"from": string(prev), "to": string(state)})
}

// Start connects the broker and the sink, then starts consuming. A failure
// at any step leaves every connection closed and the service stopped.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if state := s.State(); state != StateStopped {
		return fmt.Errorf("%w: cannot start from %s", sserrors.ErrInvalidState, state)
	}
	s.setState(StateStarting)
	if err := s.start(ctx); err != nil {
		s.setState(StateStopped)
		s.Logger.Error("Service failed to start", err, nil)
		return err
	}
	s.setState(StateRunning)
	s.Logger.Info("Service started", logging.LogFields{"consumer": s.consumerName()})
	return nil
}

func (s *Service) start(ctx context.Context) error {
	broker, err := s.deps.Broker()
	if err != nil {
		return fmt.Errorf("create broker client: %w", err)
	}
	if err := broker.Ping(ctx).Err(); err != nil {
		_ = broker.Close()
		return fmt.Errorf("connect broker: %w", err)
	}

	store, err := s.deps.Store()
	if err != nil {
		_ = broker.Close()
		return fmt.Errorf("open store: %w", err)
	}
	sinkClient := sink.NewClient(store, sink.Options{
		BatchSize:     s.Conf.Sink.BatchSize,
		FlushInterval: s.Conf.Sink.FlushInterval,
		RetryAttempts: s.Conf.Sink.RetryAttempts,
		RetryDelay:    s.Conf.Sink.RetryDelay,
		MaxBufferSize: s.Conf.Sink.MaxBufferSize,
	}, s.Logger)
	if err := sinkClient.Connect(ctx); err != nil {
		_ = store.Close()
		_ = broker.Close()
		return err
	}

	// Connections are owned from here on; unwind them on any later failure.
	ok := false
	var dl transport.Transport
	defer func() {
		if ok {
			return
		}
		_ = dl.Close()
		_ = sinkClient.Disconnect(context.WithoutCancel(ctx))
		_ = broker.Close()
		s.mu.Lock()
		s.broker, s.sink, s.deadLetter, s.dlq, s.consumer = nil, nil, transport.Transport{}, nil, nil
		s.mu.Unlock()
	}()

	dl, err = s.deps.DeadLetter(broker)
	if err != nil {
		return fmt.Errorf("build dead-letter transport: %w", err)
	}
	dlq, err := resilience.NewPublisherSink(dl.Publisher, s.Conf.DeadLetter.Topic)
	if err != nil {
		return fmt.Errorf("dead-letter sink: %w", err)
	}

	consumer, err := stream.NewConsumer(broker, stream.Config{
		Group:     s.Conf.Consumer.Group,
		Consumer:  s.Conf.Consumer.Name,
		Handler:   s.processEntry,
		Gate:      s.handler.Breaker().Allow,
		OnTimeout: s.onTimeout,
		OnReclaim: s.onReclaim,
	}, s.Logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.broker = broker
	s.sink = sinkClient
	s.deadLetter = dl
	s.dlq = dlq
	s.consumer = consumer
	s.mu.Unlock()

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	err = consumer.Start(runCtx, s.Conf.StreamNames(), stream.Options{
		BatchSize:         s.Conf.Consumer.BatchSize,
		ConcurrencyLimit:  s.Conf.Consumer.ConcurrencyLimit,
		BlockTimeout:      s.Conf.Consumer.BlockTimeout,
		ProcessingTimeout: s.Conf.Consumer.ProcessingTimeout,
		ReclaimInterval:   s.Conf.Consumer.ReclaimInterval,
		ReadErrorDelay:    s.Conf.Consumer.ReadErrorDelay,
	})
	if err != nil {
		cancelRun()
		return fmt.Errorf("start consumer: %w", err)
	}

	if err := s.startHTTP(); err != nil {
		cancelRun()
		_ = consumer.Disconnect(context.WithoutCancel(ctx))
		return err
	}

	tickerDone := make(chan struct{})
	go s.metricsLoop(runCtx, tickerDone)

	s.mu.Lock()
	s.cancelRun = cancelRun
	s.tickerDone = tickerDone
	s.startedAt = time.Now()
	s.mu.Unlock()
	ok = true
	return nil
}

func (s *Service) startHTTP() error {
	if !s.Conf.HTTPEnabled() {
		return nil
	}
	ln, err := net.Listen("tcp", s.Conf.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Conf.HTTP.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.httpAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("HTTP server stopped", err, logging.LogFields{"addr": ln.Addr().String()})
		}
	}()
	s.Logger.Info("HTTP server listening", logging.LogFields{"addr": ln.Addr().String()})
	return nil
}

// HTTPAddr is the address the health and metrics server listens on, empty
// when it is disabled or the service is not running.
func (s *Service) HTTPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpAddr
}

// Stop stops reading, waits up to Conf.ShutdownGrace for in-flight entries,
// flushes the sink and closes every connection. When the grace period runs
// out the remaining entries stay pending and the returned error matches
// ErrShutdownTimeout.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch state := s.State(); state {
	case StateStopped:
		return nil
	case StateRunning:
	default:
		return fmt.Errorf("%w: cannot stop from %s", sserrors.ErrInvalidState, state)
	}
	s.setState(StateStopping)
	defer s.setState(StateStopped)

	s.mu.RLock()
	consumer, sinkClient, dl, srv := s.consumer, s.sink, s.deadLetter, s.httpServer
	cancelRun, tickerDone := s.cancelRun, s.tickerDone
	s.mu.RUnlock()

	grace := s.Conf.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	drainErr := consumer.Disconnect(graceCtx)

	cancelRun()
	<-tickerDone

	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), sinkDisconnectTimeout)
	defer cancelClose()

	var errs []error
	if drainErr != nil {
		if errors.Is(drainErr, sserrors.ErrDrainTimeout) {
			errs = append(errs, sserrors.ErrShutdownTimeout)
		}
		errs = append(errs, drainErr)
	}
	if err := sinkClient.Disconnect(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect sink: %w", err))
	}
	if err := dl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dead-letter transport: %w", err))
	}
	if srv != nil {
		if err := srv.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		s.mu.Lock()
		s.httpServer = nil
		s.httpAddr = ""
		s.mu.Unlock()
	}

	err := errors.Join(errs...)
	if err != nil {
		s.Logger.Error("Service stopped with errors", err, nil)
	} else {
		s.Logger.Info("Service stopped", logging.LogFields{"uptime": time.Since(s.startedAtTime()).String()})
	}
	return err
}

func (s *Service) startedAtTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *Service) consumerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.consumer == nil {
		return s.Conf.Consumer.Name
	}
	return s.consumer.Name()
}

func (s *Service) sinkClient() *sink.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

// Collector exposes the Prometheus collector.
func (s *Service) Collector() *Collector {
	return s.collector
}

// ErrorHandler exposes the retry and circuit-breaker handler.
func (s *Service) ErrorHandler() *resilience.Handler {
	return s.handler
}

func (s *Service) routeDeadLetter(ctx context.Context, record resilience.DeadLetterRecord) error {
	s.mu.RLock()
	dlq := s.dlq
	s.mu.RUnlock()
	if dlq == nil {
		return sserrors.ErrPublisherRequired
	}
	if err := dlq.Route(ctx, record); err != nil {
		return err
	}
	if s.hooks.OnDeadLetter != nil {
		s.hooks.OnDeadLetter(record)
	}
	return nil
}

// OnCircuitOpen implements resilience.Observer.
func (s *Service) OnCircuitOpen(ev resilience.CircuitEvent) {
	s.Logger.Error("Circuit breaker opened; consumption paused", errors.New(ev.Reason), logging.LogFields{
		"breaker":              ev.Breaker,
		"consecutive_failures": ev.ConsecutiveFailures,
		"error_rate":           ev.ErrorRate,
	})
	if s.hooks.OnCircuitOpen != nil {
		s.hooks.OnCircuitOpen(ev)
	}
}

// OnCircuitClose implements resilience.Observer.
func (s *Service) OnCircuitClose(ev resilience.CircuitEvent) {
	s.Logger.Info("Circuit breaker closed; consumption resumed", logging.LogFields{"breaker": ev.Breaker})
	if s.hooks.OnCircuitClose != nil {
		s.hooks.OnCircuitClose(ev)
	}
}

func (s *Service) onTimeout(entry stream.Entry) {
	s.stats.recordTimeout()
	if s.hooks.OnEntryTimeout != nil {
		s.hooks.OnEntryTimeout(entryContext(entry, s.consumerName(), time.Time{}))
	}
}

func (s *Service) onReclaim(streamName string, claimed []model.PendingEntry) {
	if s.hooks.OnReclaim != nil {
		s.hooks.OnReclaim(streamName, claimed)
	}
}

// Reclaim claims entries idle longer than the processing timeout from every
// stream's pending list and reprocesses them. The running consumer also does
// this every Consumer.ReclaimInterval.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	s.mu.RLock()
	consumer := s.consumer
	s.mu.RUnlock()
	if consumer == nil {
		return 0, sserrors.ErrNotRunning
	}
	return consumer.Reclaim(ctx)
}

// ReplayDeadLetters moves up to count dead-lettered entries back onto their
// source streams and returns how many were moved. Only the redis dead-letter
// transport can be replayed.
func (s *Service) ReplayDeadLetters(ctx context.Context, count int64) (int, error) {
	s.mu.RLock()
	consumer, dl := s.consumer, s.deadLetter
	s.mu.RUnlock()
	if consumer == nil || !consumer.Running() {
		return 0, sserrors.ErrNotRunning
	}
	if dl.Name != transport.RedisTransport {
		return 0, fmt.Errorf("replay is not supported for the %s dead-letter transport", dl.Name)
	}
	replayed, err := consumer.ReplayDeadLetters(ctx, s.Conf.DeadLetter.Topic, count)
	total := 0
	for source, n := range replayed {
		s.collector.RecordReplayed(source, n)
		total += n
	}
	return total, err
}

func (s *Service) metricsLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := s.Conf.MetricsInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.Metrics()
			s.Logger.Info("Consumer metrics", logging.LogFields{
				"processed":      m.MessagesProcessed,
				"failed":         m.MessagesFailed,
				"dead_lettered":  m.DeadLettered,
				"points_written": m.DataPointsWritten,
				"write_errors":   m.WriteErrors,
				"rate":           m.ProcessingRate,
				"avg_latency_ms": m.AverageLatencyMs,
				"in_flight":      m.InFlight,
				"circuit_state":  m.CircuitState,
			})
		}
	}
}
