/*
Package runtime provides the consumer service at the core of streamsink.

# Architecture Overview

A Service reads telemetry events from Redis streams as a member of a consumer
group, turns each event into time-series data points and writes them to
ClickHouse through a batching sink. Every write runs inside the resilience
handler, which retries with backoff and jitter, trips a circuit breaker on
sustained failure and dead-letters entries it cannot process.

# Package Structure

## Core Service (service.go, process.go)

The Service struct wires together:
  - the stream consumer (stream/) and its Redis client
  - the transformer (transform/) and payload codecs (codec/)
  - the sink client (sink/)
  - the error handler and circuit breaker (resilience/)
  - the dead-letter publisher (transport/)
  - the HTTP surface for health and metrics

Each entry is processed in its own goroutine under the consumer's
concurrency limit and traced with an OpenTelemetry span.

## Hooks (hooks.go)

ServiceHooks observe entry outcomes, dead letters, breaker transitions and
reclaims. LoggingHooks and AlertingHooks are ready-made sets; Merge combines
them.

## Stats & Monitoring (stats.go, metrics.go, resources.go, health.go)

  - Latency percentiles (p50, p95, p99) and a one-minute throughput window
  - Error breakdown by kind
  - Prometheus counters, histograms and the breaker gauge on an injected registry
  - Per-stream dead-letter statistics
  - Resource usage sampling

## HTTP (http.go)

A chi router serving /health, /metrics and /metrics/prometheus.

# Sub-packages

  - codec/: payload formats (JSON, MessagePack, CBOR, protobuf Struct)
  - config/: configuration, validation and the viper loader
  - errors/: sentinel errors and error types
  - ids/: ULIDs and consumer names
  - logging/: logger interface and adapters
  - model/: events, readings, data points and rules
  - resilience/: retry, circuit breaker and dead-letter records
  - sink/: batching sink client and the ClickHouse store
  - stream/: Redis stream consumer group client
  - transform/: event to data point transformation
  - transport/: dead-letter publishers (Redis, Kafka, NATS, RabbitMQ, Go channel)

# Usage Example

	conf, err := config.Load("streamsink.yaml", nil)
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(conf, logger, runtime.Dependencies{
		Hooks: runtime.LoggingHooks(logger),
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return svc.Stop(context.Background())
*/
package runtime
