// Package streamsink consumes telemetry events from Redis streams, turns them
// into time-series data points and writes them to ClickHouse. It joins a
// consumer group on every configured stream, processes entries concurrently
// up to a limit, and acknowledges an entry only once its points were accepted
// by the sink or the entry was dead-lettered.
//
// A Service is built from a Config (LoadConfig reads YAML, STREAMSINK_*
// environment variables and command-line flags through viper) and started
// with Start. Stop drains in-flight entries within the configured grace
// period; entries still running afterwards stay pending and are reclaimed by
// the next consumer.
//
// # Payloads
//
// Each stream entry carries the encoded event in its payload field and
// optionally a content_type field. JSON is the default; MessagePack, CBOR and
// protobuf Struct payloads are also accepted.
//
// # Transformation
//
// Every tag reading becomes a data point named after the tag unless a rule
// renames it. Rules match a tag exactly or by regular expression, can
// validate a numeric range, scale and offset values and add tags. Each event
// also yields a message_quality point summarising its reading qualities.
//
// # Failure handling
//
// Writes are retried with exponential backoff and jitter. A circuit breaker
// opens after consecutive failures or a high error rate and pauses reading
// until a probe succeeds. Entries that exhaust their retries, or can never be
// processed, are published to a dead-letter destination: a Redis stream by
// default, or Kafka, NATS, RabbitMQ or an in-process channel through
// Watermill. Records in the Redis dead-letter stream can be replayed onto
// their source streams with Service.ReplayDeadLetters.
//
// # Observability
//
// ServiceHooks observe entry outcomes, dead letters, breaker transitions and
// reclaims; LoggingHooks and AlertingHooks are ready-made. Service.Health and
// Service.Metrics return point-in-time snapshots, also served over HTTP at
// /health, /metrics and /metrics/prometheus. Each entry is traced with an
// OpenTelemetry span.
//
// A minimal setup:
//
//	conf, err := streamsink.LoadConfig("streamsink.yaml", nil)
//	if err != nil {
//		return err
//	}
//	logger := streamsink.NewTextLogger(os.Stderr, conf.Log.Level, conf.Log.Format == "json")
//	svc, err := streamsink.NewService(conf, logger, streamsink.Dependencies{
//		Hooks: streamsink.LoggingHooks(logger),
//	})
//	if err != nil {
//		return err
//	}
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	<-ctx.Done()
//	return svc.Stop(context.Background())
package streamsink
