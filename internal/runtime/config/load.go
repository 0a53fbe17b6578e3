package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. STREAMSINK_REDIS_ADDR.
const EnvPrefix = "STREAMSINK"

var defaults = map[string]any{
	"redis.addr":     "localhost:6379",
	"redis.username": "",
	"redis.password": "",
	"redis.db":       0,

	"consumer.streams":            []string{},
	"consumer.equipment":          []string{},
	"consumer.stream_template":    "telemetry:{equipment}",
	"consumer.group":              "streamsink",
	"consumer.name":               "",
	"consumer.batch_size":         10,
	"consumer.concurrency_limit":  5,
	"consumer.block_timeout":      time.Second,
	"consumer.processing_timeout": 30 * time.Second,
	"consumer.reclaim_interval":   10 * time.Second,
	"consumer.read_error_delay":   time.Second,

	"clickhouse.addr":         []string{"localhost:9000"},
	"clickhouse.database":     "default",
	"clickhouse.username":     "default",
	"clickhouse.password":     "",
	"clickhouse.table":        "telemetry_points",
	"clickhouse.dial_timeout": 10 * time.Second,
	"clickhouse.compression":  true,

	"sink.batch_size":      500,
	"sink.flush_interval":  5 * time.Second,
	"sink.retry_attempts":  3,
	"sink.retry_delay":     500 * time.Millisecond,
	"sink.max_buffer_size": 10000,

	"retry.max_retries":        3,
	"retry.initial_delay":      100 * time.Millisecond,
	"retry.max_delay":          10 * time.Second,
	"retry.backoff_multiplier": 2.0,
	"retry.jitter_max":         100 * time.Millisecond,

	"circuit_breaker.consecutive_failures_threshold": 5,
	"circuit_breaker.error_rate_threshold":           0.5,
	"circuit_breaker.minimum_requests":               10,
	"circuit_breaker.cooldown":                       30 * time.Second,

	"dead_letter.transport":     "redis",
	"dead_letter.topic":         "streamsink:dead-letter",
	"dead_letter.max_len":       100000,
	"dead_letter.kafka_brokers": []string{},
	"dead_letter.nats_url":      "",
	"dead_letter.rabbitmq_url":  "",

	"transform.disable_quality_metrics": false,

	"http.addr":            ":8080",
	"http.health_enabled":  true,
	"http.metrics_enabled": true,

	"log.level":  "info",
	"log.format": "text",

	"shutdown_grace":   30 * time.Second,
	"metrics_interval": 30 * time.Second,
}

// Defaults returns a Config populated with the built-in defaults only.
func Defaults() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic("streamsink: invalid built-in defaults: " + err.Error())
	}
	return cfg
}

// Load resolves configuration from, in increasing precedence: defaults, the
// file at path (if non-empty), STREAMSINK_* environment variables and flags
// that were explicitly set. Flags are bound by their config key, e.g.
// --redis.addr.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// RegisterFlags adds the most commonly overridden settings to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("redis.addr", "localhost:6379", "Redis address holding the telemetry streams")
	fs.StringSlice("consumer.streams", nil, "streams to consume")
	fs.StringSlice("consumer.equipment", nil, "equipment ids mapped to streams via the stream template")
	fs.String("consumer.group", "streamsink", "consumer group name")
	fs.String("consumer.name", "", "consumer identity (defaults to hostname plus a random suffix)")
	fs.Int("consumer.concurrency_limit", 5, "maximum entries processed concurrently")
	fs.StringSlice("clickhouse.addr", []string{"localhost:9000"}, "ClickHouse addresses")
	fs.String("dead_letter.transport", "redis", "dead-letter transport: redis, kafka, nats, rabbitmq or channel")
	fs.String("http.addr", ":8080", "address for health and metrics endpoints, empty to disable")
	fs.String("log.level", "info", "log level: debug, info, warn or error")
	fs.Duration("shutdown_grace", 30*time.Second, "maximum time to drain in-flight entries on shutdown")
}
