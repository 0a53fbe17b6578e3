package streamsink

import (
	runtimepkg "github.com/drblury/streamsink/internal/runtime"
	codecpkg "github.com/drblury/streamsink/internal/runtime/codec"
	configpkg "github.com/drblury/streamsink/internal/runtime/config"
	errspkg "github.com/drblury/streamsink/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamsink/internal/runtime/logging"
	modelpkg "github.com/drblury/streamsink/internal/runtime/model"
	resiliencepkg "github.com/drblury/streamsink/internal/runtime/resilience"
	sinkpkg "github.com/drblury/streamsink/internal/runtime/sink"
	streampkg "github.com/drblury/streamsink/internal/runtime/stream"
	transformpkg "github.com/drblury/streamsink/internal/runtime/transform"
	transportpkg "github.com/drblury/streamsink/internal/runtime/transport"
)

type (
	Config           = configpkg.Config
	RedisConfig      = configpkg.RedisConfig
	ConsumerConfig   = configpkg.ConsumerConfig
	ClickHouseConfig = configpkg.ClickHouseConfig
	SinkConfig       = configpkg.SinkConfig
	RetryConfig      = configpkg.RetryConfig
	BreakerConfig    = configpkg.BreakerConfig
	DeadLetterConfig = configpkg.DeadLetterConfig
	TransformConfig  = configpkg.TransformConfig
	HTTPConfig       = configpkg.HTTPConfig
	LogConfig        = configpkg.LogConfig
	RuleConfig       = transformpkg.RuleConfig

	Service      = runtimepkg.Service
	Dependencies = runtimepkg.Dependencies
	ServiceState = runtimepkg.ServiceState
	Health       = runtimepkg.Health
	Metrics      = runtimepkg.Metrics
	Collector    = runtimepkg.Collector

	// Entry lifecycle hooks
	ServiceHooks = runtimepkg.ServiceHooks
	EntryContext = runtimepkg.EntryContext
	Alert        = runtimepkg.Alert

	Event              = modelpkg.Event
	TagReading         = modelpkg.TagReading
	Quality            = modelpkg.Quality
	Value              = modelpkg.Value
	DataPoint          = modelpkg.DataPoint
	TransformationRule = modelpkg.TransformationRule
	CircuitState       = modelpkg.CircuitState
	PendingEntry       = modelpkg.PendingEntry

	Store            = sinkpkg.Store
	DeadLetterRecord = resiliencepkg.DeadLetterRecord
	CircuitEvent     = resiliencepkg.CircuitEvent
	Outcome          = resiliencepkg.Outcome
	ErrorKind        = resiliencepkg.ErrorKind
	Transport        = transportpkg.Transport
	StreamEntry      = streampkg.Entry

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	InvalidEventError     = modelpkg.InvalidEventError
	CircuitOpenError      = resiliencepkg.CircuitOpenError
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	NewService     = runtimepkg.NewService
	NewCollector   = runtimepkg.NewCollector
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Defaults
	RegisterFlags  = configpkg.RegisterFlags
	ValidateConfig = configpkg.ValidateConfig

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewTextLogger             = loggingpkg.NewTextLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NumberValue = modelpkg.NumberValue
	BoolValue   = modelpkg.BoolValue
	StringValue = modelpkg.StringValue
	ObjectValue = modelpkg.ObjectValue

	DecodeEvent              = codecpkg.DecodeEvent
	EncodeEvent              = codecpkg.EncodeEvent
	OpenClickHouse           = sinkpkg.OpenClickHouse
	BuildDeadLetterTransport = transportpkg.Build
	Permanent                = resiliencepkg.Permanent
)

// Service states.
const (
	StateStopped  = runtimepkg.StateStopped
	StateStarting = runtimepkg.StateStarting
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping
)

// Reading qualities.
const (
	QualityGood      = modelpkg.QualityGood
	QualityBad       = modelpkg.QualityBad
	QualityUncertain = modelpkg.QualityUncertain
)

// Payload content types accepted in an entry's content_type field.
const (
	ContentTypeJSON     = codecpkg.ContentTypeJSON
	ContentTypeMsgpack  = codecpkg.ContentTypeMsgpack
	ContentTypeCBOR     = codecpkg.ContentTypeCBOR
	ContentTypeProtobuf = codecpkg.ContentTypeProtobuf
)

// Entry fields read from every stream entry.
const (
	FieldPayload     = streampkg.FieldPayload
	FieldContentType = streampkg.FieldContentType
)

// Dead-letter transports.
const (
	DeadLetterRedis    = transportpkg.RedisTransport
	DeadLetterKafka    = transportpkg.KafkaTransport
	DeadLetterNATS     = transportpkg.NATSTransport
	DeadLetterRabbitMQ = transportpkg.RabbitMQTransport
	DeadLetterChannel  = transportpkg.ChannelTransport
)

var (
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrShutdownTimeout   = errspkg.ErrShutdownTimeout
	ErrInvalidState      = errspkg.ErrInvalidState
	ErrNotRunning        = errspkg.ErrNotRunning
	ErrSinkNotConnected  = errspkg.ErrSinkNotConnected
	ErrBufferOverflow    = errspkg.ErrBufferOverflow
	ErrProcessingTimeout = errspkg.ErrProcessingTimeout
	ErrPayloadMissing    = errspkg.ErrPayloadMissing
	ErrCircuitOpen       = resiliencepkg.ErrCircuitOpen
)
