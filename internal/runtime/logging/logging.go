package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract shared by the consumer, the sink and
// the error handler. Its shape mirrors watermill.LoggerAdapter so the
// dead-letter publishers log through the same handler as everything else.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// Watermill logs Trace one step below Debug; slog has no such level so trace
// lines fold into debug.
var slogLevels = map[slog.Level]slog.Level{
	watermill.LevelTrace: slog.LevelDebug,
	slog.LevelDebug:      slog.LevelDebug,
	slog.LevelInfo:       slog.LevelInfo,
	slog.LevelWarn:       slog.LevelWarn,
	slog.LevelError:      slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("streamsink: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("streamsink: watermill logger cannot be nil")
	}
	return &wmLogger{adapter: logger}
}

// NewNopLogger returns a ServiceLogger that discards everything.
func NewNopLogger() ServiceLogger {
	return NewWatermillServiceLogger(watermill.NopLogger{})
}

// ForComponent scopes log to a named component. A nil logger yields a nop
// logger so optional logger arguments can be passed straight through.
func ForComponent(log ServiceLogger, component string) ServiceLogger {
	if log == nil {
		return NewNopLogger()
	}
	return log.With(LogFields{"component": component})
}

// NewTextLogger builds a slog logger writing to w at the named level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
// When json is set records are emitted as JSON lines.
func NewTextLogger(w io.Writer, level string, json bool) ServiceLogger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if json {
		return NewSlogServiceLogger(slog.New(slog.NewJSONHandler(w, opts)))
	}
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(w, opts)))
}

// ParseLevel maps a textual level onto slog levels.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// wmLogger forwards ServiceLogger calls to a Watermill adapter.
type wmLogger struct {
	adapter watermill.LoggerAdapter
}

func (l *wmLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return &wmLogger{adapter: l.adapter.With(watermill.LogFields(fields))}
}

func (l *wmLogger) Debug(msg string, fields LogFields) { l.adapter.Debug(msg, wmFields(fields)) }
func (l *wmLogger) Info(msg string, fields LogFields)  { l.adapter.Info(msg, wmFields(fields)) }
func (l *wmLogger) Trace(msg string, fields LogFields) { l.adapter.Trace(msg, wmFields(fields)) }

func (l *wmLogger) Error(msg string, err error, fields LogFields) {
	l.adapter.Error(msg, err, wmFields(fields))
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// for the dead-letter publishers.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("streamsink: ServiceLogger cannot be nil")
	}
	return &publisherLogger{log: log}
}

// publisherLogger is the reverse of wmLogger.
type publisherLogger struct {
	log ServiceLogger
}

func (p *publisherLogger) Debug(msg string, fields watermill.LogFields) { p.log.Debug(msg, svcFields(fields)) }
func (p *publisherLogger) Info(msg string, fields watermill.LogFields)  { p.log.Info(msg, svcFields(fields)) }
func (p *publisherLogger) Trace(msg string, fields watermill.LogFields) { p.log.Trace(msg, svcFields(fields)) }

func (p *publisherLogger) Error(msg string, err error, fields watermill.LogFields) {
	p.log.Error(msg, err, svcFields(fields))
}

func (p *publisherLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &publisherLogger{log: p.log.With(svcFields(fields))}
}

func wmFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func svcFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
