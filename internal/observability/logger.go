// Package observability provides the structured logging facade used
// across the API, worker, and CLI processes.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with docuvision-specific conventions.
type Logger struct {
	zl zerolog.Logger
}

// LogConfig configures a Logger.
type LogConfig struct {
	Level       string
	Format      string // "json" or "console"
	Output      io.Writer
	ServiceName string
}

// NewLogger builds a Logger from the given configuration.
func NewLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(output)
	}

	zl = zl.With().Timestamp().Str("service", cfg.ServiceName).Logger()

	return &Logger{zl: zl}
}

// DefaultLogger returns a logger suitable for local development.
func DefaultLogger() *Logger {
	return NewLogger(LogConfig{Level: "debug", Format: "console", ServiceName: "docuvision"})
}

// With starts a derived-logger builder.
func (l *Logger) With() *LoggerContext { return &LoggerContext{ctx: l.zl.With()} }

// WithWorker returns a logger tagged with a worker identity.
func (l *Logger) WithWorker(workerID string) *Logger {
	return &Logger{zl: l.zl.With().Str("worker_id", workerID).Logger()}
}

// WithDocument returns a logger tagged with a document id.
func (l *Logger) WithDocument(id int64) *Logger {
	return &Logger{zl: l.zl.With().Int64("document_id", id).Logger()}
}

func (l *Logger) Debug() *LogEvent { return &LogEvent{evt: l.zl.Debug()} }
func (l *Logger) Info() *LogEvent  { return &LogEvent{evt: l.zl.Info()} }
func (l *Logger) Warn() *LogEvent  { return &LogEvent{evt: l.zl.Warn()} }
func (l *Logger) Error() *LogEvent { return &LogEvent{evt: l.zl.Error()} }
func (l *Logger) Fatal() *LogEvent { return &LogEvent{evt: l.zl.Fatal()} }

// LoggerContext accumulates fields for a derived Logger.
type LoggerContext struct{ ctx zerolog.Context }

func (c *LoggerContext) Str(key, val string) *LoggerContext {
	c.ctx = c.ctx.Str(key, val)
	return c
}

func (c *LoggerContext) Int(key string, val int) *LoggerContext {
	c.ctx = c.ctx.Int(key, val)
	return c
}

func (c *LoggerContext) Logger() *Logger { return &Logger{zl: c.ctx.Logger()} }

// LogEvent represents an in-flight log event.
type LogEvent struct{ evt *zerolog.Event }

func (e *LogEvent) Str(key, val string) *LogEvent {
	e.evt = e.evt.Str(key, val)
	return e
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	e.evt = e.evt.Int(key, val)
	return e
}

func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	e.evt = e.evt.Int64(key, val)
	return e
}

func (e *LogEvent) Float64(key string, val float64) *LogEvent {
	e.evt = e.evt.Float64(key, val)
	return e
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	e.evt = e.evt.Bool(key, val)
	return e
}

func (e *LogEvent) Dur(key string, val time.Duration) *LogEvent {
	e.evt = e.evt.Dur(key, val)
	return e
}

func (e *LogEvent) Err(err error) *LogEvent {
	e.evt = e.evt.Err(err)
	return e
}

func (e *LogEvent) Interface(key string, val interface{}) *LogEvent {
	e.evt = e.evt.Interface(key, val)
	return e
}

func (e *LogEvent) Msg(msg string) { e.evt.Msg(msg) }

func (e *LogEvent) Msgf(format string, args ...interface{}) { e.evt.Msgf(format, args...) }

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
