// Package logging provides structured leveled logging for every wardennet
// component, with an optional remote syslog sink.
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Output io.Writer
	Syslog SyslogConfig
}

// DefaultConfig returns sane defaults: info level, stderr, syslog disabled.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger wraps charmbracelet/log with the Info/Warn/Error/Debug/WithError/
// WithFields call shape used throughout this codebase.
type Logger struct {
	base *charmlog.Logger
}

// New constructs a Logger from cfg. If cfg.Syslog.Enabled, log lines are
// additionally forwarded to the configured syslog endpoint.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		}
	}

	base := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05Z07:00",
	})
	base.SetLevel(parseLevel(cfg.Level))

	return &Logger{base: base}
}

func parseLevel(level string) charmlog.Level {
	switch level {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func (l *Logger) Debug(msg string, kv ...any) { l.base.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.base.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.base.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.base.Error(msg, kv...) }

// WithError returns a logger-shaped value whose next call carries "error".
func (l *Logger) WithError(err error) *Entry {
	return &Entry{logger: l, fields: []any{"error", err}}
}

// WithFields returns a logger-shaped value carrying the given key/value map.
func (l *Logger) WithFields(fields map[string]any) *Entry {
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &Entry{logger: l, fields: kv}
}

// With returns a child Logger with the given fields attached to every
// subsequent call, for components that hold onto a logger long-term.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{base: l.base.With(kv...)}
}

// Entry is an intermediate builder returned by WithError/WithFields so calls
// can be chained: logger.WithError(err).WithFields(map[string]any{...}).Error("msg").
type Entry struct {
	logger *Logger
	fields []any
}

func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.fields = append(e.fields, k, v)
	}
	return e
}

func (e *Entry) Debug(msg string) { e.logger.base.Debug(msg, e.fields...) }
func (e *Entry) Info(msg string)  { e.logger.base.Info(msg, e.fields...) }
func (e *Entry) Warn(msg string)  { e.logger.base.Warn(msg, e.fields...) }
func (e *Entry) Error(msg string) { e.logger.base.Error(msg, e.fields...) }
