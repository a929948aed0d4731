// Package logging provides the structured logger used across the locator
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Field is a structured logging attribute
type Field struct {
	Key   string
	Value any
}

// Helpers for common field types
func String(key, value string) Field        { return Field{Key: key, Value: value} }
func Int(key string, value int) Field       { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field   { return Field{Key: key, Value: value} }
func Float(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field     { return Field{Key: key, Value: value} }
func Err(err error) Field                   { return Field{Key: "error", Value: err} }

// Logger is a small structured logging interface
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls logger output
type Config struct {
	Level     string `yaml:"level" mapstructure:"level" env:"LOG_LEVEL"`            // debug, info, warn, error
	Format    string `yaml:"format" mapstructure:"format" env:"LOG_FORMAT"`         // text or json
	AddSource bool   `yaml:"add_source" mapstructure:"add_source" env:"LOG_SOURCE"` // Include source locations
}

// DefaultConfig returns text output at info level
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// New constructs a slog-backed Logger writing to stderr
func New(cfg Config) Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter constructs a slog-backed Logger writing to w
func NewWithWriter(cfg Config, w io.Writer) Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &slogger{l: slog.New(handler), level: level}
}

// NewFromEnv overlays LOG_LEVEL, LOG_FORMAT and LOG_SOURCE onto base
func NewFromEnv(base Config) (Logger, error) {
	cfg := base
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse logging environment: %w", err)
	}
	return New(cfg), nil
}

// Noop returns a logger that drops everything
func Noop() Logger { return noopLogger{} }

// SetLevel changes the level of a logger built by New, reporting whether l has one.
// Loggers derived through With share the change.
func SetLevel(l Logger, level string) bool {
	sl, ok := l.(*slogger)
	if ok {
		sl.level.Set(parseLevel(level))
	}
	return ok
}

type slogger struct {
	l     *slog.Logger
	level *slog.LevelVar
}

func (s *slogger) With(fields ...Field) Logger {
	return &slogger{l: s.l.With(toArgs(fields...)...), level: s.level}
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelDebug, msg, toAttrs(ctx, fields...)...)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelInfo, msg, toAttrs(ctx, fields...)...)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelWarn, msg, toAttrs(ctx, fields...)...)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.l.LogAttrs(ctx, slog.LevelError, msg, toAttrs(ctx, fields...)...)
}

type noopLogger struct{}

func (noopLogger) With(...Field) Logger                    { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

func toAttrs(ctx context.Context, fields ...Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if id, _ := ctx.Value(requestIDKey{}).(string); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			attrs = append(attrs, slog.String(f.Key, err.Error()))
			continue
		}
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func toArgs(fields ...Field) []any {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return args
}

// parseLevel maps a level name onto slog; unknown names mean info
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type requestIDKey struct{}

// ContextWithRequestID tags ctx with a request id for every entry logged under it.
// An empty id keeps the one ctx already carries or generates a new one.
func ContextWithRequestID(ctx context.Context, id string) (context.Context, string) {
	if id == "" {
		if existing, _ := ctx.Value(requestIDKey{}).(string); existing != "" {
			return ctx, existing
		}
		id = uuid.New().String()
	}
	return context.WithValue(ctx, requestIDKey{}, id), id
}
