// Package logging provides structured component loggers built on log/slog.
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("engine")
//	log.Info("replayed commit log", "mutations", n)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/juju/errors"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init installs the global logger with the given level. JSON output is meant
// for production, text for terminals.
func Init(level slog.Level, jsonFormat bool) {
	InitWithWriter(os.Stdout, level, jsonFormat)
}

// InitWithWriter is Init with a custom destination, mostly for tests.
func InitWithWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	logger = slog.New(handler)
	mu.Unlock()
	slog.SetDefault(logger)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.NotValidf("log level %q", s)
	}
}

func current() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(slog.LevelInfo, false)
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return current().With("component", name)
}

type contextKey int

const (
	contextKeyInvocationID contextKey = iota
	contextKeyInstance
)

// ContextWithInvocation tags ctx with the invocation id and contract instance
// so that FromContext loggers carry them.
func ContextWithInvocation(ctx context.Context, invocationID, instance string) context.Context {
	ctx = context.WithValue(ctx, contextKeyInvocationID, invocationID)
	return context.WithValue(ctx, contextKeyInstance, instance)
}

// FromContext returns base enriched with the invocation attributes found in ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = current()
	}
	if id, ok := ctx.Value(contextKeyInvocationID).(string); ok {
		base = base.With("invocation_id", id)
	}
	if instance, ok := ctx.Value(contextKeyInstance).(string); ok {
		base = base.With("instance", instance)
	}
	return base
}
