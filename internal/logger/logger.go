package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.Logger
)

// Initialize builds the process-wide base logger. level accepts the usual
// zap level names (debug, info, warn, error); an empty or unrecognized
// value falls back to info. Safe to call more than once; the last call
// wins.
func Initialize(level string) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err == nil {
			_ = lvl
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	base = l
	mu.Unlock()
	return nil
}

// For returns a component-scoped logger. If Initialize has not been
// called, it lazily builds a development logger so that tests and
// one-off tools never crash on a nil logger.
func For(component string) *zap.SugaredLogger {
	mu.RLock()
	l := base
	mu.RUnlock()

	if l == nil {
		l, _ = zap.NewDevelopment()
		mu.Lock()
		if base == nil {
			base = l
		}
		mu.Unlock()
	}

	return l.With(zap.String("component", component)).Sugar()
}

// Sync flushes any buffered log entries, intended to be deferred from main.
func Sync() error {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Sync()
}
