// Package telemetry holds the narrow logging and counter interfaces the room,
// settlement and transport packages depend on.
package telemetry

import (
	"log"

	"stake-arena/server/logging"
)

// Logger is the operational text log.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts a function into a Logger. A nil LoggerFunc discards.
type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger. The result exposes the
// underlying logger through StandardLogger so the logging router can fall
// back to it.
func WrapLogger(logger *log.Logger) Logger {
	return &stdLogger{logger: logger}
}

type stdLogger struct {
	logger *log.Logger
}

func (l *stdLogger) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

func (l *stdLogger) StandardLogger() *log.Logger {
	if l == nil {
		return nil
	}
	return l.logger
}

// WithPrefix tags every line written through logger with prefix, e.g.
// "[settlement] ".
func WithPrefix(logger Logger, prefix string) Logger {
	if logger == nil {
		return LoggerFunc(nil)
	}
	return LoggerFunc(func(format string, args ...any) {
		logger.Printf(prefix+format, args...)
	})
}

// Metrics is a set of named counters and gauges.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// WrapMetrics exposes logging.Metrics, the store /diagnostics reads, as Metrics.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return counters{metrics: metrics}
}

type counters struct {
	metrics *logging.Metrics
}

func (c counters) Add(key string, delta uint64) {
	c.metrics.TelemetryAdd(key, delta)
}

func (c counters) Store(key string, value uint64) {
	c.metrics.TelemetryStore(key, value)
}
