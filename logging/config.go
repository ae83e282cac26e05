package logging

import (
	"maps"
	"slices"
	"time"
)

// Config controls the event router. Sink names are matched against
// EnabledSinks by the caller that builds the sink list.
type Config struct {
	EnabledSinks     []string
	BufferSize       int
	MinimumSeverity  Severity
	Fields           map[string]any
	JSON             JSONConfig
	DropWarnInterval time.Duration
	SinkRetry        RetryConfig
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

// RetryConfig bounds the pause a sink takes after a failed write.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON:             JSONConfig{FlushInterval: 2 * time.Second},
		SinkRetry:        RetryConfig{InitialInterval: time.Second, MaxInterval: 30 * time.Second},
	}
}

func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	return maps.Clone(c.Fields)
}
