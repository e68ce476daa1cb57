// Package cache provides the cache-aside access layer in front of Redis.
//
// Every operation on Manager fails open: backend, connection and serialization
// errors are logged and converted to the documented default for that
// operation, so business logic never sees them. An unreachable store behaves
// like a cache that always misses.
package cache

import (
	"errors"
	"strconv"
	"time"

	"github.com/grpc-guardian/cache-guardian/pkg/codec"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrBackendOperation wraps store errors other than connection failures
var ErrBackendOperation = errors.New("cache: backend operation failed")

const (
	// DefaultPrefix partitions this subsystem's keys in a shared store
	DefaultPrefix = "guardian:"

	// DefaultTTL is applied to writes that do not carry an explicit TTL
	DefaultTTL = time.Hour
)

// Config holds configuration for a Manager
type Config struct {
	Prefix     string        // Namespace prefix applied to every key
	DefaultTTL time.Duration // TTL used when a write passes ttl <= 0
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		Prefix:     DefaultPrefix,
		DefaultTTL: DefaultTTL,
	}
}

// Option is a functional option for Manager
type Option func(*Manager)

// WithLogger sets the zap logger used for fail-open reporting
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the collector for cache operation metrics
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(m *Manager) {
		if collector != nil {
			m.metrics = collector
		}
	}
}

// WithCodec replaces the default JSON/msgpack chain
func WithCodec(c *codec.Chain) Option {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer("cache-guardian/cache")
}

// Stats is the operational snapshot returned by Manager.Stats
type Stats struct {
	Connected              bool   `json:"connected"`
	RedisVersion           string `json:"redis_version,omitempty"`
	UsedMemory             string `json:"used_memory,omitempty"`
	ConnectedClients       int64  `json:"connected_clients"`
	TotalCommandsProcessed int64  `json:"total_commands_processed"`
	KeyspaceHits           int64  `json:"keyspace_hits"`
	KeyspaceMisses         int64  `json:"keyspace_misses"`
	Error                  string `json:"error,omitempty"`
}

// HitRate returns keyspace hits / (hits + misses), or 0 with no lookups
func (s Stats) HitRate() float64 {
	total := s.KeyspaceHits + s.KeyspaceMisses
	if total == 0 {
		return 0
	}
	return float64(s.KeyspaceHits) / float64(total)
}

// StatsFromInfo builds Stats from parsed INFO fields
func StatsFromInfo(info map[string]string, connected bool) Stats {
	return Stats{
		Connected:              connected,
		RedisVersion:           info["redis_version"],
		UsedMemory:             info["used_memory_human"],
		ConnectedClients:       parseInt(info["connected_clients"]),
		TotalCommandsProcessed: parseInt(info["total_commands_processed"]),
		KeyspaceHits:           parseInt(info["keyspace_hits"]),
		KeyspaceMisses:         parseInt(info["keyspace_misses"]),
	}
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
