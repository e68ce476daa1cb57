// Package metrics provides Prometheus instrumentation for requests, cache
// operations and rate limiting decisions
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache operation results
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultOK    = "ok"
	ResultError = "error"
)

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// RecordRequest records a completed request with duration and status
	RecordRequest(route string, code string, duration time.Duration)

	// RecordError records an error occurrence
	RecordError(route string, errorType string)

	// RecordActiveRequests updates the active requests gauge
	RecordActiveRequests(route string, delta int)

	// RecordResponseSize records the number of bytes written for a response
	RecordResponseSize(route string, size int)

	// RecordCacheOperation records the outcome of a cache operation
	RecordCacheOperation(op string, result string)

	// RecordRateLimitDecision records an allow/deny decision for a scope
	RecordRateLimitDecision(scope string, allowed bool)

	// GetRegistry returns the prometheus registry
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "cache_guardian")
	Namespace string

	// Subsystem for request metrics (e.g., "http")
	Subsystem string

	// Enable histogram buckets for latency distribution
	EnableHistogram bool

	// Custom histogram buckets (in seconds)
	HistogramBuckets []float64

	// Enable per-route metrics
	EnablePerRouteMetrics bool

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:             "cache_guardian",
		Subsystem:             "http",
		EnableHistogram:       true,
		EnablePerRouteMetrics: true,
		HistogramBuckets:      prometheus.DefBuckets,
		ConstLabels:           make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the subsystem for request metrics
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithHistogramBuckets sets custom histogram buckets
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.HistogramBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithoutHistogram disables histogram metrics
func WithoutHistogram() ConfigOption {
	return func(c *Config) {
		c.EnableHistogram = false
	}
}

// WithoutPerRouteMetrics collapses request metrics across routes
func WithoutPerRouteMetrics() ConfigOption {
	return func(c *Config) {
		c.EnablePerRouteMetrics = false
	}
}

// Noop is a collector that discards everything
type Noop struct{}

func (Noop) RecordRequest(string, string, time.Duration) {}
func (Noop) RecordError(string, string) {}
func (Noop) RecordActiveRequests(string, int) {}
func (Noop) RecordResponseSize(string, int) {}
func (Noop) RecordCacheOperation(string, string) {}
func (Noop) RecordRateLimitDecision(string, bool) {}
func (Noop) GetRegistry() *prometheus.Registry { return nil }
