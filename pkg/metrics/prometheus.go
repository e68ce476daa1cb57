package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  *prometheus.GaugeVec
	errorsTotal     *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec

	// Cache and limiter metrics
	cacheOps       *prometheus.CounterVec
	rateLimitTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	collector := &PrometheusCollector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	labels := []string{"route", "code"}
	routeLabels := []string{"route"}
	errorLabels := []string{"route", "error_type"}
	if !p.config.EnablePerRouteMetrics {
		labels = []string{"code"}
		routeLabels = []string{}
		errorLabels = []string{"error_type"}
	}

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests handled",
			ConstLabels: p.config.ConstLabels,
		},
		labels,
	)

	if p.config.EnableHistogram {
		p.requestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        "request_duration_seconds",
				Help:        "Histogram of request duration in seconds",
				Buckets:     p.config.HistogramBuckets,
				ConstLabels: p.config.ConstLabels,
			},
			labels,
		)
	}

	p.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "active_requests",
			Help:        "Number of in-flight requests",
			ConstLabels: p.config.ConstLabels,
		},
		routeLabels,
	)

	p.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of failed requests",
			ConstLabels: p.config.ConstLabels,
		},
		errorLabels,
	)

	p.responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "response_size_bytes",
			Help:        "Histogram of response sizes (bytes)",
			Buckets:     []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			ConstLabels: p.config.ConstLabels,
		},
		routeLabels,
	)

	p.cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "cache",
			Name:        "operations_total",
			Help:        "Cache operations by operation and result",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"op", "result"},
	)

	p.rateLimitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "ratelimit",
			Name:        "decisions_total",
			Help:        "Rate limit decisions by scope",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"scope", "allowed"},
	)

	p.registry.MustRegister(
		p.requestsTotal,
		p.activeRequests,
		p.errorsTotal,
		p.responseSize,
		p.cacheOps,
		p.rateLimitTotal,
	)

	if p.config.EnableHistogram {
		p.registry.MustRegister(p.requestDuration)
	}

	return nil
}

// RecordRequest records a completed request
func (p *PrometheusCollector) RecordRequest(route string, code string, duration time.Duration) {
	labels := []string{route, code}
	if !p.config.EnablePerRouteMetrics {
		labels = []string{code}
	}

	p.requestsTotal.WithLabelValues(labels...).Inc()
	if p.config.EnableHistogram {
		p.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	}
}

// RecordError records an error occurrence
func (p *PrometheusCollector) RecordError(route string, errorType string) {
	if p.config.EnablePerRouteMetrics {
		p.errorsTotal.WithLabelValues(route, errorType).Inc()
	} else {
		p.errorsTotal.WithLabelValues(errorType).Inc()
	}
}

// RecordActiveRequests updates the active requests gauge
func (p *PrometheusCollector) RecordActiveRequests(route string, delta int) {
	if p.config.EnablePerRouteMetrics {
		p.activeRequests.WithLabelValues(route).Add(float64(delta))
	} else {
		p.activeRequests.WithLabelValues().Add(float64(delta))
	}
}

// RecordResponseSize records the size of a response body
func (p *PrometheusCollector) RecordResponseSize(route string, size int) {
	if p.config.EnablePerRouteMetrics {
		p.responseSize.WithLabelValues(route).Observe(float64(size))
	} else {
		p.responseSize.WithLabelValues().Observe(float64(size))
	}
}

// RecordCacheOperation records a cache operation outcome
func (p *PrometheusCollector) RecordCacheOperation(op string, result string) {
	p.cacheOps.WithLabelValues(op, result).Inc()
}

// RecordRateLimitDecision records a limiter decision
func (p *PrometheusCollector) RecordRateLimitDecision(scope string, allowed bool) {
	p.rateLimitTotal.WithLabelValues(scope, strconv.FormatBool(allowed)).Inc()
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}
