package ratelimit

import (
	"context"
	"net/url"
	"time"

	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
	"go.uber.org/zap"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Limits holds the per-window request budgets
type Limits struct {
	PerMinute int64 `yaml:"per_minute" validate:"gte=0"`
	PerHour   int64 `yaml:"per_hour" validate:"gte=0"`
}

// DefaultLimits returns 60 requests per minute and 1000 per hour
func DefaultLimits() Limits {
	return Limits{PerMinute: 60, PerHour: 1000}
}

// orDefault fills zero budgets from fallback
func (l Limits) orDefault(fallback Limits) Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = fallback.PerMinute
	}
	if l.PerHour <= 0 {
		l.PerHour = fallback.PerHour
	}
	return l
}

// Decision is the outcome of one check. Reset values are in seconds.
type Decision struct {
	Allowed         bool
	LimitMinute     int64
	LimitHour       int64
	RemainingMinute int64
	RemainingHour   int64
	ResetMinute     int64
	ResetHour       int64
}

// WindowMode selects how counter TTLs behave
type WindowMode int

const (
	// Rolling resets the window TTL on every counted request
	Rolling WindowMode = iota
	// Fixed sets the window TTL once, when the counter is created
	Fixed
)

func (m WindowMode) String() string {
	if m == Fixed {
		return "fixed"
	}
	return "rolling"
}

// Scope selects which set of counters a check uses
type Scope struct {
	endpoint string
	limits   Limits
}

// Global is the scope shared by every request of a client
func Global() Scope {
	return Scope{}
}

// Endpoint scopes counters to a single operation. Zero budgets in limits
// fall back to the limiter's global limits.
func Endpoint(name string, limits Limits) Scope {
	return Scope{endpoint: name, limits: limits}
}

// IsEndpoint reports whether s is an endpoint scope
func (s Scope) IsEndpoint() bool {
	return s.endpoint != ""
}

// Endpoint returns the operation name, empty for the global scope
func (s Scope) Endpoint() string {
	return s.endpoint
}

func (s Scope) label() string {
	if s.IsEndpoint() {
		return "endpoint"
	}
	return "global"
}

// keys returns the logical counter keys; the manager adds its prefix.
// Client ids may contain colons (IPv6), so they always come last and the
// endpoint is escaped.
func (s Scope) keys(clientID string) (minute, hour string) {
	if s.IsEndpoint() {
		endpoint := url.QueryEscape(s.endpoint)
		return "rate_limit:endpoint:minute:" + endpoint + ":" + clientID,
			"rate_limit:endpoint:hour:" + endpoint + ":" + clientID
	}
	return "rate_limit:minute:" + clientID, "rate_limit:hour:" + clientID
}

// Option configures a Limiter
type Option func(*Limiter)

// WithWindowMode selects rolling (default) or fixed windows
func WithWindowMode(mode WindowMode) Option {
	return func(l *Limiter) {
		l.mode = mode
	}
}

// WithLogger sets the logger used for denials
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records every decision on collector
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(l *Limiter) {
		if collector != nil {
			l.metrics = collector
		}
	}
}

// Limiter counts requests per client in a minute and an hour window.
//
// The read and the increment are separate round trips, so concurrent
// requests from one client can overshoot a budget by a small amount. A store
// failure reads as a zero count, which allows the request.
type Limiter struct {
	cache   *cache.Manager
	limits  Limits
	mode    WindowMode
	logger  *zap.Logger
	metrics metrics.MetricsCollector
}

// New creates a limiter storing its counters through m
func New(m *cache.Manager, limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		cache:   m,
		limits:  limits.orDefault(DefaultLimits()),
		mode:    Rolling,
		logger:  zap.NewNop(),
		metrics: metrics.Noop{},
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Limits returns the global limits
func (l *Limiter) Limits() Limits {
	return l.limits
}

// Mode returns the window mode
func (l *Limiter) Mode() WindowMode {
	return l.mode
}

// CheckAndIncrement decides whether clientID may make another request in
// scope and, when it may, counts the request in both windows.
func (l *Limiter) CheckAndIncrement(ctx context.Context, clientID string, scope Scope) Decision {
	limits := l.limits
	if scope.IsEndpoint() {
		limits = scope.limits.orDefault(l.limits)
	}
	minuteKey, hourKey := scope.keys(clientID)

	minuteCount := cache.Fetch(ctx, l.cache, minuteKey, int64(0))
	hourCount := cache.Fetch(ctx, l.cache, hourKey, int64(0))

	allowed := minuteCount < limits.PerMinute && hourCount < limits.PerHour
	if allowed {
		refresh := l.mode == Rolling
		minuteCount = l.cache.Increment(ctx, minuteKey, 1, minuteWindow, refresh)
		hourCount = l.cache.Increment(ctx, hourKey, 1, hourWindow, refresh)
	}

	d := Decision{
		Allowed:         allowed,
		LimitMinute:     limits.PerMinute,
		LimitHour:       limits.PerHour,
		RemainingMinute: remaining(limits.PerMinute, minuteCount),
		RemainingHour:   remaining(limits.PerHour, hourCount),
		ResetMinute:     l.reset(ctx, minuteKey, minuteWindow),
		ResetHour:       l.reset(ctx, hourKey, hourWindow),
	}

	l.metrics.RecordRateLimitDecision(scope.label(), allowed)
	if !allowed {
		l.logger.Warn("rate limit exceeded",
			zap.String("client", clientID),
			zap.String("scope", scope.label()),
			zap.String("endpoint", scope.endpoint),
			zap.Int64("minute_count", minuteCount),
			zap.Int64("hour_count", hourCount),
		)
	}

	return d
}

// Check is CheckAndIncrement returning an *ExceededError on denial
func (l *Limiter) Check(ctx context.Context, clientID string, scope Scope) (Decision, error) {
	d := l.CheckAndIncrement(ctx, clientID, scope)
	if !d.Allowed {
		return d, &ExceededError{ClientID: clientID, Scope: scope, Decision: d}
	}
	return d, nil
}

func (l *Limiter) reset(ctx context.Context, key string, window time.Duration) int64 {
	if ttl := l.cache.TTL(ctx, key); ttl >= 0 {
		return ttl
	}
	return int64(window / time.Second)
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}
