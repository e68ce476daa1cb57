// Package guardian assembles the Redis cache, the rate limiter and the
// request middleware into a single component for HTTP and gRPC servers
package guardian

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grpc-guardian/cache-guardian/middleware"
	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/config"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
	"github.com/grpc-guardian/cache-guardian/pkg/ratelimit"
	"github.com/grpc-guardian/cache-guardian/pkg/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Middleware defines the interface for gRPC middleware
// It wraps a UnaryHandler and returns a new UnaryHandler
type Middleware func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)

// Chain represents a chain of gRPC middleware
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	c.middlewares = append(middlewares, c.middlewares...)
	return c
}

// UnaryInterceptor returns a gRPC UnaryServerInterceptor that executes the middleware chain
func (c *Chain) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		currentHandler := handler

		// Apply middleware in reverse order so they execute in the correct order
		for i := len(c.middlewares) - 1; i >= 0; i-- {
			mw := c.middlewares[i]
			next := currentHandler

			currentHandler = func(ctx context.Context, req interface{}) (interface{}, error) {
				return mw(ctx, req, info, next)
			}
		}

		return currentHandler(ctx, req)
	}
}

// ServerOption returns the gRPC ServerOption installing the chain
func (c *Chain) ServerOption() grpc.ServerOption {
	return grpc.UnaryInterceptor(c.UnaryInterceptor())
}

// ChainUnaryServer creates a single interceptor from multiple unary server interceptors
func ChainUnaryServer(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		currentHandler := handler

		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := currentHandler

			currentHandler = func(ctx context.Context, req interface{}) (interface{}, error) {
				return interceptor(ctx, req, info, next)
			}
		}

		return currentHandler(ctx, req)
	}
}

// HTTPMiddleware wraps an http.Handler
type HTTPMiddleware func(http.Handler) http.Handler

// HTTPChain composes HTTP middleware. The first middleware is the outermost.
type HTTPChain struct {
	middlewares []HTTPMiddleware
}

// NewHTTPChain creates a new HTTP middleware chain
func NewHTTPChain(middlewares ...HTTPMiddleware) *HTTPChain {
	return &HTTPChain{middlewares: middlewares}
}

// Append adds middleware to the end of the chain
func (c *HTTPChain) Append(middlewares ...HTTPMiddleware) *HTTPChain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Then wraps h with every middleware of the chain
func (c *HTTPChain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Funcs returns the chain as plain functions, the form chi's Use expects
func (c *HTTPChain) Funcs() []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, len(c.middlewares))
	for i, m := range c.middlewares {
		out[i] = m
	}
	return out
}

// Option configures a Guardian
type Option func(*Guardian)

// WithCollector replaces the Prometheus collector created by New
func WithCollector(collector *metrics.PrometheusCollector) Option {
	return func(g *Guardian) {
		g.metrics = collector
	}
}

// WithSkipPaths exempts paths such as health checks from rate limiting and
// request logging
func WithSkipPaths(paths ...string) Option {
	return func(g *Guardian) {
		g.skipPaths = append(g.skipPaths, paths...)
	}
}

// Guardian owns the store connection and the components built on it
type Guardian struct {
	settings  *config.Settings
	logger    *zap.Logger
	connector *store.Connector
	manager   *cache.Manager
	limiter   *ratelimit.Limiter
	allowlist ratelimit.Allowlist
	metrics   *metrics.PrometheusCollector
	skipPaths []string
}

// New builds a Guardian from settings. No connection is made until Start or
// the first cache operation.
func New(settings *config.Settings, logger *zap.Logger, opts ...Option) (*Guardian, error) {
	if settings == nil {
		settings = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Guardian{
		settings:  settings,
		logger:    logger,
		allowlist: ratelimit.NewAllowlist(settings.RateLimit.Allowlist...),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.metrics == nil {
		collector, err := metrics.NewPrometheusCollector()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		g.metrics = collector
	}

	g.connector = store.NewConnector(settings.StoreConfig(), logger.Named("store"))
	g.manager = cache.NewManager(g.connector, settings.CacheConfig(),
		cache.WithLogger(logger.Named("cache")),
		cache.WithMetrics(g.metrics),
	)
	g.limiter = ratelimit.New(g.manager, settings.Limits(),
		ratelimit.WithWindowMode(settings.WindowMode()),
		ratelimit.WithLogger(logger.Named("ratelimit")),
		ratelimit.WithMetrics(g.metrics),
	)

	return g, nil
}

// Start connects to the store. A failure is logged and the Guardian keeps
// serving in degraded mode, reconnecting lazily.
func (g *Guardian) Start(ctx context.Context) {
	if err := g.connector.Connect(ctx); err != nil {
		g.logger.Warn("store unavailable, cache and rate limiting degraded",
			zap.Error(err),
		)
		return
	}
	g.logger.Info("store connected", zap.String("prefix", g.manager.Prefix()))
}

// Close releases the store connection
func (g *Guardian) Close() error {
	return g.connector.Disconnect()
}

// Manager returns the cache manager
func (g *Guardian) Manager() *cache.Manager {
	return g.manager
}

// Limiter returns the rate limiter
func (g *Guardian) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// Metrics returns the Prometheus collector
func (g *Guardian) Metrics() *metrics.PrometheusCollector {
	return g.metrics
}

// Settings returns the settings the Guardian was built from
func (g *Guardian) Settings() *config.Settings {
	return g.settings
}

// HTTPChain returns the standard HTTP stack: tracing, request logging,
// metrics, security headers, the allowlist when one is configured and the
// global rate limit.
func (g *Guardian) HTTPChain() *HTTPChain {
	logOpts := []middleware.LoggingOption{middleware.WithLogger(g.logger.Named("http"))}
	limitOpts := make([]middleware.RateLimitOption, 0, len(g.skipPaths))
	for _, p := range g.skipPaths {
		logOpts = append(logOpts, middleware.WithLogSkipPath(p))
		limitOpts = append(limitOpts, middleware.WithSkipPath(p))
	}

	chain := NewHTTPChain(
		middleware.Tracing(),
		middleware.RequestLogging(logOpts...),
		middleware.Metrics(g.metrics),
		middleware.SecurityHeaders(g.settings.IsProduction()),
	)
	if g.allowlist.Len() > 0 {
		chain.Append(middleware.IPAllowlist(g.allowlist, g.logger.Named("allowlist")))
	}
	return chain.Append(middleware.RateLimit(g.limiter, limitOpts...))
}

// UnaryInterceptor returns the gRPC counterpart of HTTPChain
func (g *Guardian) UnaryInterceptor() grpc.UnaryServerInterceptor {
	chain := NewChain(
		Middleware(middleware.UnaryTracing()),
		Middleware(middleware.UnaryLogging(middleware.WithLogger(g.logger.Named("grpc")))),
		Middleware(middleware.UnaryMetrics(g.metrics)),
	)
	if g.allowlist.Len() > 0 {
		chain.Append(Middleware(middleware.UnaryAllowlist(g.allowlist)))
	}
	return chain.Append(Middleware(middleware.UnaryRateLimit(g.limiter))).UnaryInterceptor()
}
