package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/grpc-guardian/cache-guardian/pkg/ratelimit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Response header names carrying the decision
const (
	HeaderLimitMinute     = "X-RateLimit-Limit-Minute"
	HeaderLimitHour       = "X-RateLimit-Limit-Hour"
	HeaderRemainingMinute = "X-RateLimit-Remaining-Minute"
	HeaderRemainingHour   = "X-RateLimit-Remaining-Hour"
	HeaderResetMinute     = "X-RateLimit-Reset-Minute"
	HeaderResetHour       = "X-RateLimit-Reset-Hour"
)

// RateLimitConfig holds configuration for the rate limiting middleware
type RateLimitConfig struct {
	ClientID     func(*http.Request) string   // HTTP client identifier
	GRPCClientID func(context.Context) string // gRPC client identifier
	SkipPaths    map[string]bool              // HTTP paths or gRPC methods never limited
}

// RateLimitOption is a functional option for rate limit configuration
type RateLimitOption func(*RateLimitConfig)

// WithClientIDFunc overrides how HTTP callers are identified
func WithClientIDFunc(fn func(*http.Request) string) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.ClientID = fn
	}
}

// WithGRPCClientIDFunc overrides how gRPC callers are identified
func WithGRPCClientIDFunc(fn func(context.Context) string) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.GRPCClientID = fn
	}
}

// WithSkipPath exempts an HTTP path or a gRPC full method
func WithSkipPath(path string) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.SkipPaths[path] = true
	}
}

func newRateLimitConfig(opts []RateLimitOption) *RateLimitConfig {
	config := &RateLimitConfig{
		ClientID:     ClientIP,
		GRPCClientID: ExtractClientIP,
		SkipPaths:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

// RateLimit limits every request per client with the limiter's global limits.
// Allowed responses carry the X-RateLimit-* headers; denied requests get a 429.
func RateLimit(l *ratelimit.Limiter, opts ...RateLimitOption) func(http.Handler) http.Handler {
	config := newRateLimitConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.SkipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			d := l.CheckAndIncrement(r.Context(), config.ClientID(r), ratelimit.Global())
			writeRateLimitHeaders(w.Header(), d)

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter(d), 10))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":   "Rate limit exceeded",
					"message": "Too many requests. Please try again later.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// EndpointRateLimit guards a single route with its own counters. Zero budgets
// in limits fall back to the limiter's global limits.
func EndpointRateLimit(l *ratelimit.Limiter, name string, limits ratelimit.Limits, opts ...RateLimitOption) func(http.Handler) http.Handler {
	config := newRateLimitConfig(opts)
	scope := ratelimit.Endpoint(name, limits)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.CheckAndIncrement(r.Context(), config.ClientID(r), scope)
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter(d), 10))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"detail": "Rate limit exceeded for this endpoint",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UnaryRateLimit is the gRPC form of RateLimit. The decision is sent as
// response header metadata and denials return ResourceExhausted.
func UnaryRateLimit(l *ratelimit.Limiter, opts ...RateLimitOption) grpc.UnaryServerInterceptor {
	config := newRateLimitConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if config.SkipPaths[info.FullMethod] {
			return handler(ctx, req)
		}

		clientID := config.GRPCClientID(ctx)
		d := l.CheckAndIncrement(ctx, clientID, ratelimit.Global())

		// No transport stream outside a real server; nothing to attach to.
		_ = grpc.SetHeader(ctx, rateLimitMetadata(d))

		if !d.Allowed {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for client: %s", clientID)
		}

		return handler(ctx, req)
	}
}

// UnaryEndpointRateLimit applies per-method limits to the methods in limits.
// Other methods pass through.
func UnaryEndpointRateLimit(l *ratelimit.Limiter, limits map[string]ratelimit.Limits, opts ...RateLimitOption) grpc.UnaryServerInterceptor {
	config := newRateLimitConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		methodLimits, ok := limits[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}

		d := l.CheckAndIncrement(ctx, config.GRPCClientID(ctx), ratelimit.Endpoint(info.FullMethod, methodLimits))
		if !d.Allowed {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for method: %s", info.FullMethod)
		}

		return handler(ctx, req)
	}
}

func writeRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set(HeaderLimitMinute, strconv.FormatInt(d.LimitMinute, 10))
	h.Set(HeaderLimitHour, strconv.FormatInt(d.LimitHour, 10))
	h.Set(HeaderRemainingMinute, strconv.FormatInt(d.RemainingMinute, 10))
	h.Set(HeaderRemainingHour, strconv.FormatInt(d.RemainingHour, 10))
	h.Set(HeaderResetMinute, strconv.FormatInt(d.ResetMinute, 10))
	h.Set(HeaderResetHour, strconv.FormatInt(d.ResetHour, 10))
}

func rateLimitMetadata(d ratelimit.Decision) metadata.MD {
	h := http.Header{}
	writeRateLimitHeaders(h, d)

	md := metadata.MD{}
	for k, v := range h {
		md.Set(k, v...)
	}
	return md
}

// retryAfter is the wait until the exhausted window resets
func retryAfter(d ratelimit.Decision) int64 {
	if d.RemainingMinute == 0 {
		return d.ResetMinute
	}
	return d.ResetHour
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
