package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"google.golang.org/grpc"
)

// CacheConfig holds configuration for the response cache interceptor
type CacheConfig struct {
	KeyGenerator cache.KeyGenerator            // Key generation strategy
	KeyPrefix    string                        // Prepended to generated keys
	TTL          time.Duration                 // Default TTL for cache entries
	MethodTTLs   map[string]time.Duration      // Per-method TTL overrides
	Methods      map[string]func() interface{} // Cached methods and their response constructors
}

// CacheOption is a functional option for cache configuration
type CacheOption func(*CacheConfig)

// WithKeyGenerator sets the key generation strategy
func WithKeyGenerator(gen cache.KeyGenerator) CacheOption {
	return func(c *CacheConfig) {
		c.KeyGenerator = gen
	}
}

// WithKeyPrefix sets the prefix of response cache keys
func WithKeyPrefix(prefix string) CacheOption {
	return func(c *CacheConfig) {
		c.KeyPrefix = prefix
	}
}

// WithTTL sets the default TTL for cached responses
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.TTL = ttl
	}
}

// WithMethodTTL sets a custom TTL for a specific method
func WithMethodTTL(method string, ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.MethodTTLs[method] = ttl
	}
}

// WithCachedMethod enables caching for method. newResponse returns an empty
// response message that cached payloads are decoded into.
func WithCachedMethod(method string, newResponse func() interface{}) CacheOption {
	return func(c *CacheConfig) {
		c.Methods[method] = newResponse
	}
}

func newCacheConfig(opts []CacheOption) *CacheConfig {
	config := &CacheConfig{
		KeyGenerator: cache.NewDefaultKeyGenerator(),
		KeyPrefix:    "grpc:",
		TTL:          5 * time.Minute,
		MethodTTLs:   make(map[string]time.Duration),
		Methods:      make(map[string]func() interface{}),
	}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

// UnaryCache serves repeated calls of the configured methods from m.
// Only successful responses are cached; a store outage means every call
// reaches the handler.
func UnaryCache(m *cache.Manager, opts ...CacheOption) grpc.UnaryServerInterceptor {
	config := newCacheConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := info.FullMethod

		newResponse, ok := config.Methods[method]
		if !ok {
			return handler(ctx, req)
		}

		key, err := config.KeyGenerator.GenerateKey(method, req)
		if err != nil {
			// If key generation fails, skip caching
			return handler(ctx, req)
		}
		key = config.KeyPrefix + key

		cached := newResponse()
		if m.GetInto(ctx, key, cached) {
			return cached, nil
		}

		resp, err := handler(ctx, req)
		if err != nil {
			return resp, err
		}

		ttl := config.TTL
		if methodTTL, ok := config.MethodTTLs[method]; ok {
			ttl = methodTTL
		}
		m.Set(ctx, key, resp, ttl)

		return resp, nil
	}
}

// InvalidateCache removes the cached response for one request. opts must
// match the ones given to UnaryCache.
func InvalidateCache(ctx context.Context, m *cache.Manager, method string, req interface{}, opts ...CacheOption) error {
	config := newCacheConfig(opts)

	key, err := config.KeyGenerator.GenerateKey(method, req)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	m.Delete(ctx, config.KeyPrefix+key)
	return nil
}

// ClearResponseCache removes every cached response
func ClearResponseCache(ctx context.Context, m *cache.Manager, opts ...CacheOption) int64 {
	config := newCacheConfig(opts)
	return m.ClearPattern(ctx, config.KeyPrefix+"*")
}
