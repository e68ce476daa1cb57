package cache

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"
)

var jsonNull = []byte("null")

// GetOrCompute returns the value cached at key or, on a miss, runs compute,
// stores its result with ttl and returns it. A stored null counts as a miss.
// Errors from compute are returned and never cached.
//
// There is no locking: concurrent callers that miss at the same time may all
// run compute, and the last write wins.
func GetOrCompute[T any](ctx context.Context, m *Manager, key string, compute func(context.Context) (T, error), ttl time.Duration) (T, error) {
	if data, ok := m.getBytes(ctx, "get", key); ok && !bytes.Equal(data, jsonNull) {
		var cached T
		if err := m.codec.DecodeInto(data, &cached); err == nil {
			return cached, nil
		}
		m.logger.Debug("discarding undecodable cached value", zap.String("key", key))
	}

	value, err := compute(ctx)
	if err != nil {
		return value, err
	}

	m.Set(ctx, key, value, ttl)
	return value, nil
}

// MemoOption configures Memoize
type MemoOption func(*memoConfig)

type memoConfig struct {
	keyGen KeyGenerator
	ttl    time.Duration
}

// WithKeyGenerator overrides how keys are derived from arguments
func WithKeyGenerator(gen KeyGenerator) MemoOption {
	return func(c *memoConfig) {
		if gen != nil {
			c.keyGen = gen
		}
	}
}

// WithMemoTTL sets the TTL of memoized results (the manager default otherwise)
func WithMemoTTL(ttl time.Duration) MemoOption {
	return func(c *memoConfig) {
		c.ttl = ttl
	}
}

// Memoize wraps fn so that results are cached under
// prefix + name + ":" + hash(arg). Pass several arguments as a struct.
// When a key cannot be derived the call goes straight to fn.
//
// Example:
//
//	search := cache.Memoize(mgr, "search:", "web", runSearch, cache.WithMemoTTL(10*time.Minute))
//	results, err := search(ctx, SearchArgs{Query: "redis", Limit: 5})
func Memoize[A, R any](m *Manager, prefix, name string, fn func(context.Context, A) (R, error), opts ...MemoOption) func(context.Context, A) (R, error) {
	cfg := &memoConfig{keyGen: NewDefaultKeyGenerator()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(ctx context.Context, arg A) (R, error) {
		key, err := cfg.keyGen.GenerateKey(name, arg)
		if err != nil {
			return fn(ctx, arg)
		}

		return GetOrCompute(ctx, m, prefix+key, func(ctx context.Context) (R, error) {
			return fn(ctx, arg)
		}, cfg.ttl)
	}
}
