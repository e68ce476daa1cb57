package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-guardian/cache-guardian/pkg/codec"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
	"github.com/grpc-guardian/cache-guardian/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// scanBatch is the COUNT hint used when enumerating keys
const scanBatch = 100

// incrementOnce sets the TTL only when the counter has none, which is the case
// right after INCRBY created it.
var incrementOnce = redis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return n
`)

// Manager is the cache-aside API over a shared Connector.
// It is safe for concurrent use.
type Manager struct {
	connector  *store.Connector
	codec      *codec.Chain
	prefix     string
	defaultTTL time.Duration

	logger  *zap.Logger
	metrics metrics.MetricsCollector
	tracer  trace.Tracer

	// a dead store fails every call; keep the error log readable
	errLog rate.Sometimes
}

// NewManager creates a manager on top of connector
func NewManager(connector *store.Connector, cfg Config, opts ...Option) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	m := &Manager{
		connector:  connector,
		codec:      codec.Default(),
		prefix:     cfg.Prefix,
		defaultTTL: cfg.DefaultTTL,
		logger:     zap.NewNop(),
		metrics:    metrics.Noop{},
		tracer:     defaultTracer(),
		errLog:     rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Prefix returns the namespace prefix
func (m *Manager) Prefix() string {
	return m.prefix
}

// DefaultTTL returns the TTL applied when none is given
func (m *Manager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// Connector returns the underlying connector
func (m *Manager) Connector() *store.Connector {
	return m.connector
}

// key applies the namespace prefix. Nothing else in the module prefixes keys.
func (m *Manager) key(key string) string {
	return m.prefix + key
}

func (m *Manager) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	return ttl
}

// begin detaches ctx from the caller's cancellation, starts a span and makes
// sure the pool is up.
func (m *Manager) begin(ctx context.Context, op, key string) (context.Context, trace.Span, *redis.Client, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := m.tracer.Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("cache.key", key),
		),
	)

	client, err := m.connector.EnsureConnected(ctx)
	if err != nil {
		m.fail(span, op, key, nil, err)
		return ctx, span, nil, err
	}
	return ctx, span, client, nil
}

// fail records a swallowed error. client is the pool that returned err, nil
// when none was obtained.
func (m *Manager) fail(span trace.Span, op, key string, client *redis.Client, err error) {
	if store.NeedsReconnect(err) {
		m.connector.MarkDisconnected(client)
	}
	if !store.IsConnectionError(err) && !errors.Is(err, codec.ErrSerialization) {
		err = fmt.Errorf("%w: %v", ErrBackendOperation, err)
	}

	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	m.metrics.RecordCacheOperation(op, metrics.ResultError)

	m.errLog.Do(func() {
		m.logger.Error("cache operation failed",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err),
		)
	})
}

func (m *Manager) ok(op string) {
	m.metrics.RecordCacheOperation(op, metrics.ResultOK)
}

// getBytes reads the raw payload stored at key
func (m *Manager) getBytes(ctx context.Context, op, key string) ([]byte, bool) {
	ctx, span, client, err := m.begin(ctx, op, key)
	defer span.End()
	if err != nil {
		return nil, false
	}

	data, err := client.Get(ctx, m.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		m.metrics.RecordCacheOperation(op, metrics.ResultMiss)
		return nil, false
	}
	if err != nil {
		m.fail(span, op, key, client, err)
		return nil, false
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	m.metrics.RecordCacheOperation(op, metrics.ResultHit)
	return data, true
}

// Get returns the decoded value at key, or def on a miss or any failure.
// Untyped decoding yields JSON-shaped values (float64 numbers, map[string]any).
func (m *Manager) Get(ctx context.Context, key string, def any) any {
	data, ok := m.getBytes(ctx, "get", key)
	if !ok {
		return def
	}
	return m.codec.Decode(data)
}

// GetInto decodes the value at key into dst. It reports false on a miss, a
// backend failure or a payload that cannot be decoded into dst.
func (m *Manager) GetInto(ctx context.Context, key string, dst any) bool {
	data, ok := m.getBytes(ctx, "get", key)
	if !ok {
		return false
	}

	if err := m.codec.DecodeInto(data, dst); err != nil {
		m.errLog.Do(func() {
			m.logger.Warn("cache value not decodable",
				zap.String("key", key),
				zap.String("target", fmt.Sprintf("%T", dst)),
				zap.Error(err),
			)
		})
		return false
	}
	return true
}

// Fetch is the typed form of Get
func Fetch[T any](ctx context.Context, m *Manager, key string, def T) T {
	var v T
	if m.GetInto(ctx, key, &v) {
		return v
	}
	return def
}

// Set encodes value and stores it with ttl (the default TTL when ttl <= 0)
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := m.codec.Encode(value)
	if err != nil {
		m.errLog.Do(func() {
			m.logger.Error("cache value not encodable", zap.String("key", key), zap.Error(err))
		})
		m.metrics.RecordCacheOperation("set", metrics.ResultError)
		return false
	}
	return m.write(ctx, "set", key, data, ttl)
}

// SetRaw stores data as-is, bypassing the codec
func (m *Manager) SetRaw(ctx context.Context, key string, data []byte, ttl time.Duration) bool {
	return m.write(ctx, "set_raw", key, data, ttl)
}

func (m *Manager) write(ctx context.Context, op, key string, data []byte, ttl time.Duration) bool {
	ctx, span, client, err := m.begin(ctx, op, key)
	defer span.End()
	if err != nil {
		return false
	}

	if err := client.Set(ctx, m.key(key), data, m.ttlOrDefault(ttl)).Err(); err != nil {
		m.fail(span, op, key, client, err)
		return false
	}
	m.ok(op)
	return true
}

// Delete removes key and reports whether it existed
func (m *Manager) Delete(ctx context.Context, key string) bool {
	ctx, span, client, err := m.begin(ctx, "delete", key)
	defer span.End()
	if err != nil {
		return false
	}

	n, err := client.Del(ctx, m.key(key)).Result()
	if err != nil {
		m.fail(span, "delete", key, client, err)
		return false
	}
	m.ok("delete")
	return n > 0
}

// Exists reports whether key is present
func (m *Manager) Exists(ctx context.Context, key string) bool {
	ctx, span, client, err := m.begin(ctx, "exists", key)
	defer span.End()
	if err != nil {
		return false
	}

	n, err := client.Exists(ctx, m.key(key)).Result()
	if err != nil {
		m.fail(span, "exists", key, client, err)
		return false
	}
	m.ok("exists")
	return n > 0
}

// Expire sets a new TTL on key
func (m *Manager) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ctx, span, client, err := m.begin(ctx, "expire", key)
	defer span.End()
	if err != nil {
		return false
	}

	ok, err := client.Expire(ctx, m.key(key), ttl).Result()
	if err != nil {
		m.fail(span, "expire", key, client, err)
		return false
	}
	m.ok("expire")
	return ok
}

// TTL returns the remaining lifetime of key in seconds. It returns -1 on
// error, for absent keys and for keys without expiry.
func (m *Manager) TTL(ctx context.Context, key string) int64 {
	ctx, span, client, err := m.begin(ctx, "ttl", key)
	defer span.End()
	if err != nil {
		return -1
	}

	d, err := client.TTL(ctx, m.key(key)).Result()
	if err != nil {
		m.fail(span, "ttl", key, client, err)
		return -1
	}
	m.ok("ttl")
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}

// Increment atomically adds delta to the integer at key and sets its TTL in
// the same round trip. With refresh the TTL is reset on every call (rolling
// window); without it the TTL is only applied when the counter has none
// (fixed window). It returns the new value, or 0 on failure.
func (m *Manager) Increment(ctx context.Context, key string, delta int64, ttl time.Duration, refresh bool) int64 {
	ctx, span, client, err := m.begin(ctx, "increment", key)
	defer span.End()
	if err != nil {
		return 0
	}

	k := m.key(key)
	ttl = m.ttlOrDefault(ttl)

	var n int64
	if refresh {
		var incr *redis.IntCmd
		_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.IncrBy(ctx, k, delta)
			pipe.Expire(ctx, k, ttl)
			return nil
		})
		if err == nil {
			n = incr.Val()
		}
	} else {
		seconds := int64(ttl / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		n, err = incrementOnce.Run(ctx, client, []string{k}, delta, seconds).Int64()
	}

	if err != nil {
		m.fail(span, "increment", key, client, err)
		return 0
	}
	m.ok("increment")
	return n
}

// ClearPattern deletes every namespaced key matching the glob and returns how
// many were deleted. Enumeration and deletion are not atomic: keys written
// while the scan runs may survive.
func (m *Manager) ClearPattern(ctx context.Context, pattern string) int64 {
	n, _ := m.clear(ctx, "clear_pattern", pattern)
	return n
}

// ClearAll deletes every key under the namespace prefix
func (m *Manager) ClearAll(ctx context.Context) bool {
	_, err := m.clear(ctx, "clear_all", "*")
	return err == nil
}

func (m *Manager) clear(ctx context.Context, op, pattern string) (int64, error) {
	ctx, span, client, err := m.begin(ctx, op, pattern)
	defer span.End()
	if err != nil {
		return 0, err
	}

	var deleted int64
	iter := client.Scan(ctx, 0, m.key(pattern), scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) < scanBatch {
			continue
		}
		n, err := client.Del(ctx, batch...).Result()
		if err != nil {
			m.fail(span, op, pattern, client, err)
			return deleted, err
		}
		deleted += n
		batch = batch[:0]
	}
	if err := iter.Err(); err != nil {
		m.fail(span, op, pattern, client, err)
		return deleted, err
	}
	if len(batch) > 0 {
		n, err := client.Del(ctx, batch...).Result()
		if err != nil {
			m.fail(span, op, pattern, client, err)
			return deleted, err
		}
		deleted += n
	}

	span.SetAttributes(attribute.Int64("cache.deleted", deleted))
	m.ok(op)
	return deleted, nil
}

// Stats reports connectivity and server counters. On failure it returns
// Connected=false with the error message.
func (m *Manager) Stats(ctx context.Context) Stats {
	ctx = context.WithoutCancel(ctx)
	info, err := m.connector.Info(ctx)
	if err != nil {
		m.errLog.Do(func() {
			m.logger.Error("failed to get cache stats", zap.Error(err))
		})
		return Stats{Connected: false, Error: err.Error()}
	}
	return StatsFromInfo(info, m.connector.IsConnected())
}
