package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLimiter(t *testing.T, limits Limits, opts ...Option) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := store.DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	conn := store.NewConnector(cfg, nil)
	t.Cleanup(func() { _ = conn.Disconnect() })

	m := cache.NewManager(conn, cache.Config{Prefix: "rl:"})
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(m, limits, opts...), mr
}

func TestLimiter_MinuteBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{PerMinute: 3, PerHour: 100})
	ctx := context.Background()

	var allowed []bool
	var remainingMinute []int64
	for i := 0; i < 4; i++ {
		d := l.CheckAndIncrement(ctx, "10.0.0.1", Global())
		allowed = append(allowed, d.Allowed)
		remainingMinute = append(remainingMinute, d.RemainingMinute)
	}

	assert.Equal(t, []bool{true, true, true, false}, allowed)
	assert.Equal(t, []int64{2, 1, 0, 0}, remainingMinute)
}

func TestLimiter_IndependentClients(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	assert.True(t, l.CheckAndIncrement(ctx, "10.0.0.1", Global()).Allowed)
	assert.False(t, l.CheckAndIncrement(ctx, "10.0.0.1", Global()).Allowed)

	d := l.CheckAndIncrement(ctx, "10.0.0.2", Global())
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.RemainingMinute)
}

func TestLimiter_HourBudget(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{PerMinute: 100, PerHour: 2})
	ctx := context.Background()

	assert.True(t, l.CheckAndIncrement(ctx, "c", Global()).Allowed)
	assert.True(t, l.CheckAndIncrement(ctx, "c", Global()).Allowed)

	mr.FastForward(2 * time.Minute)
	d := l.CheckAndIncrement(ctx, "c", Global())
	assert.False(t, d.Allowed, "hour window outlives the minute window")
	assert.Equal(t, int64(0), d.RemainingHour)
	assert.Equal(t, int64(100), d.RemainingMinute)
}

func TestLimiter_DecisionMetadata(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{PerMinute: 10, PerHour: 50})
	ctx := context.Background()

	d := l.CheckAndIncrement(ctx, "c", Global())
	assert.Equal(t, int64(10), d.LimitMinute)
	assert.Equal(t, int64(50), d.LimitHour)
	assert.Equal(t, int64(9), d.RemainingMinute)
	assert.Equal(t, int64(49), d.RemainingHour)
	assert.Equal(t, int64(60), d.ResetMinute)
	assert.Equal(t, int64(3600), d.ResetHour)

	assert.True(t, mr.Exists("rl:rate_limit:minute:c"))
	assert.True(t, mr.Exists("rl:rate_limit:hour:c"))
}

func TestLimiter_RollingWindowExtends(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{PerMinute: 2, PerHour: 100})
	ctx := context.Background()

	l.CheckAndIncrement(ctx, "c", Global())
	mr.FastForward(40 * time.Second)
	l.CheckAndIncrement(ctx, "c", Global())
	mr.FastForward(40 * time.Second)

	// Still inside the window refreshed by the second request
	assert.False(t, l.CheckAndIncrement(ctx, "c", Global()).Allowed)
}

func TestLimiter_FixedWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{PerMinute: 2, PerHour: 100}, WithWindowMode(Fixed))
	ctx := context.Background()
	assert.Equal(t, Fixed, l.Mode())

	l.CheckAndIncrement(ctx, "c", Global())
	mr.FastForward(40 * time.Second)
	d := l.CheckAndIncrement(ctx, "c", Global())
	assert.Equal(t, int64(20), d.ResetMinute)

	mr.FastForward(25 * time.Second)
	assert.True(t, l.CheckAndIncrement(ctx, "c", Global()).Allowed, "fixed window has ended")
}

func TestLimiter_EndpointScope(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{PerMinute: 100, PerHour: 1000})
	ctx := context.Background()
	search := Endpoint("search", Limits{PerMinute: 1})

	d := l.CheckAndIncrement(ctx, "c", search)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.LimitMinute)
	assert.Equal(t, int64(1000), d.LimitHour, "zero budgets fall back to global limits")

	assert.False(t, l.CheckAndIncrement(ctx, "c", search).Allowed)
	assert.True(t, l.CheckAndIncrement(ctx, "c", Endpoint("export", Limits{PerMinute: 1})).Allowed)
	assert.True(t, l.CheckAndIncrement(ctx, "c", Global()).Allowed)

	assert.True(t, mr.Exists("rl:rate_limit:endpoint:minute:search:c"))
	assert.True(t, mr.Exists("rl:rate_limit:endpoint:hour:search:c"))
}

func TestLimiter_EndpointKeysIPv6(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	// joined naively both pairs would share "2001:db8::1:a:b"
	first := Endpoint("b", Limits{})
	second := Endpoint("a:b", Limits{})

	assert.True(t, l.CheckAndIncrement(ctx, "2001:db8::1:a", first).Allowed)
	assert.True(t, l.CheckAndIncrement(ctx, "2001:db8::1", second).Allowed,
		"different client and endpoint must not share a counter")

	assert.True(t, mr.Exists("rl:rate_limit:endpoint:minute:b:2001:db8::1:a"))
	assert.True(t, mr.Exists("rl:rate_limit:endpoint:minute:a%3Ab:2001:db8::1"))
}

func TestLimiter_FailOpen(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.URL = "redis://127.0.0.1:1/0"
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.MaxRetries = -1
	m := cache.NewManager(store.NewConnector(cfg, nil), cache.Config{})
	l := New(m, Limits{PerMinute: 1, PerHour: 1})

	for i := 0; i < 3; i++ {
		d := l.CheckAndIncrement(context.Background(), "c", Global())
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.RemainingMinute)
		assert.Equal(t, int64(60), d.ResetMinute)
		assert.Equal(t, int64(3600), d.ResetHour)
	}
}

func TestLimiter_Check(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{PerMinute: 1, PerHour: 10})
	ctx := context.Background()

	_, err := l.Check(ctx, "c", Global())
	require.NoError(t, err)

	d, err := l.Check(ctx, "c", Global())
	require.Error(t, err)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "c", exceeded.ClientID)
	assert.Equal(t, "rate limit exceeded: client c", exceeded.Error())
}

func TestNew_DefaultLimits(t *testing.T) {
	l := New(nil, Limits{})
	assert.Equal(t, DefaultLimits(), l.Limits())
	assert.Equal(t, Rolling, l.Mode())
}
