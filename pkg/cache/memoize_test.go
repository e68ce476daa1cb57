package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResult struct {
	Query string   `json:"query"`
	Hits  []string `json:"hits"`
}

func TestGetOrCompute_CachesResult(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var calls int32
	compute := func(context.Context) (searchResult, error) {
		atomic.AddInt32(&calls, 1)
		return searchResult{Query: "redis", Hits: []string{"a", "b"}}, nil
	}

	first, err := GetOrCompute(ctx, m, "search:redis", compute, time.Minute)
	require.NoError(t, err)
	second, err := GetOrCompute(ctx, m, "search:redis", compute, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "compute should run once")
	assert.Equal(t, int64(60), m.TTL(ctx, "search:redis"))
}

func TestGetOrCompute_ErrorsNotCached(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("upstream unavailable")

	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 42, nil
	}

	_, err := GetOrCompute(ctx, m, "answer", compute, 0)
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Exists(ctx, "answer"))

	v, err := GetOrCompute(ctx, m, "answer", compute, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_NullIsMiss(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.True(t, m.SetRaw(ctx, "maybe", []byte("null"), 0))

	calls := 0
	v, err := GetOrCompute(ctx, m, "maybe", func(context.Context) (string, error) {
		calls++
		return "filled", nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "filled", v)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "filled", m.Get(ctx, "maybe", nil))
}

func TestGetOrCompute_StoreDown(t *testing.T) {
	m := newUnreachableManager(t)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (string, error) {
		calls++
		return "fresh", nil
	}

	for i := 0; i < 2; i++ {
		v, err := GetOrCompute(ctx, m, "k", compute, 0)
		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
	}
	assert.Equal(t, 2, calls, "every call computes while the store is down")
}

func TestMemoize_PerArgument(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var calls int32
	search := Memoize(m, "memo:", "search", func(_ context.Context, args searchArgs) (searchResult, error) {
		atomic.AddInt32(&calls, 1)
		return searchResult{Query: args.Query, Hits: []string{strings.ToUpper(args.Query)}}, nil
	}, WithMemoTTL(10*time.Minute))

	r1, err := search(ctx, searchArgs{Query: "go", Limit: 5})
	require.NoError(t, err)
	r2, err := search(ctx, searchArgs{Query: "go", Limit: 5})
	require.NoError(t, err)
	r3, err := search(ctx, searchArgs{Query: "rust", Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, "RUST", r3.Hits[0])
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	key, err := NewDefaultKeyGenerator().GenerateKey("search", searchArgs{Query: "go", Limit: 5})
	require.NoError(t, err)
	assert.True(t, m.Exists(ctx, "memo:"+key))
	assert.Equal(t, int64(600), m.TTL(ctx, "memo:"+key))
}

func TestMemoize_CustomKeyGenerator(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	byQuery := KeyGeneratorFunc(func(name string, args any) (string, error) {
		return name + ":" + args.(searchArgs).Query, nil
	})

	var calls int32
	search := Memoize(m, "memo:", "search", func(_ context.Context, args searchArgs) (int, error) {
		atomic.AddInt32(&calls, 1)
		return args.Limit, nil
	}, WithKeyGenerator(byQuery))

	v1, err := search(ctx, searchArgs{Query: "go", Limit: 5})
	require.NoError(t, err)
	v2, err := search(ctx, searchArgs{Query: "go", Limit: 50})
	require.NoError(t, err)

	assert.Equal(t, 5, v1)
	assert.Equal(t, 5, v2, "limit is not part of the key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, m.Exists(ctx, "memo:search:go"))
}

func TestMemoize_KeyFailureBypassesCache(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	calls := 0
	fn := Memoize(m, "memo:", "stream", func(_ context.Context, ch chan int) (string, error) {
		calls++
		return "ok", nil
	})

	ch := make(chan int)
	for i := 0; i < 2; i++ {
		v, err := fn(ctx, ch)
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	}
	assert.Equal(t, 2, calls)
}
