package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	guardian "github.com/grpc-guardian/cache-guardian"
	"github.com/grpc-guardian/cache-guardian/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T) (http.Handler, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s := config.Default()
	s.Redis.URL = "redis://" + mr.Addr()

	logger := zaptest.NewLogger(t)
	g, err := guardian.New(s, logger, guardian.WithSkipPaths("/healthz", "/metrics"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	return newRouter(g, logger), mr
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, mr := newTestRouter(t)

	rec := serve(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit-Minute"), "health checks are not limited")

	mr.Close()
	rec = serve(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz_ClientGone(t *testing.T) {
	h, _ := newTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "store check runs even after the caller left")
}

func TestSearch_Memoized(t *testing.T) {
	h, mr := newTestRouter(t)

	first := serve(h, http.MethodGet, "/api/search?q=redis")
	require.Equal(t, http.StatusOK, first.Code)
	second := serve(h, http.MethodGet, "/api/search?q=redis")
	require.Equal(t, http.StatusOK, second.Code)

	var a, b SearchResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, "redis", a.Query)
	assert.True(t, a.Generated.Equal(b.Generated), "second call is served from the cache")

	var memoKeys int
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "guardian:search:") {
			memoKeys++
		}
	}
	assert.Equal(t, 1, memoKeys)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/search").Code)
}

func TestCacheStatsAndMetrics(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := serve(h, http.MethodGet, "/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stats  map[string]interface{} `json:"stats"`
		Prefix string                 `json:"prefix"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Stats, "connected")
	assert.Equal(t, "guardian:", body.Prefix)

	rec = serve(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cache_guardian_http_requests_total")
}

func TestCORS(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/search", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
