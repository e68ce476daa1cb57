package middleware

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/ratelimit"
	"github.com/grpc-guardian/cache-guardian/pkg/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func newTestManager(t *testing.T) (*cache.Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := store.DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	conn := store.NewConnector(cfg, nil)
	t.Cleanup(func() { _ = conn.Disconnect() })

	return cache.NewManager(conn, cache.Config{Prefix: "mw:"}), mr
}

func newTestLimiter(t *testing.T, limits ratelimit.Limits) *ratelimit.Limiter {
	t.Helper()

	m, _ := newTestManager(t)
	return ratelimit.New(m, limits)
}

// mockInfo creates mock UnaryServerInfo
func mockInfo(method string) *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{
		FullMethod: method,
	}
}

// mockHandler returns resp and err, counting calls
func mockHandler(resp interface{}, err error, calls *int) grpc.UnaryHandler {
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		if calls != nil {
			*calls++
		}
		return resp, err
	}
}

func incomingFrom(ip string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", ip))
}
