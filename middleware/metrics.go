package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/grpc-guardian/cache-guardian/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Metrics records request count, latency, in-flight requests, errors and
// response size for HTTP handlers. Routes are labelled with the chi route
// pattern so path parameters do not explode cardinality.
func Metrics(collector metrics.MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			// Route is only known after routing, so count in-flight by method
			collector.RecordActiveRequests(r.Method, 1)
			defer collector.RecordActiveRequests(r.Method, -1)

			next.ServeHTTP(rec, r)

			route := routePattern(r)
			code := strconv.Itoa(rec.status)
			if rec.status >= http.StatusBadRequest {
				collector.RecordError(route, code)
			}
			collector.RecordRequest(route, code, time.Since(start))
			collector.RecordResponseSize(route, rec.bytes)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " unmatched"
}

// UnaryMetrics creates a gRPC interceptor that collects metrics
func UnaryMetrics(collector metrics.MetricsCollector) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := info.FullMethod
		start := time.Now()

		// Increment active requests
		collector.RecordActiveRequests(method, 1)
		defer collector.RecordActiveRequests(method, -1)

		resp, err := handler(ctx, req)

		code := codes.OK
		if err != nil {
			code = status.Code(err)
			collector.RecordError(method, code.String())
		}

		collector.RecordRequest(method, code.String(), time.Since(start))

		return resp, err
	}
}
