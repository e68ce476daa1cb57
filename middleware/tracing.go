package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TracingConfig holds configuration for tracing middleware
type TracingConfig struct {
	Tracer       trace.Tracer
	TracerName   string
	Propagator   propagation.TextMapPropagator
	RecordErrors bool
	ExtraAttrs   []attribute.KeyValue
}

// TracingOption is a functional option for tracing configuration
type TracingOption func(*TracingConfig)

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) TracingOption {
	return func(c *TracingConfig) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithPropagator sets a custom propagator
func WithPropagator(propagator propagation.TextMapPropagator) TracingOption {
	return func(c *TracingConfig) {
		c.Propagator = propagator
	}
}

// WithoutErrorRecording stops attaching errors to spans as events
func WithoutErrorRecording() TracingOption {
	return func(c *TracingConfig) {
		c.RecordErrors = false
	}
}

// WithExtraAttributes adds extra attributes to all spans
func WithExtraAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.ExtraAttrs = append(c.ExtraAttrs, attrs...)
	}
}

func newTracingConfig(opts []TracingOption) *TracingConfig {
	config := &TracingConfig{
		TracerName:   "cache-guardian",
		Propagator:   otel.GetTextMapPropagator(),
		RecordErrors: true,
	}
	for _, opt := range opts {
		opt(config)
	}

	// Get or create tracer
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(config.TracerName)
	}
	return config
}

// Tracing starts a server span per HTTP request, continuing any trace
// propagated in the request headers.
func Tracing(opts ...TracingOption) func(http.Handler) http.Handler {
	config := newTracingConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := config.Propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := config.Tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(config.ExtraAttrs...),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.client_ip", ClientIP(r)),
					attribute.String("http.user_agent", r.UserAgent()),
				),
			)
			defer span.End()

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			// Routing has happened, the pattern gives a low-cardinality name
			if pattern := routePattern(r); pattern != r.Method+" unmatched" {
				span.SetName(pattern)
			}
			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

// UnaryTracing starts a server span per gRPC call
func UnaryTracing(opts ...TracingOption) grpc.UnaryServerInterceptor {
	config := newTracingConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// Extract trace context from incoming metadata
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = config.Propagator.Extract(ctx, &metadataCarrier{md: md})
		}

		ctx, span := config.Tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(config.ExtraAttrs...),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", extractServiceName(info.FullMethod)),
			attribute.String("rpc.method", extractMethodName(info.FullMethod)),
			attribute.String("net.peer.ip", ExtractClientIP(ctx)),
		)

		resp, err := handler(ctx, req)

		if err != nil {
			st := status.Convert(err)
			span.SetStatus(codes.Error, st.Message())
			span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
			if config.RecordErrors {
				span.RecordError(err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.String("rpc.grpc.status_code", "OK"))
		}

		return resp, err
	}
}

// metadataCarrier adapts grpc metadata to be a TextMapCarrier
type metadataCarrier struct {
	md metadata.MD
}

// Get returns the value associated with the passed key.
func (mc *metadataCarrier) Get(key string) string {
	values := mc.md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set stores the key-value pair.
func (mc *metadataCarrier) Set(key string, value string) {
	mc.md.Set(key, value)
}

// Keys lists the keys stored in this carrier.
func (mc *metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc.md))
	for k := range mc.md {
		keys = append(keys, k)
	}
	return keys
}

// fullMethod format: "/package.Service/Method"
func extractServiceName(fullMethod string) string {
	for i := 1; i < len(fullMethod); i++ {
		if fullMethod[i] == '/' {
			return fullMethod[1:i]
		}
	}
	return fullMethod
}

func extractMethodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}
