package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Logger         *zap.Logger
	Level          zapcore.Level
	LogRequestBody bool
	SkipPaths      map[string]bool
	ExtraFields    map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) LoggingOption {
	return func(c *LoggingConfig) {
		c.Logger = logger
	}
}

// WithLevel sets the level of successful request entries
func WithLevel(level zapcore.Level) LoggingOption {
	return func(c *LoggingConfig) {
		c.Level = level
	}
}

// WithRequestBody logs gRPC request messages
func WithRequestBody() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogRequestBody = true
	}
}

// WithLogSkipPath silences an HTTP path or gRPC method (health probes)
func WithLogSkipPath(path string) LoggingOption {
	return func(c *LoggingConfig) {
		if c.SkipPaths == nil {
			c.SkipPaths = make(map[string]bool)
		}
		c.SkipPaths[path] = true
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

func newLoggingConfig(opts []LoggingOption) *LoggingConfig {
	config := &LoggingConfig{
		Logger: zap.NewNop(),
		Level:  zapcore.InfoLevel,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return config
}

func (c *LoggingConfig) extra(fields []zap.Field) []zap.Field {
	for k, v := range c.ExtraFields {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// RequestLogging logs one entry per HTTP request with method, path, client,
// user agent, status and duration. 5xx responses log at error level, 4xx at warn.
func RequestLogging(opts ...LoggingOption) func(http.Handler) http.Handler {
	config := newLoggingConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.SkipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			fields := config.extra([]zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("client_ip", ClientIP(r)),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("status", rec.status),
				zap.Int("bytes", rec.bytes),
				zap.Duration("duration", duration),
			})

			switch {
			case rec.status >= http.StatusInternalServerError:
				config.Logger.Error("HTTP request failed", fields...)
			case rec.status >= http.StatusBadRequest:
				config.Logger.Warn("HTTP request rejected", fields...)
			default:
				if ce := config.Logger.Check(config.Level, "HTTP request completed"); ce != nil {
					ce.Write(fields...)
				}
			}
		})
	}
}

// UnaryLogging logs one entry per gRPC call
func UnaryLogging(opts ...LoggingOption) grpc.UnaryServerInterceptor {
	config := newLoggingConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if config.SkipPaths[info.FullMethod] {
			return handler(ctx, req)
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		fields := config.extra([]zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("client_ip", ExtractClientIP(ctx)),
			zap.Duration("duration", duration),
		})
		if config.LogRequestBody {
			fields = append(fields, zap.Any("request", req))
		}

		if err == nil {
			fields = append(fields, zap.String("grpc_code", codes.OK.String()))
			if ce := config.Logger.Check(config.Level, "gRPC request completed"); ce != nil {
				ce.Write(fields...)
			}
			return resp, nil
		}

		st := status.Convert(err)
		fields = append(fields,
			zap.String("grpc_code", st.Code().String()),
			zap.String("error", st.Message()),
		)

		// Log level based on error code
		switch st.Code() {
		case codes.Internal, codes.Unknown, codes.DataLoss:
			config.Logger.Error("gRPC request failed", fields...)
		case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
			codes.PermissionDenied, codes.Unauthenticated, codes.ResourceExhausted:
			config.Logger.Warn("gRPC request rejected", fields...)
		default:
			config.Logger.Info("gRPC request completed with error", fields...)
		}

		return resp, err
	}
}

// statusRecorder captures the status code and body size of a response
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
