package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	guardian "github.com/grpc-guardian/cache-guardian"
	"github.com/grpc-guardian/cache-guardian/middleware"
	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/config"
	"github.com/grpc-guardian/cache-guardian/pkg/ratelimit"
	"github.com/grpc-guardian/cache-guardian/pkg/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SearchResult is returned by the demo search endpoint
type SearchResult struct {
	Query     string    `json:"query"`
	Results   []string  `json:"results"`
	Generated time.Time `json:"generated"`
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML settings file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(settings, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(settings *config.Settings) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewDevelopmentConfig()
	if settings.IsProduction() {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build(zap.Fields(zap.String("env", settings.Env)))
}

func run(settings *config.Settings, logger *zap.Logger) error {
	tp, err := tracing.Setup(settings.TracingConfig())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx, tp); err != nil {
			logger.Error("failed to shutdown tracer provider", zap.Error(err))
		}
	}()

	g, err := guardian.New(settings, logger, guardian.WithSkipPaths("/healthz", "/metrics"))
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	startCtx, cancel := context.WithTimeout(context.Background(), settings.Redis.DialTimeout+time.Second)
	g.Start(startCtx)
	cancel()

	srv := &http.Server{
		Addr:              settings.Addr(),
		Handler:           newRouter(g, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(ctx)
}

func newRouter(g *guardian.Guardian, logger *zap.Logger) http.Handler {
	settings := g.Settings()
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   settings.CORS.Origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "X-Total-Count"},
		AllowCredentials: settings.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(g.HTTPChain().Funcs()...)

	r.Get("/healthz", healthHandler(g))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		g.Metrics().GetRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	r.Get("/cache/stats", statsHandler(g))

	search := cache.Memoize(g.Manager(), "search:", "demo", slowSearch,
		cache.WithMemoTTL(10*time.Minute),
	)
	r.With(middleware.EndpointRateLimit(g.Limiter(), "search", ratelimit.Limits{PerMinute: 10, PerHour: 200})).
		Get("/api/search", searchHandler(search, logger))

	return r
}

func healthHandler(g *guardian.Guardian) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// a client hanging up mid-dial must not count against the store breaker
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()

		if err := g.Manager().Connector().Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"store":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": "connected"})
	}
}

func statsHandler(g *guardian.Guardian) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := g.Manager().Stats(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"stats":    stats,
			"hit_rate": stats.HitRate(),
			"prefix":   g.Manager().Prefix(),
		})
	}
}

func searchHandler(search func(context.Context, string) (SearchResult, error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing query parameter q"})
			return
		}

		res, err := search(r.Context(), q)
		if err != nil {
			logger.Error("search failed", zap.String("query", q), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "search failed"})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// slowSearch stands in for an expensive upstream call
func slowSearch(ctx context.Context, q string) (SearchResult, error) {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return SearchResult{}, ctx.Err()
	}

	return SearchResult{
		Query:     q,
		Results:   []string{q + " overview", q + " tutorial", q + " reference"},
		Generated: time.Now().UTC(),
	}, nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
