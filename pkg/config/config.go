// Package config loads service settings from an optional YAML file overlaid
// with environment variables. Settings are read once at startup and are not
// modified afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grpc-guardian/cache-guardian/pkg/cache"
	"github.com/grpc-guardian/cache-guardian/pkg/ratelimit"
	"github.com/grpc-guardian/cache-guardian/pkg/store"
	"github.com/grpc-guardian/cache-guardian/pkg/tracing"
	"gopkg.in/yaml.v3"
)

// Deployment environments
const (
	Development = "development"
	Staging     = "staging"
	Production  = "production"
)

// Settings is the complete service configuration
type Settings struct {
	Env       string            `yaml:"env" validate:"oneof=development staging production"`
	LogLevel  string            `yaml:"log_level" validate:"oneof=debug info warn error"`
	Server    ServerSettings    `yaml:"server"`
	Redis     RedisSettings     `yaml:"redis"`
	Cache     CacheSettings     `yaml:"cache"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	CORS      CORSSettings      `yaml:"cors"`
	Tracing   TracingSettings   `yaml:"tracing"`
}

// ServerSettings configures the HTTP listener
type ServerSettings struct {
	Host            string        `yaml:"host" validate:"required"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// RedisSettings configures the store connection
type RedisSettings struct {
	URL          string        `yaml:"url" validate:"required,url"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	UseTLS       bool          `yaml:"use_tls"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=-1"`
}

// CacheSettings configures the cache manager
type CacheSettings struct {
	Prefix     string        `yaml:"prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl" validate:"gt=0"`
}

// RateLimitSettings configures the limiter and the allowlist
type RateLimitSettings struct {
	PerMinute  int64    `yaml:"per_minute" validate:"gt=0"`
	PerHour    int64    `yaml:"per_hour" validate:"gt=0"`
	WindowMode string   `yaml:"window_mode" validate:"oneof=rolling fixed"`
	Allowlist  []string `yaml:"allowlist"`
}

// CORSSettings configures cross-origin requests
type CORSSettings struct {
	Origins          []string `yaml:"origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// TracingSettings configures the Jaeger exporter
type TracingSettings struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Enabled true"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the settings used when nothing is configured
func Default() *Settings {
	storeDefaults := store.DefaultConfig()
	limits := ratelimit.DefaultLimits()
	tracingDefaults := tracing.DefaultConfig()

	return &Settings{
		Env:      Development,
		LogLevel: "info",
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisSettings{
			URL:          storeDefaults.URL,
			PoolSize:     storeDefaults.PoolSize,
			DialTimeout:  storeDefaults.DialTimeout,
			ReadTimeout:  storeDefaults.ReadTimeout,
			WriteTimeout: storeDefaults.WriteTimeout,
			MaxRetries:   storeDefaults.MaxRetries,
		},
		Cache: CacheSettings{
			Prefix:     cache.DefaultPrefix,
			DefaultTTL: cache.DefaultTTL,
		},
		RateLimit: RateLimitSettings{
			PerMinute:  limits.PerMinute,
			PerHour:    limits.PerHour,
			WindowMode: ratelimit.Rolling.String(),
		},
		CORS: CORSSettings{
			Origins:          []string{"http://localhost:3000", "http://localhost:8000"},
			AllowCredentials: true,
		},
		Tracing: TracingSettings{
			Enabled:      tracingDefaults.Enabled,
			Endpoint:     tracingDefaults.Endpoint,
			SamplingRate: tracingDefaults.SamplingRate,
		},
	}
}

// Load builds settings from defaults, the YAML file at path (skipped when
// path is empty) and the environment, in increasing priority, then
// validates the result.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		if err := s.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := s.loadEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return s, nil
}

func (s *Settings) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables. Every malformed value is reported.
func (s *Settings) loadEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("ENV_NAME", &s.Env)
	str("LOG_LEVEL", &s.LogLevel)
	str("HOST", &s.Server.Host)
	num("PORT", &s.Server.Port)

	str("REDIS_URL", &s.Redis.URL)
	str("REDIS_PASSWORD", &s.Redis.Password)
	num("REDIS_DB", &s.Redis.DB)
	flag("REDIS_USE_SSL", &s.Redis.UseTLS)
	num("REDIS_POOL_SIZE", &s.Redis.PoolSize)

	var ttlSeconds int
	num("CACHE_TTL", &ttlSeconds)
	if ttlSeconds != 0 {
		s.Cache.DefaultTTL = time.Duration(ttlSeconds) * time.Second
	}
	str("CACHE_PREFIX", &s.Cache.Prefix)

	num64("RATE_LIMIT_PER_MINUTE", &s.RateLimit.PerMinute)
	num64("RATE_LIMIT_PER_HOUR", &s.RateLimit.PerHour)
	str("RATE_LIMIT_WINDOW_MODE", &s.RateLimit.WindowMode)
	if v, ok := lookup("RATE_LIMIT_ALLOWLIST"); ok && v != "" {
		s.RateLimit.Allowlist = splitList(v)
	}

	if v, ok := lookup("BACKEND_CORS_ORIGINS"); ok && v != "" {
		origins, err := parseOrigins(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BACKEND_CORS_ORIGINS: %w", err))
		} else {
			s.CORS.Origins = origins
		}
	}
	flag("CORS_ALLOW_CREDENTIALS", &s.CORS.AllowCredentials)

	flag("TRACING_ENABLED", &s.Tracing.Enabled)
	str("JAEGER_ENDPOINT", &s.Tracing.Endpoint)

	return errors.Join(errs...)
}

// parseOrigins accepts a JSON array or a comma separated list
func parseOrigins(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var origins []string
		if err := json.Unmarshal([]byte(v), &origins); err != nil {
			return nil, err
		}
		return origins, nil
	}
	return splitList(v), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the struct constraints
func (s *Settings) Validate() error {
	return validator.New().Struct(s)
}

// IsProduction reports whether Env is production
func (s *Settings) IsProduction() bool {
	return s.Env == Production
}

// IsDevelopment reports whether Env is development
func (s *Settings) IsDevelopment() bool {
	return s.Env == Development
}

// Addr returns the listen address
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}

// StoreConfig returns the connector configuration
func (s *Settings) StoreConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.URL = s.Redis.URL
	cfg.Password = s.Redis.Password
	cfg.DB = s.Redis.DB
	cfg.UseTLS = s.Redis.UseTLS
	if s.Redis.PoolSize > 0 {
		cfg.PoolSize = s.Redis.PoolSize
	}
	if s.Redis.DialTimeout > 0 {
		cfg.DialTimeout = s.Redis.DialTimeout
	}
	if s.Redis.ReadTimeout > 0 {
		cfg.ReadTimeout = s.Redis.ReadTimeout
	}
	if s.Redis.WriteTimeout > 0 {
		cfg.WriteTimeout = s.Redis.WriteTimeout
	}
	cfg.MaxRetries = s.Redis.MaxRetries
	return cfg
}

// CacheConfig returns the cache manager configuration
func (s *Settings) CacheConfig() cache.Config {
	return cache.Config{Prefix: s.Cache.Prefix, DefaultTTL: s.Cache.DefaultTTL}
}

// Limits returns the global rate limits
func (s *Settings) Limits() ratelimit.Limits {
	return ratelimit.Limits{PerMinute: s.RateLimit.PerMinute, PerHour: s.RateLimit.PerHour}
}

// WindowMode returns the configured rate limit window mode
func (s *Settings) WindowMode() ratelimit.WindowMode {
	if s.RateLimit.WindowMode == ratelimit.Fixed.String() {
		return ratelimit.Fixed
	}
	return ratelimit.Rolling
}

// TracingConfig returns the tracer provider configuration
func (s *Settings) TracingConfig() tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = s.Tracing.Enabled
	cfg.Endpoint = s.Tracing.Endpoint
	cfg.SamplingRate = s.Tracing.SamplingRate
	cfg.Environment = s.Env
	return cfg
}
