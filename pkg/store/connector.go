// Package store owns the connection pool to the Redis server that backs the cache
// and the rate limiter.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrConnectionFailure is returned when the store cannot be reached.
var ErrConnectionFailure = errors.New("store: connection failure")

// State is the connection state of a Connector
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds connection settings for the store
type Config struct {
	URL          string        // redis:// or rediss:// URL
	Password     string        // Overrides the URL password when set
	DB           int           // Overrides the URL database when > 0
	UseTLS       bool          // Force an encrypted transport
	PoolSize     int           // Maximum pooled connections
	DialTimeout  time.Duration // Timeout for establishing a connection
	ReadTimeout  time.Duration // Socket read timeout
	WriteTimeout time.Duration // Socket write timeout
	MaxRetries   int           // Retries on timeouts and network errors
	KeepAlive    time.Duration // TCP keepalive period

	// Breaker settings for connection attempts
	BreakerFailures uint32        // Consecutive dial failures before the breaker opens
	BreakerTimeout  time.Duration // How long the breaker stays open
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		URL:             "redis://localhost:6379/0",
		PoolSize:        20,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		KeepAlive:       30 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  10 * time.Second,
	}
}

// Connector manages the lifecycle of a pooled Redis client.
// A single Connector is meant to be shared by every component of the process.
type Connector struct {
	cfg     Config
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	client *redis.Client
	state  State
}

// NewConnector creates a connector. No connection is made until Connect or
// EnsureConnected is called.
func NewConnector(cfg Config, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultConfig().BreakerFailures
	}

	c := &Connector{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-connect",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("store breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return c
}

// Connect establishes (or re-establishes) the connection pool and verifies it
// with a PING.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Connector) connectLocked(ctx context.Context) error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.state = StateDisconnected

	result, err := c.breaker.Execute(func() (interface{}, error) {
		opts, err := c.options()
		if err != nil {
			return nil, err
		}

		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		c.logger.Error("failed to connect to store", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}

	c.client = result.(*redis.Client)
	c.state = StateConnected
	c.logger.Info("store connection established",
		zap.String("addr", c.client.Options().Addr),
		zap.Int("pool_size", c.client.Options().PoolSize),
		zap.Bool("tls", c.client.Options().TLSConfig != nil),
	)
	return nil
}

// options translates Config into go-redis options
func (c *Connector) options() (*redis.Options, error) {
	url := c.cfg.URL
	if url == "" {
		url = DefaultConfig().URL
	}
	if c.cfg.UseTLS && strings.HasPrefix(url, "redis://") {
		url = "rediss://" + strings.TrimPrefix(url, "redis://")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid store url: %w", err)
	}

	if c.cfg.Password != "" {
		opts.Password = c.cfg.Password
	}
	if c.cfg.DB > 0 {
		opts.DB = c.cfg.DB
	}
	if c.cfg.PoolSize > 0 {
		opts.PoolSize = c.cfg.PoolSize
	}
	if c.cfg.DialTimeout > 0 {
		opts.DialTimeout = c.cfg.DialTimeout
	}
	if c.cfg.ReadTimeout > 0 {
		opts.ReadTimeout = c.cfg.ReadTimeout
	}
	if c.cfg.WriteTimeout > 0 {
		opts.WriteTimeout = c.cfg.WriteTimeout
	}
	if c.cfg.MaxRetries != 0 {
		opts.MaxRetries = c.cfg.MaxRetries
	}

	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: c.cfg.KeepAlive,
	}
	tlsConfig := opts.TLSConfig
	opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if tlsConfig != nil {
			return tlsDial(ctx, dialer, network, addr, tlsConfig)
		}
		return dialer.DialContext(ctx, network, addr)
	}

	return opts, nil
}

// Disconnect releases the connection pool. It is safe to call more than once.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		c.state = StateDisconnected
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.state = StateDisconnected
	c.logger.Info("store connection closed")
	return err
}

// EnsureConnected returns the pooled client, connecting lazily if needed.
func (c *Connector) EnsureConnected(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected && c.client != nil {
		return c.client, nil
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.client, nil
}

// MarkDisconnected drops client after a transport failure so the next
// EnsureConnected dials again. It does nothing when client is no longer the
// current pool, so a stale failure cannot close a pool opened since. It
// reports whether the pool was dropped.
func (c *Connector) MarkDisconnected(client *redis.Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client == nil || c.client != client {
		return false
	}

	_ = c.client.Close()
	c.client = nil
	c.state = StateDisconnected
	c.logger.Warn("store pool dropped after transport failure")
	return true
}

// Ping checks that the store answers
func (c *Connector) Ping(ctx context.Context) error {
	client, err := c.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// IsConnected reports whether the connector currently holds a live pool
func (c *Connector) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current connection state
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info runs INFO and returns its fields as a flat map
func (c *Connector) Info(ctx context.Context) (map[string]string, error) {
	client, err := c.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := client.Info(ctx).Result()
	if err != nil {
		return nil, err
	}
	return ParseInfo(raw), nil
}

// ParseInfo parses the text returned by INFO. Section headers and blank lines
// are skipped.
func ParseInfo(raw string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		info[key] = value
	}
	return info
}

// IsConnectionError reports whether err is a transport-level failure
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionFailure) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// NeedsReconnect reports whether err means the pool that returned it is no
// longer usable: it was closed or the server refused new connections. Read and
// write timeouts do not qualify, go-redis discards the bad connection itself.
func NeedsReconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout()
}
