package promclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opQuery      = "query"
	opQueryRange = "query_range"

	queryPath      = "/api/v1/query"
	queryRangePath = "/api/v1/query_range"

	maxResponseBytes = 64 << 20
)

// Config is fixed for the lifetime of a Client. Build a new Client to change it.
type Config struct {
	Endpoint                string        `mapstructure:"endpoint"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	MaxRetries              int           `mapstructure:"max_retries"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitCooldown         time.Duration `mapstructure:"circuit_cooldown"`
	PoolSize                int           `mapstructure:"connection_pool_size"`
	BearerToken             string        `mapstructure:"bearer_token"`
	Username                string        `mapstructure:"username"`
	Password                string        `mapstructure:"password"`
}

// DefaultConfig returns the client defaults for a local Prometheus
func DefaultConfig() Config {
	return Config{
		Endpoint:                "http://localhost:9090",
		Timeout:                 5 * time.Second,
		MaxRetries:              3,
		RetryBackoff:            100 * time.Millisecond,
		CircuitBreakerThreshold: 5,
		CircuitCooldown:         30 * time.Second,
		PoolSize:                4,
	}
}

// Validate checks the configuration. Zero RetryBackoff and CircuitCooldown
// are accepted and replaced by their defaults in New.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q is not an absolute URL", ErrInvalidConfig, c.Endpoint)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	if c.RetryBackoff < 0 || c.CircuitCooldown < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("%w: circuit breaker threshold must be at least 1", ErrInvalidConfig)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("%w: connection pool size must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Recorder receives client metrics. *metrics.Metrics implements it.
type Recorder interface {
	QueryCompleted(op, outcome string, d time.Duration)
	QueryRetried(op string)
	CircuitChanged(open bool)
	CacheAccessed(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) QueryCompleted(string, string, time.Duration) {}
func (nopRecorder) QueryRetried(string)                          {}
func (nopRecorder) CircuitChanged(bool)                          {}
func (nopRecorder) CacheAccessed(bool)                           {}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger for retries and breaker transitions
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records query outcomes, retries and breaker state
func WithMetrics(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithClock replaces time.Now for breaker cooldown decisions
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTransport shares one RoundTripper across the pool instead of giving
// each pooled client its own transport
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// Client queries the Prometheus HTTP API through a fixed pool of HTTP
// clients, retrying failed attempts and failing fast while the circuit
// breaker is open. It is safe for concurrent use.
type Client struct {
	cfg       Config
	endpoint  *url.URL
	logger    *zap.Logger
	metrics   Recorder
	now       func() time.Time
	transport http.RoundTripper

	// mu guards the pool cursor and the breaker counters
	mu      sync.Mutex
	pool    []*http.Client
	next    int
	breaker breaker
}

// New validates cfg and builds the connection pool
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.CircuitCooldown == 0 {
		cfg.CircuitCooldown = defaults.CircuitCooldown
	}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		logger:   zap.NewNop(),
		metrics:  nopRecorder{},
		now:      time.Now,
		breaker: breaker{
			threshold: cfg.CircuitBreakerThreshold,
			cooldown:  cfg.CircuitCooldown,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pool = make([]*http.Client, cfg.PoolSize)
	for i := range c.pool {
		rt := c.transport
		if rt == nil {
			t := http.DefaultTransport.(*http.Transport).Clone()
			t.MaxIdleConnsPerHost = 2
			t.ResponseHeaderTimeout = cfg.Timeout
			rt = t
		}
		c.pool[i] = &http.Client{Timeout: cfg.Timeout, Transport: rt}
	}

	c.logger.Info("prometheus client created",
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Int("circuit_breaker_threshold", cfg.CircuitBreakerThreshold))

	return c, nil
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.cfg
}

// State returns a snapshot of the circuit breaker
func (c *Client) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker.state()
}

// Query runs an instant query and returns the raw JSON body
func (c *Client) Query(ctx context.Context, expr string) ([]byte, error) {
	params := url.Values{}
	params.Set("query", expr)
	return c.do(ctx, opQuery, queryPath, params)
}

// QueryRange runs a range query. start and end are sent as RFC3339 UTC and
// step as whole seconds.
func (c *Client) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]byte, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, end, start)
	}
	if step < time.Second {
		return nil, fmt.Errorf("%w: step must be at least one second", ErrInvalidRange)
	}

	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	params.Set("step", strconv.FormatInt(int64(step/time.Second), 10))
	return c.do(ctx, opQueryRange, queryRangePath, params)
}

func (c *Client) do(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	start := time.Now()

	hc, ok := c.acquire()
	if !ok {
		c.metrics.QueryCompleted(op, string(ReasonCircuitOpen), time.Since(start))
		return nil, &QueryError{Op: op, Reason: ReasonCircuitOpen, Err: ErrCircuitOpen}
	}

	u := c.endpoint.JoinPath(path)
	u.RawQuery = params.Encode()
	target := u.String()

	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.QueryRetried(op)
			c.logger.Debug("retrying prometheus query",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			if err := sleep(ctx, c.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		body, status, err := c.attempt(ctx, hc, target)
		if err == nil {
			c.recordSuccess()
			c.metrics.QueryCompleted(op, "success", time.Since(start))
			return body, nil
		}
		lastErr, lastStatus = err, status

		// a caller that gave up is not a backend failure
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if c.recordFailure() {
			break
		}
	}

	qerr := &QueryError{Op: op, Reason: ReasonTransport, Attempts: attempts, Err: lastErr}
	if lastStatus != 0 && ctx.Err() == nil {
		qerr.Reason = ReasonStatus
		qerr.StatusCode = lastStatus
	}
	c.metrics.QueryCompleted(op, string(qerr.Reason), time.Since(start))
	c.logger.Warn("prometheus query failed",
		zap.String("op", op),
		zap.String("reason", string(qerr.Reason)),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return nil, qerr
}

// acquire checks the breaker and hands out the next pooled client round-robin
func (c *Client) acquire() (*http.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok, closed := c.breaker.allow(c.now())
	if closed {
		c.logger.Info("circuit breaker closed after cooldown")
		c.metrics.CircuitChanged(false)
	}
	if !ok {
		return nil, false
	}

	hc := c.pool[c.next]
	c.next = (c.next + 1) % len(c.pool)
	return hc, true
}

// recordFailure counts a failed attempt and reports whether the breaker is open
func (c *Client) recordFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.breaker.failure(c.now()) {
		c.logger.Warn("circuit breaker opened",
			zap.Int("consecutive_failures", c.breaker.failures),
			zap.Duration("cooldown", c.breaker.cooldown))
		c.metrics.CircuitChanged(true)
	}
	return c.breaker.open
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.breaker.success() {
		c.logger.Info("circuit breaker closed by successful query")
		c.metrics.CircuitChanged(false)
	}
}

func (c *Client) attempt(ctx context.Context, hc *http.Client, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// authorize attaches credentials. A bearer token wins over basic auth.
func (c *Client) authorize(req *http.Request) {
	switch {
	case c.cfg.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	case c.cfg.Username != "" && c.cfg.Password != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCircuitOpen reports whether err is a fast-fail from an open breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
