// Package engine coordinates batch fetches: it groups URLs by host, runs one
// worker-pool task per host and pushes every URL through rate limiting, the
// transport, the retry loop and the response processor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchengine/internal/policy/retry"
	"github.com/JakeFAU/fetchengine/internal/pool"
	"github.com/JakeFAU/fetchengine/internal/processor"
	"github.com/JakeFAU/fetchengine/internal/progress"
	"github.com/JakeFAU/fetchengine/internal/transport"
)

var (
	// ErrPoolUnavailable is returned when no host task of a batch could be submitted.
	ErrPoolUnavailable = errors.New("engine: worker pool unavailable")
	// ErrShutdown is returned by operations invoked after Shutdown.
	ErrShutdown = errors.New("engine: shut down")
)

// TracerName is the instrumentation scope of engine spans.
const TracerName = "github.com/JakeFAU/fetchengine/internal/engine"

// DefaultUserAgent is sent unless overridden.
const DefaultUserAgent = "fetchengine/1.0"

// Default coordinator settings.
const (
	DefaultConcurrentTimeout    = 45 * time.Second
	DefaultProcessorStopTimeout = 10 * time.Second
	DefaultMonitorStopTimeout   = 5 * time.Second
)

// DefaultHeaders returns the headers attached to every outgoing request.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      DefaultUserAgent,
		"Accept":          "application/json, text/plain, */*",
		"Accept-Language": "en-US,en;q=0.9",
		"Cache-Control":   "no-cache",
	}
}

// Config is the full engine configuration.
type Config struct {
	Pool      pool.Config
	Monitor   pool.MonitorConfig
	Transport transport.Config
	Processor processor.Config

	// RateLimitInterval is the pause before every request but the first.
	RateLimitInterval time.Duration
	// HostRPS enables a per-host token bucket when positive.
	HostRPS   float64
	HostBurst int
	// Multiplexing fans a host group out over HTTP/2.
	Multiplexing          bool
	MaxConnectionsPerHost int
	// ConcurrentTimeout bounds each attempt and the final parse when concurrent
	// processing is enabled.
	ConcurrentTimeout    time.Duration
	ProcessorStopTimeout time.Duration
	MonitorStopTimeout   time.Duration

	UserAgent string
	Headers   map[string]string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Pool:                  pool.Config{Workers: pool.DefaultWorkers},
		Monitor:               pool.MonitorConfig{Interval: pool.DefaultMonitorInterval},
		Transport:             transport.DefaultConfig(),
		Processor:             processor.DefaultConfig(),
		RateLimitInterval:     ratelimit.DefaultInterval,
		Multiplexing:          true,
		MaxConnectionsPerHost: transport.DefaultMaxConnsPerHost,
		ConcurrentTimeout:     DefaultConcurrentTimeout,
		ProcessorStopTimeout:  DefaultProcessorStopTimeout,
		MonitorStopTimeout:    DefaultMonitorStopTimeout,
		UserAgent:             DefaultUserAgent,
	}
}

// Sender performs one HTTP exchange.
type Sender interface {
	Send(ctx context.Context, req fetch.Request, mode transport.Mode) (*transport.Response, error)
}

// Clock supplies timestamps for results.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch identifiers for log correlation.
type IDGenerator interface {
	NewID() (string, error)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Option customizes an Engine.
type Option func(*Engine)

// WithSender replaces the HTTP transport.
func WithSender(s Sender) Option {
	return func(e *Engine) {
		if s != nil {
			e.sender = s
		}
	}
}

// WithClock replaces the timestamp source.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIDGenerator sets the batch id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithProgress sends batch lifecycle events to em.
func WithProgress(em progress.Emitter) Option {
	return func(e *Engine) {
		e.progress = em
	}
}

// WithTracerProvider records a span per logical request on tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(TracerName)
		}
	}
}

func withPauser(p ratelimit.Pauser) Option {
	return func(e *Engine) {
		e.pauser = p
	}
}

// Engine is the fetch coordinator. It owns the worker pool, the health
// monitor and the processing pool.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	policy    *retry.Policy
	interval  *ratelimit.Interval
	hosts     *ratelimit.HostLimiter
	pauser    ratelimit.Pauser
	client    *transport.Client
	sender    Sender
	pool      *pool.Pool
	monitor   *pool.Monitor
	processor *processor.Processor
	clock     Clock
	ids       IDGenerator
	progress  progress.Emitter
	tracer    trace.Tracer

	headersMu sync.RWMutex
	headers   map[string]string

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds an engine and starts its pools and monitor. A nil policy uses
// retry.DefaultPolicy.
func New(cfg Config, policy *retry.Policy, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if cfg.MaxConnectionsPerHost <= 0 {
		cfg.MaxConnectionsPerHost = transport.DefaultMaxConnsPerHost
	}
	if cfg.ConcurrentTimeout <= 0 {
		cfg.ConcurrentTimeout = DefaultConcurrentTimeout
	}
	if cfg.ProcessorStopTimeout <= 0 {
		cfg.ProcessorStopTimeout = DefaultProcessorStopTimeout
	}
	if cfg.MonitorStopTimeout <= 0 {
		cfg.MonitorStopTimeout = DefaultMonitorStopTimeout
	}
	cfg.Transport.MaxConnsPerHost = cfg.MaxConnectionsPerHost

	client, err := transport.New(cfg.Transport, logger.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	headers := DefaultHeaders()
	if cfg.UserAgent != "" {
		headers["User-Agent"] = cfg.UserAgent
	}
	for k, v := range cfg.Headers {
		headers[http.CanonicalHeaderKey(k)] = v
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		policy:   policy,
		interval: ratelimit.NewInterval(cfg.RateLimitInterval),
		hosts:    ratelimit.NewHostLimiter(ratelimit.HostConfig{RPS: cfg.HostRPS, Burst: cfg.HostBurst}),
		pauser:   ratelimit.TimerPauser{},
		client:   client,
		sender:   client,
		clock:    wallClock{},
		tracer:   otel.Tracer(TracerName),
		headers:  headers,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.pool = pool.New(cfg.Pool, logger.Named("pool")).WithClock(e.clock)
	e.monitor = pool.NewMonitor(e.pool, cfg.Monitor, logger.Named("monitor"))
	e.monitor.Start(context.Background())
	e.processor = processor.New(cfg.Processor, logger.Named("processor"))

	logger.Info("fetch engine started",
		zap.Int("workers", e.pool.TargetSize()),
		zap.Duration("rate_limit_interval", cfg.RateLimitInterval),
		zap.Int("max_retries", policy.MaxAttempts()),
		zap.Bool("multiplexing", cfg.Multiplexing),
		zap.Bool("concurrent_processing", cfg.Processor.Enabled),
	)
	return e, nil
}

// SetUserAgent replaces the default User-Agent header.
func (e *Engine) SetUserAgent(ua string) {
	e.AddDefaultHeader("User-Agent", ua)
}

// AddDefaultHeader sets a header on every subsequent request.
func (e *Engine) AddDefaultHeader(name, value string) {
	name = http.CanonicalHeaderKey(name)
	e.headersMu.Lock()
	defer e.headersMu.Unlock()
	e.headers[name] = value
}

// DefaultHeaderValues returns a copy of the current default headers.
func (e *Engine) DefaultHeaderValues() map[string]string {
	e.headersMu.RLock()
	defer e.headersMu.RUnlock()
	return maps.Clone(e.headers)
}

// mergeHeaders layers overrides on top of the defaults.
func (e *Engine) mergeHeaders(overrides map[string]string) map[string]string {
	merged := e.DefaultHeaderValues()
	for k, v := range overrides {
		merged[http.CanonicalHeaderKey(k)] = v
	}
	return merged
}

// PoolHealth returns a snapshot of the fetch worker pool.
func (e *Engine) PoolHealth() fetch.Health {
	return e.pool.Health()
}

// CheckHealth runs one monitor pass immediately.
func (e *Engine) CheckHealth() fetch.Health {
	return e.monitor.Check()
}

// RequestCount is the number of logical requests issued so far.
func (e *Engine) RequestCount() int64 {
	return e.interval.Count()
}

// Policy exposes the retry policy in use.
func (e *Engine) Policy() *retry.Policy {
	return e.policy
}

// Shutdown tears down the processing pool, the monitor and the worker pool,
// in that order. Only the first call does work; later calls return its result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)
		e.logger.Info("shutting down fetch engine")
		var errs []error

		pctx, cancel := context.WithTimeout(ctx, e.cfg.ProcessorStopTimeout)
		if err := e.processor.Close(pctx); err != nil {
			errs = append(errs, err)
		}
		cancel()

		mctx, cancel := context.WithTimeout(ctx, e.cfg.MonitorStopTimeout)
		if err := e.monitor.Stop(mctx); err != nil {
			errs = append(errs, fmt.Errorf("stop monitor: %w", err))
		}
		cancel()

		if err := e.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker pool: %w", err))
		}
		e.client.CloseIdleConnections()

		e.shutdownErr = errors.Join(errs...)
		h := e.pool.Health()
		e.logger.Info("fetch engine stopped",
			zap.Int64("completed_tasks", h.CompletedTasks),
			zap.Int64("workers_replaced", h.WorkersReplaced),
			zap.Int64("requests", e.RequestCount()),
		)
	})
	return e.shutdownErr
}
