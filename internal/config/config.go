// Package config loads and validates fetch engine configuration via Viper.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetchengine/internal/engine"
	"github.com/JakeFAU/fetchengine/internal/policy/retry"
	"github.com/JakeFAU/fetchengine/internal/pool"
	"github.com/JakeFAU/fetchengine/internal/processor"
	"github.com/JakeFAU/fetchengine/internal/transport"
)

// EnvPrefix namespaces environment overrides, e.g. FETCHER_ENGINE_WORKERS=20.
const EnvPrefix = "FETCHER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Retry    RetryConfig    `mapstructure:"retry"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig governs the worker pool, scheduling and processing.
type EngineConfig struct {
	Workers               int               `mapstructure:"workers"`
	QueueSize             int               `mapstructure:"queue_size"`
	OverflowLimit         int               `mapstructure:"overflow_limit"`
	RateLimitDelay        time.Duration     `mapstructure:"rate_limit_delay"`
	HostRPS               float64           `mapstructure:"host_rps"`
	HostBurst             int               `mapstructure:"host_burst"`
	Multiplexing          bool              `mapstructure:"multiplexing"`
	MaxConnectionsPerHost int               `mapstructure:"max_connections_per_host"`
	ConcurrentProcessing  bool              `mapstructure:"concurrent_processing"`
	ProcessingThreshold   int               `mapstructure:"processing_threshold"`
	ProcessingWorkers     int               `mapstructure:"processing_workers"`
	MonitorInterval       time.Duration     `mapstructure:"monitor_interval"`
	DrainTimeout          time.Duration     `mapstructure:"drain_timeout"`
	ForceTimeout          time.Duration     `mapstructure:"force_timeout"`
	UserAgent             string            `mapstructure:"user_agent"`
	Headers               map[string]string `mapstructure:"headers"`
}

// RetryConfig configures the backoff policy.
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	Multiplier      float64       `mapstructure:"multiplier"`
	RetryableStatus []int         `mapstructure:"retryable_status"`
	RetryableErrors []string      `mapstructure:"retryable_errors"`
}

// HTTPConfig configures the outbound transport.
type HTTPConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConcurrentTimeout time.Duration `mapstructure:"concurrent_timeout"`
	IdleConnTimeout   time.Duration `mapstructure:"idle_conn_timeout"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig controls batch progress events.
type ProgressConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LogEvents     bool          `mapstructure:"log_events"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TracingConfig controls OpenTelemetry spans for upstream requests.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("server.max_batch_size", 500)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("engine.workers", pool.DefaultWorkers)
	v.SetDefault("engine.queue_size", pool.DefaultQueueSize)
	v.SetDefault("engine.overflow_limit", pool.DefaultWorkers)
	v.SetDefault("engine.rate_limit_delay", "1s")
	v.SetDefault("engine.host_rps", 0)
	v.SetDefault("engine.host_burst", 1)
	v.SetDefault("engine.multiplexing", true)
	v.SetDefault("engine.max_connections_per_host", transport.DefaultMaxConnsPerHost)
	v.SetDefault("engine.concurrent_processing", true)
	v.SetDefault("engine.processing_threshold", processor.DefaultThreshold)
	v.SetDefault("engine.processing_workers", max(2, runtime.NumCPU()))
	v.SetDefault("engine.monitor_interval", "30s")
	v.SetDefault("engine.drain_timeout", "60s")
	v.SetDefault("engine.force_timeout", "10s")
	v.SetDefault("engine.user_agent", engine.DefaultUserAgent)
	v.SetDefault("retry.max_retries", retry.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.multiplier", retry.DefaultMultiplier)
	v.SetDefault("http.connect_timeout", "10s")
	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("http.concurrent_timeout", "45s")
	v.SetDefault("http.idle_conn_timeout", "90s")
	v.SetDefault("http.max_idle_conns", transport.DefaultMaxIdleConns)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.flush_interval", "500ms")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fetchengine")
	v.SetDefault("tracing.sample_ratio", 0)
	v.SetDefault("tracing.log_spans", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxBatchSize <= 0 {
		return fmt.Errorf("server.max_batch_size must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.RateLimitDelay < 0 {
		return fmt.Errorf("engine.rate_limit_delay must be >= 0")
	}
	if c.Engine.MaxConnectionsPerHost <= 0 {
		return fmt.Errorf("engine.max_connections_per_host must be > 0")
	}
	if c.Engine.ProcessingThreshold <= 0 {
		return fmt.Errorf("engine.processing_threshold must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must be >= 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be > 0")
	}
	if c.Progress.BufferSize < 0 {
		return fmt.Errorf("progress.buffer_size must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// RetryPolicy converts the retry section into a policy.
func (c Config) RetryPolicy() (*retry.Policy, error) {
	p, err := retry.New(retry.Config{
		MaxAttempts:     c.Retry.MaxRetries,
		BaseDelay:       c.Retry.BaseDelay,
		Multiplier:      c.Retry.Multiplier,
		RetryableStatus: c.Retry.RetryableStatus,
		RetryableErrors: c.Retry.RetryableErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("build retry policy: %w", err)
	}
	return p, nil
}

// EngineConfig converts the engine and http sections into engine settings.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Pool: pool.Config{
			Workers:       c.Engine.Workers,
			QueueSize:     c.Engine.QueueSize,
			OverflowLimit: c.Engine.OverflowLimit,
			DrainTimeout:  c.Engine.DrainTimeout,
			ForceTimeout:  c.Engine.ForceTimeout,
		},
		Monitor: pool.MonitorConfig{Interval: c.Engine.MonitorInterval},
		Transport: transport.Config{
			ConnectTimeout:  c.HTTP.ConnectTimeout,
			RequestTimeout:  c.HTTP.RequestTimeout,
			MaxConnsPerHost: c.Engine.MaxConnectionsPerHost,
			MaxIdleConns:    c.HTTP.MaxIdleConns,
			IdleConnTimeout: c.HTTP.IdleConnTimeout,
		},
		Processor: processor.Config{
			Enabled:   c.Engine.ConcurrentProcessing,
			Threshold: c.Engine.ProcessingThreshold,
			Workers:   c.Engine.ProcessingWorkers,
		},
		RateLimitInterval:     c.Engine.RateLimitDelay,
		HostRPS:               c.Engine.HostRPS,
		HostBurst:             c.Engine.HostBurst,
		Multiplexing:          c.Engine.Multiplexing,
		MaxConnectionsPerHost: c.Engine.MaxConnectionsPerHost,
		ConcurrentTimeout:     c.HTTP.ConcurrentTimeout,
		UserAgent:             c.Engine.UserAgent,
		Headers:               c.Engine.Headers,
	}
}
