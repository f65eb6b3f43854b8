// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/clock/system"
	"github.com/JakeFAU/fetchengine/internal/config"
	"github.com/JakeFAU/fetchengine/internal/engine"
	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/id/uuid"
	"github.com/JakeFAU/fetchengine/internal/logging"
	"github.com/JakeFAU/fetchengine/internal/progress"
	"github.com/JakeFAU/fetchengine/internal/progress/sinks"
	"github.com/JakeFAU/fetchengine/internal/telemetry"
)

// Engine is the fetch surface commands and handlers use.
type Engine interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string) (*fetch.Result, error)
	FetchAll(ctx context.Context, urls []string, headers map[string]string) (map[string]*fetch.Result, error)
	PostJSON(ctx context.Context, rawURL string, body []byte, headers map[string]string) (*fetch.Result, error)
	PoolHealth() fetch.Health
	CheckHealth() fetch.Health
	AddDefaultHeader(name, value string)
	Shutdown(ctx context.Context) error
}

// App holds the shared, long-lived services for the application.
// It is initialized once at startup and passed to the components that need it.
type App struct {
	Logger *zap.Logger
	Engine Engine
	Config config.Config
	IDs    *uuid.Generator
	// Progress is nil when progress events are disabled.
	Progress *progress.Hub
	// Tracer is nil when tracing is disabled.
	Tracer *sdktrace.TracerProvider
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.Logger
}

// GetEngine returns the fetch engine.
func (a *App) GetEngine() Engine {
	return a.Engine
}

// GetConfig returns the configuration the app was built from.
func (a *App) GetConfig() config.Config {
	return a.Config
}

// NewApp creates the logger, progress hub, tracer and fetch engine from cfg. It fails fast if
// the retry policy or transport cannot be built.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.InitLogger(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("Initializing application services...")

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	a := &App{Logger: logger, Config: cfg, IDs: uuid.New()}
	opts := []engine.Option{
		engine.WithClock(system.New()),
		engine.WithIDGenerator(a.IDs),
	}

	if cfg.Progress.Enabled {
		hub, err := newProgressHub(cfg.Progress, logger)
		if err != nil {
			return nil, err
		}
		a.Progress = hub
		opts = append(opts, engine.WithProgress(hub))
	}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
			LogSpans:    cfg.Tracing.LogSpans,
		}, logger.Named("trace"))
		if err != nil {
			a.closeObservers(ctx)
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.Tracer = tp
		opts = append(opts, engine.WithTracerProvider(tp))
	}

	eng, err := engine.New(cfg.EngineConfig(), policy, logger.Named("engine"), opts...)
	if err != nil {
		a.closeObservers(ctx)
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	a.Engine = eng

	logger.Info("Application services initialized successfully.")
	return a, nil
}

func newProgressHub(cfg config.ProgressConfig, logger *zap.Logger) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	all := []progress.Sink{promSink}
	if cfg.LogEvents {
		all = append(all, sinks.NewLogSink(logger.Named("progress")))
	}
	return progress.NewHub(progress.Config{
		BufferSize:    cfg.BufferSize,
		FlushInterval: cfg.FlushInterval,
		Logger:        logger.Named("progress"),
	}, all...), nil
}

// closeObservers flushes the progress hub and tracer provider.
func (a *App) closeObservers(ctx context.Context) []error {
	var errs []error
	if a.Progress != nil {
		if err := a.Progress.Close(ctx); err != nil {
			a.GetLogger().Warn("Error closing progress hub", zap.Error(err))
			errs = append(errs, fmt.Errorf("close progress: %w", err))
		}
	}
	if a.Tracer != nil {
		if err := a.Tracer.Shutdown(ctx); err != nil {
			a.GetLogger().Warn("Error shutting down tracer provider", zap.Error(err))
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errs
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close(ctx context.Context) error {
	a.GetLogger().Info("Shutting down application services...")
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Shutdown(ctx); err != nil {
			a.GetLogger().Warn("Error shutting down fetch engine", zap.Error(err))
			errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
		}
	}
	// The engine emits its last events during shutdown, so observers close after it.
	errs = append(errs, a.closeObservers(ctx)...)
	// Sync fails on stderr/stdout for some platforms; the error is informational only.
	_ = a.GetLogger().Sync()
	return errors.Join(errs...)
}
