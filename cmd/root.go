// Package cmd defines and implements the CLI commands for the fetchengine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/app"
	internalconfig "github.com/JakeFAU/fetchengine/internal/config"
	"github.com/JakeFAU/fetchengine/internal/logging"
	"github.com/JakeFAU/fetchengine/pkg/config"
)

const closeTimeout = 90 * time.Second

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Close(ctx context.Context) error
	GetLogger() *zap.Logger
	GetEngine() app.Engine
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg internalconfig.Config) (App, error) {
	return app.NewApp(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetchengine",
		Short: "A fault-tolerant concurrent HTTP fetch engine.",
		Long: `fetchengine retrieves batches of URLs with retries, pacing and
per-host batching, and parses JSON bodies off the request path. Results are
printed as JSON keyed by URL.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.InitConfig(cfgFile)
			cfg, err := config.Current()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newPostCmd())
	cmd.AddCommand(newHealthCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	var err error
	logging.L, err = logging.New(true)
	if err != nil {
		panic(err)
	}

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logging.L.Fatal("Command execution failed", zap.Error(err))
	}
}
