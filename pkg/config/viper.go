// Package config initializes the process-wide Viper instance used by the CLI.
// It reads settings from a config file, environment variables, and
// command-line flags, providing a unified configuration system.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	internalconfig "github.com/JakeFAU/fetchengine/internal/config"
	"github.com/JakeFAU/fetchengine/internal/logging"
)

// InitConfig initializes the global Viper instance. When path is empty it
// searches the working directory, /etc/fetchengine and $HOME/.fetchengine for
// a file named config.*. A missing file is not an error.
func InitConfig(path string) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/fetchengine/")
		viper.AddConfigPath("$HOME/.fetchengine")
	}

	internalconfig.SetDefaults(viper.GetViper())

	// e.g. FETCHER_ENGINE_WORKERS=20
	viper.SetEnvPrefix(internalconfig.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logging.L.Warn("Config file not found; using defaults and environment variables.")
		} else {
			logging.L.Error("Error reading config file", zap.Error(err))
		}
	} else {
		logging.L.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}

// Current decodes and validates the global Viper settings.
func Current() (internalconfig.Config, error) {
	return internalconfig.FromViper(viper.GetViper())
}
