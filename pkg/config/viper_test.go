package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestInitConfig_DefaultsWithoutFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	InitConfig("")
	cfg, err := Current()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Engine.Workers)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
}

func TestInitConfig_ExplicitFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "fetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  workers: 4\nretry:\n  max_retries: 1\n"), 0o600))

	InitConfig(path)
	cfg, err := Current()
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Engine.Workers)
	require.Equal(t, 1, cfg.Retry.MaxRetries)
}
