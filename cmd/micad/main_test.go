package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/micad/internal/config"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "micad.toml")
	require.NoError(t, os.WriteFile(path, []byte("backend = \"pedestal\"\nruntime_dir = \"/run/mica-a\"\n"), 0o600))

	opts, err := parseFlags([]string{"-c", path, "--runtime-dir", "/tmp/mica-b", "--backend", "shell", "-q"})
	require.NoError(t, err)
	assert.True(t, opts.quiet)

	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mica-b", cfg.RuntimeDir)
	assert.Equal(t, config.BackendShell, cfg.Backend)
}

func TestBadBackendFlagRejected(t *testing.T) {
	opts, err := parseFlags([]string{"--backend", "qemu"})
	require.NoError(t, err)
	_, err = loadConfig(opts)
	assert.Error(t, err)
}

func TestEnvLogLevelWinsOverFlags(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
	t.Setenv(logs.EnvLogLevel, "error")

	cfg := config.Default()
	cfg.Log.Level = "info"
	applyLogging(cfg, options{logLevel: "debug"})
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())

	t.Setenv(logs.EnvLogLevel, "")
	applyLogging(cfg, options{quiet: true})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}
