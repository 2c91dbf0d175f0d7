package main

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags(newFlagSet(), []string{
		"-c", "a.yaml, b.json",
		"--log-format=text",
		"--debug",
		"--shutdown-timeout=5s",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.json"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestParseFlagsEnvDefaults(t *testing.T) {
	t.Setenv("MBUS_LOG_LEVEL", "warn")
	t.Setenv("MBUS_SHUTDOWN_TIMEOUT", "7s")

	cfg, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.ConfigPaths)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, validateFlags(cfg))
}

func TestParseFlagsEnvLosesToCommandLine(t *testing.T) {
	t.Setenv("MBUS_CONFIG", "env-a.yaml,env-b.yaml")
	t.Setenv("MBUS_DEBUG", "true")

	cfg, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"env-a.yaml", "env-b.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = parseFlags(newFlagSet(), []string{"--config=cli.yaml", "--debug=false"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cli.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseFlagsBadEnv(t *testing.T) {
	t.Setenv("MBUS_SHUTDOWN_TIMEOUT", "soon")
	t.Setenv("MBUS_DEBUG", "maybe")

	_, err := parseFlags(newFlagSet(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MBUS_SHUTDOWN_TIMEOUT")
	assert.Contains(t, err.Error(), "MBUS_DEBUG")
}

func TestHelpNamesEnv(t *testing.T) {
	var out bytes.Buffer
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(&out)

	_, err := parseFlags(fs, []string{"-h"})
	require.NoError(t, err)
	fs.Usage()
	assert.Contains(t, out.String(), "(env: MBUS_LOG_LEVEL)")
	assert.Contains(t, out.String(), "Shorthand for -config")
}

func TestValidateFlags(t *testing.T) {
	base := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}
	assert.NoError(t, validateFlags(base()))

	bad := base()
	bad.LogLevel = "verbose"
	assert.Error(t, validateFlags(bad))

	bad = base()
	bad.LogFormat = "xml"
	assert.Error(t, validateFlags(bad))

	bad = base()
	bad.ConfigPaths = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	assert.Error(t, validateFlags(bad))

	bad.ShowVersion = true
	assert.NoError(t, validateFlags(bad), "version skips validation")
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte("identity: node-a\nmetrics:\n  port: 9400\n"), 0600))
	override := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(override, []byte(`{"identity": "node-b"}`), 0600))

	cfg, err := loadConfig([]string{base, override})
	require.NoError(t, err)
	assert.Equal(t, "node-b", cfg.Identity)
	assert.Equal(t, 9400, cfg.Metrics.Port)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"identity": ""}`), 0600))
	_, err = loadConfig([]string{bad})
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service=mbusd")
}

func TestExampleConfigsLoad(t *testing.T) {
	for _, node := range []string{"node-a", "node-b"} {
		base, err := filepath.Abs(filepath.Join("..", "..", "configs", "base.yaml"))
		require.NoError(t, err)
		layer, err := filepath.Abs(filepath.Join("..", "..", "configs", node+".yaml"))
		require.NoError(t, err)

		cfg, err := loadConfig([]string{base, layer})
		require.NoError(t, err, node)
		assert.Equal(t, node, cfg.Identity)
		assert.True(t, cfg.NATS.Enabled)
		assert.Equal(t, 3*time.Minute, cfg.Bus.DefaultTimeout)
		assert.Len(t, cfg.Sessions, 1)
	}
}
