package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// envNames lists the variables that preset flags before the command line is
// parsed. Flags given on the command line win.
var envNames = map[string]string{
	"config":           "MBUS_CONFIG",
	"log-level":        "MBUS_LOG_LEVEL",
	"log-format":       "MBUS_LOG_FORMAT",
	"debug":            "MBUS_DEBUG",
	"shutdown-timeout": "MBUS_SHUTDOWN_TIMEOUT",
}

// layerList is a comma separated list of config files. Each Set replaces it.
type layerList []string

func (l *layerList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *layerList) Set(value string) error {
	*l = (*l)[:0]
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

func withEnv(name, usage string) string {
	if env, ok := envNames[name]; ok {
		return fmt.Sprintf("%s (env: %s)", usage, env)
	}
	return usage
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 30 * time.Second,
	}
	layers := (*layerList)(&cfg.ConfigPaths)

	fs.Var(layers, "config", withEnv("config", "Comma separated config layers, later files override earlier ones"))
	fs.Var(layers, "c", "Shorthand for -config")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, withEnv("log-level", "Log level: debug, info, warn, error"))
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, withEnv("log-format", "Log format: json, text"))
	fs.BoolVar(&cfg.Debug, "debug", false, withEnv("debug", "Enable debug logging"))
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout,
		withEnv("shutdown-timeout", "Graceful shutdown timeout"))
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Shorthand for -version")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Shorthand for -help")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.Usage = func() { printDetailedHelp(fs) }

	if err := presetFromEnv(fs); err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// presetFromEnv sets every flag named in envNames from its variable. Values
// that do not parse are reported, not ignored.
func presetFromEnv(fs *flag.FlagSet) error {
	var errs error
	fs.VisitAll(func(f *flag.Flag) {
		env, ok := envNames[f.Name]
		if !ok {
			return
		}
		value := os.Getenv(env)
		if value == "" {
			return
		}
		if err := f.Value.Set(value); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s=%q: %w", env, value, err))
		}
	})
	return errs
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, `%s - message bus node

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(out, `
Without -config the node runs with built-in defaults: a standalone in-process
network, no routing tables and no sessions.

Examples:
  # Base config plus a per-host override
  %[1]s --config=configs/base.yaml,configs/node-a.yaml

  # Debug logging in text form
  %[1]s -c configs/base.yaml --log-level=debug --log-format=text

  # Configure through the environment
  export MBUS_CONFIG=/etc/mbus/node.yaml
  export MBUS_NATS_URLS=nats://nats-1:4222,nats://nats-2:4222
  %[1]s

  # Validate configuration only
  %[1]s -c configs/base.yaml --validate

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}
