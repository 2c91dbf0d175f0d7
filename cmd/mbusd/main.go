// Command mbusd runs one message bus node: it joins the network, installs
// the routing tables, starts the configured echo and relay sessions and
// serves Prometheus metrics and health on the metrics port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/mbus/config"
	"github.com/c360/mbus/health"
	"github.com/c360/mbus/metric"
	"github.com/c360/mbus/node"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mbusd"
)

const healthInterval = 15 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: panic: %v\n%s", appName, r, debug.Stack())
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("mbusd failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "identity", cfg.Identity, "version", cfg.Version)
		return nil
	}

	logger.Info("Starting mbusd",
		"version", Version,
		"build_time", BuildTime,
		"identity", cfg.Identity,
		"config", cliCfg.ConfigPaths)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

// loadConfig merges the layers in order, env overrides included.
func loadConfig(paths []string) (*config.Config, error) {
	cfg, err := config.NewLoader(config.WithValidation()).Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// serve runs the node until ctx is cancelled, then shuts it down within
// shutdownTimeout.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	registry := metric.NewMetricsRegistry()

	n, err := node.New(ctx, cfg, node.WithLogger(logger), node.WithMetricsRegistry(registry))
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.Close(shutdownCtx); err != nil {
			logger.Error("Shutdown incomplete", "error", err)
		}
	}()

	if err := n.StartSessions(); err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}
	if err := n.WatchConfig(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry,
			metric.WithHealthHandler(health.Handler(n.Health)),
			metric.WithServerLogger(logger))
		g.Go(func() error {
			return server.Serve(gctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		healthy := true
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				status := n.Health()
				if status.IsHealthy() != healthy {
					healthy = status.IsHealthy()
					logger.Warn("Node health changed", "status", status.Status, "message", status.Message)
				}
			}
		}
	})

	if mgr := n.Manager(); mgr != nil {
		updates := mgr.OnChange("*")
		g.Go(func() error {
			<-updates // current config
			for {
				select {
				case <-gctx.Done():
					return nil
				case u, ok := <-updates:
					if !ok {
						return nil
					}
					if u.Path == config.KeySessions {
						logger.Warn("Session changes take effect on restart")
					}
					logger.Info("Configuration updated", "key", u.Path)
				}
			}
		})
	}

	logger.Info("mbusd ready", "sessions", n.Sessions())
	err = g.Wait()
	logger.Info("Stopping mbusd", "error", err)
	return err
}
