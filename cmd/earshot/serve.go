package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon and its HTTP control API",
		Long:  "serve runs the control API that a hotkey daemon drives (POST /v1/recording/toggle) and reloads the log level and solver settings when the config file changes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.serve(cmd)
		},
	}
}

func (g *globals) serve(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The watcher starts before the App exists; changes seen in between are
	// replayed once it does.
	var current atomic.Pointer[app.App]
	cfg, watcher, err := g.watchConfig(cmd, func(old, cur *config.Config) {
		if a := current.Load(); a != nil {
			a.ApplyConfig(old, cur)
		}
	})
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if terr := shutdownTelemetry(flushCtx); terr != nil {
			slog.Warn("telemetry shutdown", "err", terr)
		}
	}()

	application, err := g.buildApp(cfg, observe.DefaultMetrics())
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	current.Store(application)
	if watcher != nil {
		if latest := watcher.Current(); latest != cfg {
			application.ApplyConfig(cfg, latest)
		}
	}

	printStartupSummary(cmd.OutOrStdout(), cfg)
	slog.Info("earshot ready, press Ctrl+C to shut down", "version", version)

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("shutdown signal received, stopping")
	return errors.Join(runErr, application.Shutdown(shutdownCtx))
}

// watchConfig loads the config through a [config.Watcher] so edits are picked
// up while serving. Without a config file the defaults are used unwatched.
func (g *globals) watchConfig(cmd *cobra.Command, onChange func(old, cur *config.Config)) (*config.Config, *config.Watcher, error) {
	if _, err := os.Stat(g.configPath); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err := g.loadConfig(cmd)
		return cfg, nil, err
	}

	w, err := config.NewWatcher(g.configPath, onChange, config.WithWatcherLogger(slog.Default()))
	if err != nil {
		return nil, nil, err
	}
	cfg := w.Current()
	g.level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.Info("watching config file", "path", g.configPath)
	return cfg, w, nil
}
