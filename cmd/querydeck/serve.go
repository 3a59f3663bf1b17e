// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/internal/event"
	"github.com/querydeck/querydeck/internal/logging"
	"github.com/querydeck/querydeck/internal/observability"
	"github.com/querydeck/querydeck/internal/plugin"
	"github.com/querydeck/querydeck/internal/plugin/sandbox"
	"github.com/querydeck/querydeck/internal/plugin/sandbox/js"
	"github.com/querydeck/querydeck/internal/plugin/sandbox/lua"
	"github.com/querydeck/querydeck/internal/storage"
	"github.com/querydeck/querydeck/internal/xdg"
	"github.com/querydeck/querydeck/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the plugin host",
		Long: `Start the plugin host: discovers and loads plugins from the
plugins directory, opens the plugin storage database, and serves
metrics and health endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("plugins-dir", defaults.PluginsDir, "plugin installation directory")
	cmd.Flags().String("storage-path", defaults.StoragePath, "plugin storage database path (default: XDG data dir)")
	cmd.Flags().String("metrics-addr", defaults.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log-format", defaults.LogFormat, "log format (json or text)")
	cmd.Flags().Bool("watch", defaults.Watch, "reload plugins when their files change")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	logging.SetDefault("querydeck", version, cfg.LogFormat)

	slog.Info("starting plugin host",
		"plugins_dir", cfg.PluginsDir,
		"log_format", cfg.LogFormat,
	)

	storagePath := cfg.StoragePath
	if storagePath == "" {
		storagePath = filepath.Join(xdg.StorageDir(), "plugins.db")
	}
	if err := xdg.EnsureDir(filepath.Dir(storagePath)); err != nil {
		return err
	}

	backend, err := storage.NewSQLiteBackend(storagePath)
	if err != nil {
		return err
	}
	store := storage.NewService(backend)
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Warn("error closing plugin storage", "error", closeErr)
		}
	}()

	slog.Info("plugin storage ready", "path", storagePath)

	bus := event.NewBus()
	runtime := plugin.NewRuntime(plugin.Options{
		Storage: store,
		Bus:     bus,
		Engines: []sandbox.Engine{lua.NewEngine(), js.NewEngine()},
		DefaultLimits: sandbox.Limits{
			MemoryLimitMB: cfg.Limits.MemoryLimitMB,
			Timeout:       time.Duration(cfg.Limits.TimeoutMs) * time.Millisecond,
		},
	})
	defer runtime.Close()

	// Set up graceful shutdown before starting servers
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start observability server if configured
	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, runtime.IsAvailable)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		wireLifecycleMetrics(bus, runtime, obsServer.Metrics())
	}

	manager := plugin.NewManager(cfg.PluginsDir, runtime)
	if err := manager.LoadAll(ctx); err != nil {
		return err
	}
	slog.Info("plugins loaded", "count", runtime.LoadedCount())

	var watcher *plugin.Watcher
	if cfg.Watch {
		watcher, err = plugin.NewWatcher(manager, 0)
		if err != nil {
			return err
		}
		watcher.Start()
		slog.Info("plugin hot reload enabled")
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Plugin host started")
	slog.Info("plugin host ready",
		"plugins", runtime.LoadedIDs(),
		"metrics_addr", cfg.MetricsAddr,
	)

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errutil.LogError(slog.Default(), "error stopping plugin watcher", err)
		}
	}

	manager.UnloadAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// wireLifecycleMetrics keeps the plugin gauges and counters in sync with
// runtime lifecycle events.
func wireLifecycleMetrics(bus *event.Bus, runtime *plugin.Runtime, m *observability.Metrics) {
	bus.Subscribe(event.TopicPluginLoaded, func(any) {
		m.PluginLoadsTotal.WithLabelValues("success").Inc()
		m.PluginsActive.Set(float64(runtime.LoadedCount()))
	})
	bus.Subscribe(event.TopicPluginUnloaded, func(any) {
		m.PluginsActive.Set(float64(runtime.LoadedCount()))
	})
	bus.Subscribe(event.TopicPluginCrashed, func(any) {
		m.PluginLoadsTotal.WithLabelValues("crashed").Inc()
	})
}

// monitorServerErrors monitors a server's error channel and cancels the
// context on error so a failing server triggers graceful shutdown.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
