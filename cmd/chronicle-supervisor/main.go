// Command chronicle-supervisor launches and monitors the Chronicle worker
// fleet (C8): one OS process per configured workers[] entry, restarted
// individually on failure or in bulk when cluster registration drops below
// the configured minimum.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/internal/config"
	"github.com/chronicle-systems/chronicle/internal/health"
	"github.com/chronicle-systems/chronicle/pkg/queue"
	"github.com/chronicle-systems/chronicle/pkg/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chronicle-supervisor: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chronicle-supervisor: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if len(cfg.Workers) == 0 {
		slog.Warn("no workers configured; supervisor has nothing to manage")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	manager := queue.NewManager(rdb)

	defs := supervisor.WorkerDefinitionsFromConfig(cfg.Workers, cfg.Features)
	sup := supervisor.New(defs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		slog.Error("start worker fleet failed", "error", err)
		return 1
	}

	monitor := supervisor.NewHealthMonitor(sup, manager, supervisor.HealthMonitorConfigFromSpec(cfg.Supervisor))
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- monitor.Run(ctx) }()

	healthHandler := health.New(
		health.Checker{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.Healthz)
	mux.HandleFunc("/readyz", healthHandler.Readyz)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sup.Status())
	})
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	srvDone := make(chan error, 1)
	if cfg.Server.ListenAddr != "" {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvDone <- err
				return
			}
			srvDone <- nil
		}()
	}

	slog.Info("chronicle-supervisor ready", "workers", len(defs), "listen_addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping fleet...")
	case err := <-monitorDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("health monitor exited unexpectedly", "error", err)
		}
	case err := <-srvDone:
		if err != nil {
			slog.Error("status server exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sup.Stop(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
