// Command chronicle-worker is the main entry point for the Chronicle
// processing core: it runs the streaming transcription consumer, the audio
// persistence loop, and the post-conversation job worker (C5) against a
// shared configuration, queue, and document store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chronicle-systems/chronicle/internal/config"
	"github.com/chronicle-systems/chronicle/internal/health"
	"github.com/chronicle-systems/chronicle/internal/observe"
	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/conversation/pgstore"
	"github.com/chronicle-systems/chronicle/pkg/jobs"
	"github.com/chronicle-systems/chronicle/pkg/pipeline"
	"github.com/chronicle-systems/chronicle/pkg/provider/llm"
	"github.com/chronicle-systems/chronicle/pkg/provider/speaker"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
	"github.com/chronicle-systems/chronicle/pkg/queue"
	"github.com/chronicle-systems/chronicle/pkg/streamingasr"

	"github.com/redis/go-redis/v9"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	audioDir := flag.String("audio-dir", "./audio", "directory rotated conversation WAV files are written to")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chronicle-worker: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chronicle-worker: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "chronicle-worker"})
	if err != nil {
		slog.Error("init telemetry provider failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	store, err := pgstore.NewStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("open conversation store failed", "error", err)
		return 1
	}
	defer store.Close()
	if err := pgstore.MigrateDirectory(ctx, store.Pool()); err != nil {
		slog.Error("migrate directory tables failed", "error", err)
		return 1
	}
	directory := pgstore.NewDirectory(store.Pool())

	watcher, err := config.NewWatcher(*configPath, func(old, cur *config.Config) {
		slog.Info("configuration reloaded", "path", *configPath)
	})
	if err != nil {
		slog.Error("start config watcher failed", "error", err)
		return 1
	}
	defer watcher.Stop()

	reg := newProviderRegistry()
	llmProvider, err := buildLLM(cfg, reg)
	if err != nil {
		slog.Error("build llm provider failed", "error", err)
		return 1
	}
	speakerClient, err := buildSpeaker(cfg, reg)
	if err != nil {
		slog.Error("build speaker client failed", "error", err)
		return 1
	}
	sttRegistry := stt.NewRegistry()
	sttDef, err := buildSTTDefinition(cfg.Providers.STT)
	if err != nil {
		slog.Error("build stt provider failed", "error", err)
		return 1
	}
	if sttDef.Name != "" {
		sttRegistry.Register(sttDef)
	}

	manager := queue.NewManager(rdb)
	orch := pipeline.New(manager, func() bool { return watcher.Current().Features.SpeakerRecognitionEnabled })

	router, err := buildRouter(cfg.Plugins)
	if err != nil {
		slog.Error("build plugin router failed", "error", err)
		return 1
	}

	deps := &jobs.Deps{
		Store:   store,
		Redis:   rdb,
		LLM:     llmProvider,
		Speaker: speakerClient,
		Router:  router,
		Users:   directory,
	}
	if sttDef.Kind == stt.KindBatch {
		deps.Batch = sttDef.Batch
	}

	worker := jobs.NewWorker(manager, deps, jobs.NewHandlers(), "chronicle-worker",
		queue.QueueTranscription, queue.QueueMemory, queue.QueueAudio, queue.QueueDefault)

	healthHandler := health.New(
		health.Checker{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		health.Checker{Name: "postgres", Check: func(ctx context.Context) error { return store.Pool().Ping(ctx) }},
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.Healthz)
	mux.HandleFunc("/readyz", healthHandler.Readyz)
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })

	if sttDef.Kind == stt.KindStream {
		consumer := streamingasr.NewConsumer(rdb, sttDef, speakerClient, router, directory, store, orch, "chronicle-worker")
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		slog.Warn("no streaming stt provider configured; streaming transcription consumer not started")
	}

	audioLoop := newAudioPersistenceLoop(rdb, manager, audiosession.DiskWriter{Dir: *audioDir}, "chronicle-worker")
	g.Go(func() error { return audioLoop.Run(gctx) })

	if cfg.Server.ListenAddr != "" {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	slog.Info("chronicle-worker ready", "listen_addr", cfg.Server.ListenAddr, "stt_provider", sttDef.Name)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func buildLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	if cfg.Providers.LLM.Name == "" {
		return nil, nil
	}
	return reg.CreateLLM(cfg.Providers.LLM)
}

func buildSpeaker(cfg *config.Config, reg *config.Registry) (*speaker.Client, error) {
	if cfg.Providers.Speaker.Name == "" {
		return nil, nil
	}
	return reg.CreateSpeaker(cfg.Providers.Speaker)
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
