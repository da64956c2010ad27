package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// audioPersistenceDiscoveryInterval mirrors streamingasr's own discovery
// cadence — the audio_persistence job (spec §4.4) shares the same
// audio:stream:* liveness signal as streaming transcription.
const audioPersistenceDiscoveryInterval = time.Second

// audioPersistenceLoop scans audio:stream:* the same way
// pkg/streamingasr.Consumer.discover does, and spawns one
// audiosession.Persistence per client that isn't already being drained.
// This is the session-level audio_persistence job's runtime home: unlike
// the C5 roles, it has no single-shot Handler — it runs for the lifetime of
// a streaming session, so it lives beside the streaming consumer rather
// than in pkg/jobs's claim/process/finish loop.
type audioPersistenceLoop struct {
	rdb      redis.UniversalClient
	manager  *queue.Manager
	writer   audiosession.FileWriter
	consumer string

	mu     sync.Mutex
	active map[string]struct{}
}

func newAudioPersistenceLoop(rdb redis.UniversalClient, manager *queue.Manager, writer audiosession.FileWriter, consumerName string) *audioPersistenceLoop {
	return &audioPersistenceLoop{
		rdb:      rdb,
		manager:  manager,
		writer:   writer,
		consumer: consumerName,
		active:   make(map[string]struct{}),
	}
}

func (l *audioPersistenceLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(audioPersistenceDiscoveryInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.discover(ctx, &wg)
		}
	}
}

func (l *audioPersistenceLoop) discover(ctx context.Context, wg *sync.WaitGroup) {
	var cursor uint64
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, "audio:stream:*", 100).Result()
		if err != nil {
			slog.Warn("audio_persistence: scan failed", "error", err)
			return
		}
		for _, key := range keys {
			clientID := strings.TrimPrefix(key, "audio:stream:")
			l.maybeSpawn(ctx, clientID, wg)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (l *audioPersistenceLoop) maybeSpawn(ctx context.Context, clientID string, wg *sync.WaitGroup) {
	l.mu.Lock()
	_, running := l.active[clientID]
	if !running {
		l.active[clientID] = struct{}{}
	}
	l.mu.Unlock()
	if running {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.active, clientID)
			l.mu.Unlock()
		}()

		liveness := func(ctx context.Context) (bool, error) {
			// Job id matches pipeline.Orchestrator.StartStreamingJobs's
			// "audio_persistence_{session_id}" format exactly (session_id
			// == client_id for streaming, spec §9 GLOSSARY).
			job, err := l.manager.Fetch(ctx, "audio_persistence_"+clientID)
			if err != nil {
				return false, err
			}
			return job.Status == queue.StatusStarted || job.Status == queue.StatusQueued, nil
		}

		job := audiosession.NewPersistence(l.rdb, clientID, clientID, l.consumer, l.writer, audiosession.WithLivenessChecker(liveness))
		reason, err := job.Run(ctx)
		if err != nil {
			slog.Warn("audio_persistence: run failed", "client_id", clientID, "error", err)
			return
		}
		slog.Info("audio_persistence: session drained", "client_id", clientID, "reason", reason)
	}()
}
