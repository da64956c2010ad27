// Package streamingasr implements the streaming ASR consumer (C4): a 1 s
// discovery loop that enumerates per-client audio streams and spawns one
// task per stream, each of which drives a WebSocket streaming STT session
// end to end (spec §4.5).
package streamingasr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/pipeline"
	"github.com/chronicle-systems/chronicle/pkg/provider/speaker"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"

	chronicleplugin "github.com/chronicle-systems/chronicle/pkg/plugin"
)

// discoveryInterval is the discovery loop's cadence (spec §4.5: "1 s
// cadence").
const discoveryInterval = 1 * time.Second

// groupName is the consumer group the streaming ASR tasks read under.
const groupName = "streaming-transcription"

// defaultMaxConcurrentStreams bounds how many per-stream tasks may run at
// once, guarding against unbounded goroutine growth if the discovery loop
// outpaces task completion.
const defaultMaxConcurrentStreams = 256

// UserDirectory resolves the client→user mapping and a user's enrolled
// primary-speaker names, both of which live in the document store rather
// than the key–value store (spec §4.5 "Plugin gating"). Defined as a
// narrow interface here, the same way pkg/audiosession.LivenessChecker
// decouples from pkg/queue, so this package does not need to know the
// document store's user-collection schema.
type UserDirectory interface {
	UserForClient(ctx context.Context, clientID string) (userID string, err error)
	PrimarySpeakers(ctx context.Context, userID string) ([]string, error)
}

// Consumer runs the discovery loop and owns the dependencies every
// per-stream task needs.
type Consumer struct {
	rdb      redis.UniversalClient
	def      stt.Definition
	speaker  *speaker.Client
	router   *chronicleplugin.Router
	users    UserDirectory
	store    conversation.Store
	orch     *pipeline.Orchestrator
	consumer string

	now func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc

	sem *semaphore.Weighted
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithNow overrides the clock, for tests.
func WithNow(f func() time.Time) Option {
	return func(c *Consumer) { c.now = f }
}

// WithMaxConcurrentStreams overrides the concurrent-task ceiling (default
// defaultMaxConcurrentStreams).
func WithMaxConcurrentStreams(n int64) Option {
	return func(c *Consumer) { c.sem = semaphore.NewWeighted(n) }
}

// NewConsumer builds a Consumer. def is the streaming STT provider
// definition resolved from an stt.Registry (def.Kind must be
// stt.KindStream); consumerName identifies this process within the
// streaming-transcription consumer group.
func NewConsumer(rdb redis.UniversalClient, def stt.Definition, speakerClient *speaker.Client,
	router *chronicleplugin.Router, users UserDirectory, store conversation.Store,
	orch *pipeline.Orchestrator, consumerName string, opts ...Option) *Consumer {
	c := &Consumer{
		rdb:      rdb,
		def:      def,
		speaker:  speakerClient,
		router:   router,
		users:    users,
		store:    store,
		orch:     orch,
		consumer: consumerName,
		now:      time.Now,
		active:   make(map[string]context.CancelFunc),
		sem:      semaphore.NewWeighted(defaultMaxConcurrentStreams),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes the discovery loop until ctx is canceled, at which point
// every in-flight per-stream task is also canceled and Run waits for them
// to finish before returning.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.discover(ctx, &wg)
		}
	}
}

// discover enumerates audio:stream:* and spawns a task for every client
// whose session is not already handled and has not already completed
// transcription.
func (c *Consumer) discover(ctx context.Context, wg *sync.WaitGroup) {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "audio:stream:*", 100).Result()
		if err != nil {
			slog.Warn("streamingasr: scan failed", "error", err)
			return
		}
		for _, key := range keys {
			clientID := strings.TrimPrefix(key, "audio:stream:")
			c.maybeSpawn(ctx, clientID, wg)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// maybeSpawn starts a per-stream task for clientID unless one is already
// running or the session's transcription is already marked complete.
func (c *Consumer) maybeSpawn(ctx context.Context, clientID string, wg *sync.WaitGroup) {
	c.mu.Lock()
	_, running := c.active[clientID]
	c.mu.Unlock()
	if running {
		return
	}

	done, err := audiosession.TranscriptionComplete(ctx, c.rdb, clientID)
	if err != nil {
		slog.Warn("streamingasr: check transcription complete failed", "client_id", clientID, "error", err)
		return
	}
	if done {
		return
	}

	if !c.sem.TryAcquire(1) {
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.active[clientID] = cancel
	c.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.sem.Release(1)
		defer func() {
			c.mu.Lock()
			delete(c.active, clientID)
			c.mu.Unlock()
			cancel()
		}()
		if err := c.runTask(taskCtx, clientID); err != nil {
			slog.Warn("streamingasr: stream task ended with error", "client_id", clientID, "error", err)
		}
	}()
}

func streamKey(clientID string) string { return fmt.Sprintf("audio:stream:%s", clientID) }
