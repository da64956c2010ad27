package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// pollTimeout bounds each blocking Dequeue call, so Run can still observe
// context cancellation between polls even when a queue sits empty.
const pollTimeout = 2 * time.Second

// sessionLevelRoles are enqueued by pkg/pipeline.Orchestrator.StartStreamingJobs
// purely as liveness/lookup bookkeeping (spec.md §4's "session_level=true, 24h
// TTL" jobs) — their actual work runs for the life of the streaming session in
// pkg/streamingasr.Consumer (speech_detection) and cmd/chronicle-worker's
// audioPersistenceLoop (audio_persistence), not in a one-shot Handler. Worker
// shares queues with these roles (speech_detection rides QueueTranscription
// alongside TranscribeFullAudio/SpeakerRecognition), so it cannot simply skip
// a whole queue; instead it recognizes the role after dequeuing and leaves
// the job exactly as claimed — no Finish, no Fail — since audiosession's
// liveness checker only requires the job stay "started" or "queued" for as
// long as the session runs.
var sessionLevelRoles = map[queue.Role]bool{
	queue.RoleSpeechDetection:  true,
	queue.RoleAudioPersistence: true,
}

// Worker polls a fixed set of queues and dispatches each job it claims to
// the handler registered for its role.
type Worker struct {
	manager  *queue.Manager
	deps     *Deps
	handlers map[queue.Role]Handler
	queues   []string
	name     string
}

// NewWorker builds a Worker that serves queues in the given order, using
// handlers built by NewHandlers (or a caller-supplied superset/subset).
func NewWorker(manager *queue.Manager, deps *Deps, handlers map[queue.Role]Handler, name string, queues ...string) *Worker {
	return &Worker{manager: manager, deps: deps, handlers: handlers, queues: queues, name: name}
}

// Run polls its queues round-robin until ctx is canceled. Each claimed job
// is processed synchronously — handlers that need concurrency run their own
// goroutines internally (as pkg/streamingasr's tasks do for the streaming
// plane); Worker itself is single-threaded per instance, so the caller
// scales throughput by running multiple Worker instances per queue set, as
// the process supervisor (C8) does.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.manager.RegisterWorker(ctx, w.name); err != nil {
		return fmt.Errorf("jobs: register worker %q: %w", w.name, err)
	}
	defer func() {
		// Use a detached context: ctx is already canceled by the time this
		// runs, and the deregister call still needs to reach Redis.
		deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.manager.DeregisterWorker(deregisterCtx, w.name); err != nil {
			slog.Warn("jobs: deregister worker failed", "worker", w.name, "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, queueName, err := w.dequeueAny(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoJob) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("jobs: dequeue failed", "worker", w.name, "error", err)
			continue
		}

		w.process(ctx, job, queueName)
	}
}

// dequeueAny tries each configured queue in order with a short per-queue
// timeout, so no single empty queue starves the others.
func (w *Worker) dequeueAny(ctx context.Context) (queue.Job, string, error) {
	perQueue := pollTimeout
	if len(w.queues) > 1 {
		perQueue = pollTimeout / time.Duration(len(w.queues))
		if perQueue < 100*time.Millisecond {
			perQueue = 100 * time.Millisecond
		}
	}
	for _, q := range w.queues {
		job, err := w.manager.Dequeue(ctx, q, perQueue)
		if err == nil {
			return job, q, nil
		}
		if !errors.Is(err, queue.ErrNoJob) {
			return queue.Job{}, "", err
		}
		if ctx.Err() != nil {
			return queue.Job{}, "", ctx.Err()
		}
	}
	return queue.Job{}, "", queue.ErrNoJob
}

func (w *Worker) process(ctx context.Context, job queue.Job, queueName string) {
	if sessionLevelRoles[job.Role] {
		slog.Debug("jobs: claimed session-level bookkeeping job, leaving for its dedicated loop",
			"role", job.Role, "job_id", job.ID, "queue", queueName)
		return
	}

	handler, ok := w.handlers[job.Role]
	if !ok {
		slog.Warn("jobs: no handler registered for role", "role", job.Role, "job_id", job.ID)
		_ = w.manager.Fail(ctx, job.ID, fmt.Sprintf("no handler registered for role %q", job.Role))
		return
	}

	jobCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	result, err := handler(jobCtx, job, w.deps)
	if err != nil {
		slog.Warn("jobs: handler failed", "role", job.Role, "job_id", job.ID, "queue", queueName, "error", err)
		if failErr := w.manager.Fail(ctx, job.ID, err.Error()); failErr != nil {
			slog.Warn("jobs: mark job failed", "job_id", job.ID, "error", failErr)
		}
		return
	}
	if finishErr := w.manager.Finish(ctx, job.ID, result); finishErr != nil {
		slog.Warn("jobs: mark job finished", "job_id", job.ID, "error", finishErr)
	}
}
