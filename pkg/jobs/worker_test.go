package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

func TestWorker_RunProcessesAndFinishesJob(t *testing.T) {
	rdb := newTestRedis(t)
	manager := queue.NewManager(rdb)
	ctx := context.Background()

	convID := "conv-1"
	store := newFakeStore(conversation.Conversation{ConversationID: convID})
	deps := &Deps{Store: store}

	handled := make(chan queue.Job, 1)
	handlers := map[queue.Role]Handler{
		queue.RoleEventDispatch: func(ctx context.Context, job queue.Job, deps *Deps) (any, error) {
			handled <- job
			return map[string]any{"ok": true}, nil
		},
	}

	job, err := manager.Enqueue(ctx, "events", queue.RoleEventDispatch, eventDispatchArgs{ConversationID: convID}, queue.WithJobID("event-"+convID))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := NewWorker(manager, deps, handlers, "test-worker", "events")
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx) }()

	select {
	case got := <-handled:
		if got.ID != job.ID {
			t.Errorf("handled job ID = %q, want %q", got.ID, job.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to be handled")
	}

	// Give the worker a moment to mark the job finished before we cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	finished, err := manager.Fetch(ctx, job.ID)
	if err != nil {
		t.Fatalf("fetch finished job: %v", err)
	}
	if finished.Status != queue.StatusFinished {
		t.Errorf("status = %q, want %q", finished.Status, queue.StatusFinished)
	}
}

func TestWorker_ProcessFailsJobWhenHandlerErrors(t *testing.T) {
	rdb := newTestRedis(t)
	manager := queue.NewManager(rdb)
	ctx := context.Background()
	deps := &Deps{Store: newFakeStore()}

	handlers := map[queue.Role]Handler{
		queue.RoleMemoryExtraction: func(ctx context.Context, job queue.Job, deps *Deps) (any, error) {
			return nil, errFake{}
		},
	}

	job, err := manager.Enqueue(ctx, "memory", queue.RoleMemoryExtraction, map[string]string{"conversation_id": "conv-1"}, queue.WithJobID("memory-conv-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := NewWorker(manager, deps, handlers, "test-worker", "memory")
	worker.process(ctx, job, "memory")

	failed, err := manager.Fetch(ctx, job.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if failed.Status != queue.StatusFailed {
		t.Errorf("status = %q, want %q", failed.Status, queue.StatusFailed)
	}
}

func TestWorker_ProcessFailsJobWithNoHandler(t *testing.T) {
	rdb := newTestRedis(t)
	manager := queue.NewManager(rdb)
	ctx := context.Background()
	deps := &Deps{Store: newFakeStore()}

	job, err := manager.Enqueue(ctx, "titles", queue.RoleTitleSummary, json.RawMessage(`{}`), queue.WithJobID("titles-conv-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := NewWorker(manager, deps, map[queue.Role]Handler{}, "test-worker", "titles")
	worker.process(ctx, job, "titles")

	failed, err := manager.Fetch(ctx, job.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if failed.Status != queue.StatusFailed {
		t.Errorf("status = %q, want %q", failed.Status, queue.StatusFailed)
	}
}
