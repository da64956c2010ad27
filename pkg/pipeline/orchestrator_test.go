package pipeline_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/pipeline"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

func newTestManager(t *testing.T) *queue.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewManager(rdb)
}

func TestStartStreamingJobs(t *testing.T) {
	m := newTestManager(t)
	o := pipeline.New(m, nil)

	jobs, err := o.StartStreamingJobs(context.Background(), "session-1", "user-1", "client-1")
	if err != nil {
		t.Fatalf("StartStreamingJobs: %v", err)
	}
	if jobs.SpeechDetection.Queue != queue.QueueTranscription {
		t.Fatalf("got speech detection queue %q, want %q", jobs.SpeechDetection.Queue, queue.QueueTranscription)
	}
	if jobs.AudioPersistence.Queue != queue.QueueAudio {
		t.Fatalf("got audio persistence queue %q, want %q", jobs.AudioPersistence.Queue, queue.QueueAudio)
	}
	if jobs.SpeechDetection.Meta["session_level"] != "true" {
		t.Fatal("expected session_level=true on speech detection job")
	}
}

func TestStartPostConversationJobs_SpeakerEnabled(t *testing.T) {
	m := newTestManager(t)
	o := pipeline.New(m, func() bool { return true })

	jobs, err := o.StartPostConversationJobs(context.Background(), "conv-1", "user-1", pipeline.PostConversationOptions{})
	if err != nil {
		t.Fatalf("StartPostConversationJobs: %v", err)
	}
	if jobs.SpeakerRecognition.ID == "" {
		t.Fatal("expected speaker recognition job when enabled")
	}
	if len(jobs.Memory.DependsOn) != 1 || jobs.Memory.DependsOn[0] != jobs.SpeakerRecognition.ID {
		t.Fatalf("expected memory to depend on speaker recognition, got %v", jobs.Memory.DependsOn)
	}
	if len(jobs.EventDispatch.DependsOn) != 2 {
		t.Fatalf("expected event dispatch to depend on both memory and title/summary, got %v", jobs.EventDispatch.DependsOn)
	}
}

func TestStartPostConversationJobs_SpeakerDisabled(t *testing.T) {
	m := newTestManager(t)
	o := pipeline.New(m, func() bool { return false })

	jobs, err := o.StartPostConversationJobs(context.Background(), "conv-2", "user-1",
		pipeline.PostConversationOptions{DependsOnJob: "transcribe_conv2"})
	if err != nil {
		t.Fatalf("StartPostConversationJobs: %v", err)
	}
	if jobs.SpeakerRecognition.ID != "" {
		t.Fatal("expected no speaker recognition job when disabled")
	}
	if len(jobs.Memory.DependsOn) != 1 || jobs.Memory.DependsOn[0] != "transcribe_conv2" {
		t.Fatalf("expected memory to depend directly on depends_on_job, got %v", jobs.Memory.DependsOn)
	}
	if len(jobs.TitleSummary.DependsOn) != 1 || jobs.TitleSummary.DependsOn[0] != "transcribe_conv2" {
		t.Fatalf("expected title/summary to depend directly on depends_on_job, got %v", jobs.TitleSummary.DependsOn)
	}
}
