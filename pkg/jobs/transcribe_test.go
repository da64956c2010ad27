package jobs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronicle-systems/chronicle/pkg/audiocodec"
	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

type fakeBatchProvider struct {
	result stt.Result
	err    error
}

func (f *fakeBatchProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	return f.result, f.err
}

func writeTestWAV(t *testing.T, pcm []byte, sampleRate, channels int) string {
	t.Helper()
	data := audiocodec.WriteWAV(pcm, audiocodec.Format{SampleRate: sampleRate, Channels: channels})
	path := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestTranscribeFullAudio(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	convID := "conv-1"

	pcm := make([]byte, 3200) // 100ms of 16kHz mono 16-bit silence
	path := writeTestWAV(t, pcm, 16000, 1)
	if err := audiosession.SetAudioFile(ctx, rdb, convID, path); err != nil {
		t.Fatalf("set audio file: %v", err)
	}

	store := newFakeStore(conversation.Conversation{ConversationID: convID})
	words := []stt.WordDetail{
		{Word: "hello", Start: 0, End: 200 * time.Millisecond, Speaker: "spk_0"},
		{Word: "world", Start: 200 * time.Millisecond, End: 400 * time.Millisecond, Speaker: "spk_0"},
	}
	batch := &fakeBatchProvider{result: stt.Result{
		Text:  "hello world",
		Words: words,
		Segments: []stt.Segment{
			{Start: 0, End: 400 * time.Millisecond, Text: "hello world", Speaker: "spk_0", Words: words},
		},
	}}
	deps := &Deps{Store: store, Redis: rdb, Batch: batch}

	args, _ := json.Marshal(transcribeFullAudioArgs{ConversationID: convID})
	job := queue.Job{Role: queue.RoleTranscribeFullAudio, Args: args}

	result, err := TranscribeFullAudio(ctx, job, deps)
	if err != nil {
		t.Fatalf("TranscribeFullAudio: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", result)
	}
	if m["text"] != "hello world" {
		t.Errorf("text = %v, want %q", m["text"], "hello world")
	}

	conv, err := store.Get(ctx, convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.TranscriptVersions) != 1 {
		t.Fatalf("expected 1 transcript version, got %d", len(conv.TranscriptVersions))
	}
	v := conv.TranscriptVersions[0]
	if v.Provider != "batch" {
		t.Errorf("provider = %q, want %q", v.Provider, "batch")
	}
	if conv.ActiveTranscriptVersion != v.VersionID {
		t.Errorf("active version not set to appended version")
	}
	if len(v.Segments) != 1 || v.Segments[0].Speaker != "spk_0" {
		t.Errorf("expected one spk_0 segment, got %+v", v.Segments)
	}
}

func TestTranscribeFullAudio_MissingConversationID(t *testing.T) {
	ctx := context.Background()
	deps := &Deps{Store: newFakeStore(), Batch: &fakeBatchProvider{}}
	job := queue.Job{Role: queue.RoleTranscribeFullAudio}
	if _, err := TranscribeFullAudio(ctx, job, deps); err == nil {
		t.Fatal("expected error for missing conversation_id")
	}
}

func TestTranscribeFullAudio_NoBatchProvider(t *testing.T) {
	ctx := context.Background()
	deps := &Deps{Store: newFakeStore()}
	args, _ := json.Marshal(transcribeFullAudioArgs{ConversationID: "conv-1"})
	job := queue.Job{Role: queue.RoleTranscribeFullAudio, Args: args}
	if _, err := TranscribeFullAudio(ctx, job, deps); err == nil {
		t.Fatal("expected error when no batch provider is configured")
	}
}
