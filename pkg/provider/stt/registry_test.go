package stt_test

import (
	"context"
	"testing"

	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
)

type fakeBatch struct{}

func (fakeBatch) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	return stt.Result{Text: "hello", IsFinal: true}, nil
}

type fakeStream struct{}

func (fakeStream) OpenSession(ctx context.Context, cfg stt.StreamConfig) (stt.StreamSession, error) {
	return nil, nil
}

func TestRegistry_BatchAndStream(t *testing.T) {
	r := stt.NewRegistry()
	r.Register(stt.Definition{Name: "whisper", Kind: stt.KindBatch, Batch: fakeBatch{}})
	r.Register(stt.Definition{Name: "deepgram", Kind: stt.KindStream, Stream: fakeStream{}})

	batch, err := r.Batch("whisper")
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	result, err := batch.Transcribe(context.Background(), nil, 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if result.Text != "hello" {
		t.Fatalf("got text %q, want %q", result.Text, "hello")
	}

	if _, err := r.Stream("deepgram"); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if _, err := r.Batch("deepgram"); err == nil {
		t.Fatal("expected error resolving a stream provider as batch")
	}
	if _, err := r.Lookup("nonexistent"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestExtractor_Get(t *testing.T) {
	doc := map[string]any{
		"results": map[string]any{
			"channels": []any{
				map[string]any{
					"alternatives": []any{
						map[string]any{"transcript": "good morning"},
					},
				},
			},
		},
	}

	e := stt.Extractor("results.channels.0.alternatives.0.transcript")
	got, ok := e.String(doc)
	if !ok {
		t.Fatal("expected extractor to resolve the path")
	}
	if got != "good morning" {
		t.Fatalf("got %q, want %q", got, "good morning")
	}

	missing := stt.Extractor("results.channels.9.alternatives.0.transcript")
	if _, ok := missing.Get(doc); ok {
		t.Fatal("expected out-of-range index to fail")
	}
}
