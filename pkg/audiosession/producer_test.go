package audiosession_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/audiosession"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPushFrame_AppearsInStream(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	p := audiosession.NewProducer(rdb)

	if err := p.PushFrame(ctx, "client-1", audiosession.Frame{
		AudioData:  []byte{1, 2, 3, 4},
		ChunkID:    "chunk-1",
		SampleRate: 16000,
	}); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}

	n, err := rdb.XLen(ctx, "audio:stream:client-1").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if n != 1 {
		t.Fatalf("got stream length %d, want 1", n)
	}
}

func TestEndMarker_AppearsInStream(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	p := audiosession.NewProducer(rdb)

	if err := p.EndMarker(ctx, "client-1"); err != nil {
		t.Fatalf("EndMarker: %v", err)
	}

	entries, err := rdb.XRange(ctx, "audio:stream:client-1", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if _, ok := entries[0].Values["end_marker"]; !ok {
		t.Error("expected end_marker field in entry")
	}
}
