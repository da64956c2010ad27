package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// fakeStore is a minimal in-memory conversation.Store, mirroring
// pkg/streamingasr's test double.
type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*conversation.Conversation
}

func newFakeStore(convs ...conversation.Conversation) *fakeStore {
	m := make(map[string]*conversation.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		m[c.ConversationID] = &c
	}
	return &fakeStore{convs: m}
}

func (f *fakeStore) Create(ctx context.Context, conv conversation.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ConversationID] = &conv
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return *c, nil
}

func (f *fakeStore) AppendTranscriptVersion(ctx context.Context, id string, v conversation.TranscriptVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.TranscriptVersions = append(c.TranscriptVersions, v)
	return nil
}

func (f *fakeStore) AppendMemoryVersion(ctx context.Context, id string, v conversation.MemoryVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.MemoryVersions = append(c.MemoryVersions, v)
	return nil
}

func (f *fakeStore) SetActiveTranscriptVersion(ctx context.Context, id, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.ActiveTranscriptVersion = versionID
	return nil
}

func (f *fakeStore) SetActiveMemoryVersion(ctx context.Context, id, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.ActiveMemoryVersion = versionID
	return nil
}

func (f *fakeStore) SetTitleSummary(ctx context.Context, id, title, summary, detailed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.Title, c.Summary, c.DetailedSummary = title, summary, detailed
	return nil
}

func (f *fakeStore) SetProcessingStatus(ctx context.Context, id string, status conversation.ProcessingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.ProcessingStatus = status
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, id string, reason conversation.EndReason) error {
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, id, reason string) error { return nil }
func (f *fakeStore) Restore(ctx context.Context, id string) error           { return nil }
func (f *fakeStore) HardDelete(ctx context.Context, id string) error        { return nil }
func (f *fakeStore) AppendAudioChunk(ctx context.Context, id string, chunk conversation.AudioChunk) error {
	return nil
}
func (f *fakeStore) ListAudioChunks(ctx context.Context, id string, includeDeleted bool) ([]conversation.AudioChunk, error) {
	return nil, nil
}
func (f *fakeStore) FindByExternalSource(ctx context.Context, source conversation.ExternalSource) (conversation.Conversation, error) {
	return conversation.Conversation{}, conversation.ErrNotFound
}

var _ conversation.Store = (*fakeStore)(nil)

// fakeDirectory is a jobs.Directory test double.
type fakeDirectory struct {
	primaries map[string][]string
	err       error
}

func (f *fakeDirectory) PrimarySpeakers(ctx context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.primaries[userID], nil
}
