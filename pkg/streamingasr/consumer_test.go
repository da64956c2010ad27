package streamingasr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/pipeline"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
	"github.com/chronicle-systems/chronicle/pkg/queue"

	chronicleplugin "github.com/chronicle-systems/chronicle/pkg/plugin"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// fakeSession is a stt.StreamSession whose Events channel is pre-seeded by
// the test and whose Close simply closes it, simulating a provider that
// has already produced its one final result before the end marker arrives.
type fakeSession struct {
	events chan stt.Result
}

func (s *fakeSession) SendAudio(ctx context.Context, chunk []byte) error { return nil }
func (s *fakeSession) Events() <-chan stt.Result                        { return s.events }
func (s *fakeSession) Close() error {
	close(s.events)
	return nil
}

type fakeStreamProvider struct {
	session *fakeSession
}

func (p *fakeStreamProvider) OpenSession(ctx context.Context, cfg stt.StreamConfig) (stt.StreamSession, error) {
	return p.session, nil
}

type fakeUserDirectory struct {
	userID    string
	primaries []string
}

func (f *fakeUserDirectory) UserForClient(ctx context.Context, clientID string) (string, error) {
	return f.userID, nil
}
func (f *fakeUserDirectory) PrimarySpeakers(ctx context.Context, userID string) ([]string, error) {
	return f.primaries, nil
}

// fakeStore is a minimal in-memory conversation.Store sufficient to drive
// handleFinal; every method beyond Append/SetActive is unused by this
// test's path but must exist to satisfy the interface.
type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*conversation.Conversation
}

func newFakeStore(convID string) *fakeStore {
	return &fakeStore{convs: map[string]*conversation.Conversation{
		convID: {ConversationID: convID},
	}}
}

func (f *fakeStore) Create(ctx context.Context, conv conversation.Conversation) error { return nil }
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
func (f *fakeStore) SetActiveMemoryVersion(ctx context.Context, id, versionID string) error { return nil }
func (f *fakeStore) SetTitleSummary(ctx context.Context, id, title, summary, detailed string) error {
	return nil
}
func (f *fakeStore) SetProcessingStatus(ctx context.Context, id string, status conversation.ProcessingStatus) error {
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

// capturingPlugin records every PluginContext it is handed.
type capturingPlugin struct {
	mu   sync.Mutex
	ctxs []chronicleplugin.PluginContext
}

func (p *capturingPlugin) Name() string      { return "capture" }
func (p *capturingPlugin) Enabled() bool     { return true }
func (p *capturingPlugin) Initialized() bool { return true }
func (p *capturingPlugin) Subscribes(event string) bool {
	return event == chronicleplugin.EventTranscriptStreaming
}
func (p *capturingPlugin) Condition() chronicleplugin.Condition { return chronicleplugin.Always{} }
func (p *capturingPlugin) Handle(ctx context.Context, pctx chronicleplugin.PluginContext) chronicleplugin.PluginResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxs = append(p.ctxs, pctx)
	return chronicleplugin.PluginResult{Success: true}
}

func TestRunTask_FinalResultWritesTranscriptAndDispatches(t *testing.T) {
	rdb := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const clientID = "client-1"
	const convID = "conv-1"

	if err := audiosession.SetCurrentConversation(ctx, rdb, clientID, convID); err != nil {
		t.Fatalf("SetCurrentConversation: %v", err)
	}

	producer := audiosession.NewProducer(rdb)
	if err := producer.EndMarker(ctx, clientID); err != nil {
		t.Fatalf("EndMarker: %v", err)
	}

	events := make(chan stt.Result, 1)
	events <- stt.Result{
		Text:    "turn on the lights",
		IsFinal: true,
		Words: []stt.WordDetail{
			{Word: "turn", Speaker: "Alice"},
			{Word: "on", Speaker: "Alice"},
		},
	}
	provider := &fakeStreamProvider{session: &fakeSession{events: events}}
	def := stt.Definition{Kind: stt.KindStream, Stream: provider, Capabilities: stt.Capabilities{Diarization: true}}

	store := newFakeStore(convID)
	router := chronicleplugin.NewRouter(10)
	plug := &capturingPlugin{}
	router.Register(plug)
	users := &fakeUserDirectory{userID: "user-1"}
	orch := pipeline.New(queue.NewManager(rdb), func() bool { return false })

	c := NewConsumer(rdb, def, nil, router, users, store, orch, "consumer-1")

	if err := c.runTask(ctx, clientID); err != nil {
		t.Fatalf("runTask: %v", err)
	}

	conv, err := store.Get(ctx, convID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(conv.TranscriptVersions) != 1 {
		t.Fatalf("got %d transcript versions, want 1", len(conv.TranscriptVersions))
	}
	if conv.TranscriptVersions[0].TranscriptText != "turn on the lights" {
		t.Errorf("got transcript text %q", conv.TranscriptVersions[0].TranscriptText)
	}
	if conv.ActiveTranscriptVersion != conv.TranscriptVersions[0].VersionID {
		t.Error("expected active transcript version to point at the appended version")
	}

	plug.mu.Lock()
	defer plug.mu.Unlock()
	if len(plug.ctxs) != 1 {
		t.Fatalf("got %d plugin dispatches, want 1", len(plug.ctxs))
	}
	if plug.ctxs[0].Data["transcript"] != "turn on the lights" {
		t.Errorf("got dispatched transcript %q", plug.ctxs[0].Data["transcript"])
	}

	complete, err := audiosession.TranscriptionComplete(ctx, rdb, clientID)
	if err != nil {
		t.Fatalf("TranscriptionComplete: %v", err)
	}
	if !complete {
		t.Error("expected transcription:complete to be set")
	}
}

func TestMaybeSpawn_SkipsAlreadyCompleteSession(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	const clientID = "client-done"

	if err := audiosession.SetTranscriptionComplete(ctx, rdb, clientID, true); err != nil {
		t.Fatalf("SetTranscriptionComplete: %v", err)
	}

	def := stt.Definition{Kind: stt.KindStream, Stream: &fakeStreamProvider{session: &fakeSession{events: make(chan stt.Result)}}}
	orch := pipeline.New(queue.NewManager(rdb), func() bool { return false })
	c := NewConsumer(rdb, def, nil, nil, &fakeUserDirectory{}, newFakeStore("x"), orch, "consumer-1")

	var wg sync.WaitGroup
	c.maybeSpawn(ctx, clientID, &wg)
	wg.Wait()

	c.mu.Lock()
	_, running := c.active[clientID]
	c.mu.Unlock()
	if running {
		t.Error("expected a completed session not to be spawned")
	}
}
