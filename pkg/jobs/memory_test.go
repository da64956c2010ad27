package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/provider/llm"
	"github.com/chronicle-systems/chronicle/pkg/provider/llm/mock"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

func conversationWithDialogue(convID, userID string) conversation.Conversation {
	return conversation.Conversation{
		ConversationID:          convID,
		UserID:                  userID,
		ActiveTranscriptVersion: "v1",
		TranscriptVersions: []conversation.TranscriptVersion{{
			VersionID:      "v1",
			TranscriptText: "Alice: I'm flying to Denver next Tuesday for the conference.",
			Segments: []conversation.Segment{
				{Speaker: "Alice", Text: "I'm flying to Denver next Tuesday for the conference."},
				{Speaker: "Bob", Text: "Nice, safe travels!"},
			},
		}},
	}
}

func TestMemoryExtraction_HappyPath(t *testing.T) {
	ctx := context.Background()
	convID := "conv-1"
	store := newFakeStore(conversationWithDialogue(convID, "user-1"))
	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Alice is flying to Denver next Tuesday.\nAlice is attending a conference."}}
	deps := &Deps{Store: store, LLM: provider}

	args, _ := json.Marshal(memoryExtractionArgs{ConversationID: convID, TranscriptVersionID: "v1"})
	job := queue.Job{Role: queue.RoleMemoryExtraction, Args: args}

	result, err := MemoryExtraction(ctx, job, deps)
	if err != nil {
		t.Fatalf("MemoryExtraction: %v", err)
	}
	m := result.(map[string]any)
	if m["memory_count"] != 2 {
		t.Errorf("memory_count = %v, want 2", m["memory_count"])
	}

	conv, _ := store.Get(ctx, convID)
	if len(conv.MemoryVersions) != 1 {
		t.Fatalf("expected 1 memory version, got %d", len(conv.MemoryVersions))
	}
	if conv.ActiveMemoryVersion != conv.MemoryVersions[0].VersionID {
		t.Errorf("active memory version not set")
	}
	if !strings.Contains(conv.MemoryVersions[0].Metadata["memories"], "Denver") {
		t.Errorf("expected memory text to mention Denver, got %q", conv.MemoryVersions[0].Metadata["memories"])
	}
}

func TestMemoryExtraction_TooShortSkipped(t *testing.T) {
	ctx := context.Background()
	convID := "conv-1"
	conv := conversation.Conversation{
		ConversationID:          convID,
		ActiveTranscriptVersion: "v1",
		TranscriptVersions:      []conversation.TranscriptVersion{{VersionID: "v1", TranscriptText: "hi"}},
	}
	store := newFakeStore(conv)
	provider := &mock.Provider{}
	deps := &Deps{Store: store, LLM: provider}

	args, _ := json.Marshal(memoryExtractionArgs{ConversationID: convID, TranscriptVersionID: "v1"})
	job := queue.Job{Role: queue.RoleMemoryExtraction, Args: args}

	result, err := MemoryExtraction(ctx, job, deps)
	if err != nil {
		t.Fatalf("MemoryExtraction: %v", err)
	}
	m := result.(map[string]any)
	if skipped, _ := m["skipped"].(bool); !skipped {
		t.Errorf("expected skipped=true for too-short conversation, got %+v", m)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("expected no LLM call for too-short conversation")
	}
}

func TestMemoryExtraction_NoPrimarySpeakerSkipped(t *testing.T) {
	ctx := context.Background()
	convID := "conv-1"
	store := newFakeStore(conversationWithDialogue(convID, "user-1"))
	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "should not be reached"}}
	deps := &Deps{
		Store: store,
		LLM:   provider,
		Users: &fakeDirectory{primaries: map[string][]string{"user-1": {"Charlie"}}},
	}

	args, _ := json.Marshal(memoryExtractionArgs{ConversationID: convID, TranscriptVersionID: "v1"})
	job := queue.Job{Role: queue.RoleMemoryExtraction, Args: args}

	result, err := MemoryExtraction(ctx, job, deps)
	if err != nil {
		t.Fatalf("MemoryExtraction: %v", err)
	}
	m := result.(map[string]any)
	if skipped, _ := m["skipped"].(bool); !skipped {
		t.Errorf("expected skipped=true when no primary speaker is present, got %+v", m)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("expected no LLM call when primary speaker filter skips the conversation")
	}
}

func TestMemoryExtraction_PrimarySpeakerPresentProceeds(t *testing.T) {
	ctx := context.Background()
	convID := "conv-1"
	store := newFakeStore(conversationWithDialogue(convID, "user-1"))
	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Alice mentioned a trip to Denver."}}
	deps := &Deps{
		Store: store,
		LLM:   provider,
		Users: &fakeDirectory{primaries: map[string][]string{"user-1": {"alice"}}},
	}

	args, _ := json.Marshal(memoryExtractionArgs{ConversationID: convID, TranscriptVersionID: "v1"})
	job := queue.Job{Role: queue.RoleMemoryExtraction, Args: args}

	if _, err := MemoryExtraction(ctx, job, deps); err != nil {
		t.Fatalf("MemoryExtraction: %v", err)
	}
	if len(provider.CompleteCalls) != 1 {
		t.Errorf("expected exactly one LLM call, got %d", len(provider.CompleteCalls))
	}
}
