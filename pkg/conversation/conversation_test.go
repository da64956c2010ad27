package conversation_test

import (
	"testing"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
)

func TestActiveTranscript_DanglingPointerReturnsFalse(t *testing.T) {
	conv := conversation.Conversation{ActiveTranscriptVersion: "missing"}
	if _, ok := conv.ActiveTranscript(); ok {
		t.Fatal("expected ActiveTranscript to report false for a dangling pointer")
	}
}

func TestActiveTranscript_ResolvesPresentVersion(t *testing.T) {
	conv := conversation.Conversation{
		ActiveTranscriptVersion: "v2",
		TranscriptVersions: []conversation.TranscriptVersion{
			{VersionID: "v1", TranscriptText: "first"},
			{VersionID: "v2", TranscriptText: "second"},
		},
	}
	active, ok := conv.ActiveTranscript()
	if !ok || active.TranscriptText != "second" {
		t.Fatalf("got %+v, ok=%v", active, ok)
	}
}

func TestValidateAppendMemoryVersion_RejectsDanglingTranscriptLink(t *testing.T) {
	conv := conversation.Conversation{
		TranscriptVersions: []conversation.TranscriptVersion{{VersionID: "v1"}},
	}
	err := conversation.ValidateAppendMemoryVersion(conv, conversation.MemoryVersion{TranscriptVersionID: "v9"})
	if err == nil {
		t.Fatal("expected error for memory version referencing an absent transcript version")
	}
}

func TestValidateAppendMemoryVersion_AcceptsPresentTranscriptLink(t *testing.T) {
	conv := conversation.Conversation{
		TranscriptVersions: []conversation.TranscriptVersion{{VersionID: "v1"}},
	}
	err := conversation.ValidateAppendMemoryVersion(conv, conversation.MemoryVersion{TranscriptVersionID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateActivateTranscriptVersion(t *testing.T) {
	conv := conversation.Conversation{
		TranscriptVersions: []conversation.TranscriptVersion{{VersionID: "v1"}},
	}
	if err := conversation.ValidateActivateTranscriptVersion(conv, "v1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conversation.ValidateActivateTranscriptVersion(conv, "v2"); err == nil {
		t.Fatal("expected error activating a nonexistent version")
	}
}
