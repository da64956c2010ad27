package conversation

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a conversation id does not resolve to a
// stored record.
var ErrNotFound = errors.New("conversation: not found")

// ErrVersionNotFound is returned by the Activate* and Append* operations
// when the named version does not exist on the conversation.
var ErrVersionNotFound = errors.New("conversation: version not found")

// Store is the persistence contract the pipeline and job handlers mutate
// conversations through. Implementations must uphold the data model's
// invariants: every active pointer refers to a present version or is
// empty; a memory version's TranscriptVersionID refers to a present
// transcript version; ConversationID is immutable; soft deletion never
// removes versions.
type Store interface {
	// Create inserts a new conversation. ConversationID must be unique.
	Create(ctx context.Context, conv Conversation) error

	// Get fetches a conversation by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, conversationID string) (Conversation, error)

	// AppendTranscriptVersion appends version to the conversation's
	// transcript version list. It does not change the active pointer.
	AppendTranscriptVersion(ctx context.Context, conversationID string, version TranscriptVersion) error

	// AppendMemoryVersion appends version to the conversation's memory
	// version list. version.TranscriptVersionID must already be present
	// in the conversation's transcript versions. It does not change the
	// active pointer.
	AppendMemoryVersion(ctx context.Context, conversationID string, version MemoryVersion) error

	// SetActiveTranscriptVersion swaps the active transcript pointer.
	// versionID must already be present in the conversation's transcript
	// versions, or ErrVersionNotFound is returned.
	SetActiveTranscriptVersion(ctx context.Context, conversationID, versionID string) error

	// SetActiveMemoryVersion swaps the active memory pointer. versionID
	// must already be present, or ErrVersionNotFound is returned.
	SetActiveMemoryVersion(ctx context.Context, conversationID, versionID string) error

	// SetTitleSummary updates the derived title, summary, and detailed
	// summary text.
	SetTitleSummary(ctx context.Context, conversationID, title, summary, detailedSummary string) error

	// SetProcessingStatus updates the conversation's processing status.
	SetProcessingStatus(ctx context.Context, conversationID string, status ProcessingStatus) error

	// Complete marks a conversation's streaming session finished, setting
	// completed_at and the end reason.
	Complete(ctx context.Context, conversationID string, reason EndReason) error

	// SoftDelete marks a conversation (and all of its chunks, in lockstep)
	// deleted, recording reason, without removing any version history.
	SoftDelete(ctx context.Context, conversationID, reason string) error

	// Restore reverses a SoftDelete.
	Restore(ctx context.Context, conversationID string) error

	// HardDelete permanently removes a conversation and cascades to its
	// audio chunks.
	HardDelete(ctx context.Context, conversationID string) error

	// AppendAudioChunk records a new audio chunk belonging to
	// conversationID.
	AppendAudioChunk(ctx context.Context, conversationID string, chunk AudioChunk) error

	// ListAudioChunks returns every (non-deleted unless includeDeleted)
	// chunk belonging to conversationID, ordered by ChunkIndex.
	ListAudioChunks(ctx context.Context, conversationID string, includeDeleted bool) ([]AudioChunk, error)

	// FindByExternalSource looks up a conversation by its external dedup
	// key. Returns ErrNotFound if no conversation carries that source.
	FindByExternalSource(ctx context.Context, source ExternalSource) (Conversation, error)
}

// ValidateAppendMemoryVersion checks the transcript-linkage invariant a
// Store implementation must enforce before appending version.
func ValidateAppendMemoryVersion(conv Conversation, version MemoryVersion) error {
	if version.TranscriptVersionID == "" {
		return fmt.Errorf("conversation: memory version must reference a transcript version")
	}
	if !conv.HasTranscriptVersion(version.TranscriptVersionID) {
		return fmt.Errorf("conversation: %w: transcript version %q", ErrVersionNotFound, version.TranscriptVersionID)
	}
	return nil
}

// ValidateActivateTranscriptVersion checks that versionID exists before a
// Store implementation swaps the active pointer.
func ValidateActivateTranscriptVersion(conv Conversation, versionID string) error {
	if !conv.HasTranscriptVersion(versionID) {
		return fmt.Errorf("conversation: %w: transcript version %q", ErrVersionNotFound, versionID)
	}
	return nil
}

// ValidateActivateMemoryVersion checks that versionID exists before a
// Store implementation swaps the active pointer.
func ValidateActivateMemoryVersion(conv Conversation, versionID string) error {
	if !conv.HasMemoryVersion(versionID) {
		return fmt.Errorf("conversation: %w: memory version %q", ErrVersionNotFound, versionID)
	}
	return nil
}
