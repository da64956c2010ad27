package pipeline

import (
	"context"
	"fmt"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// ReprocessTranscript enqueues transcribe_full_audio for newVersionID →
// speaker_recognition? → memory, and leaves the conversation's currently
// active version untouched until the pipeline completes and a later
// ActivateTranscriptVersion call swaps it in. Returns the
// transcribe_full_audio job and the memory job, which ends the chain
// whether or not speaker recognition is enabled.
func (o *Orchestrator) ReprocessTranscript(ctx context.Context, conversationID string, newVersionID string) (queue.Job, queue.Job, error) {
	transcribe, err := o.manager.Enqueue(ctx, queue.QueueTranscription, queue.RoleTranscribeFullAudio,
		map[string]string{"conversation_id": conversationID, "version_id": newVersionID},
		queue.WithJobID(queue.ReprocessJobID(conversationID)),
		queue.WithTimeout(queue.TimeoutTranscribeBatch),
		queue.WithMeta(map[string]string{"conversation_id": conversationID, "transcript_version_id": newVersionID}),
	)
	if err != nil {
		return queue.Job{}, queue.Job{}, fmt.Errorf("pipeline: enqueue transcribe_full_audio: %w", err)
	}

	terminal := transcribe
	if o.speakerRecognitionEnabled() {
		speaker, err := o.manager.Enqueue(ctx, queue.QueueTranscription, queue.RoleSpeakerRecognition,
			map[string]string{"conversation_id": conversationID, "transcript_version_id": newVersionID},
			queue.WithJobID(queue.JobID(queue.RoleSpeakerRecognition, conversationID)+"_"+newVersionID),
			queue.WithTimeout(queue.TimeoutSpeaker),
			queue.WithDependsOn(transcribe.ID),
			queue.WithMeta(map[string]string{"conversation_id": conversationID, "transcript_version_id": newVersionID}),
		)
		if err != nil {
			return queue.Job{}, queue.Job{}, fmt.Errorf("pipeline: enqueue speaker recognition: %w", err)
		}
		terminal = speaker
	}

	memory, err := o.manager.Enqueue(ctx, queue.QueueMemory, queue.RoleMemoryExtraction,
		map[string]string{"conversation_id": conversationID, "transcript_version_id": newVersionID},
		queue.WithJobID(queue.JobID(queue.RoleMemoryExtraction, conversationID)+"_"+newVersionID),
		queue.WithTimeout(queue.TimeoutMemory),
		queue.WithDependsOn(terminal.ID),
		queue.WithMeta(map[string]string{"conversation_id": conversationID, "transcript_version_id": newVersionID}),
	)
	if err != nil {
		return queue.Job{}, queue.Job{}, fmt.Errorf("pipeline: enqueue memory extraction: %w", err)
	}

	return transcribe, memory, nil
}

// ReprocessMemory enqueues only the memory extraction job against an
// already-existing transcript version.
func (o *Orchestrator) ReprocessMemory(ctx context.Context, conversationID, transcriptVersionID string) (queue.Job, error) {
	job, err := o.manager.Enqueue(ctx, queue.QueueMemory, queue.RoleMemoryExtraction,
		map[string]string{"conversation_id": conversationID, "transcript_version_id": transcriptVersionID},
		queue.WithJobID(queue.JobID(queue.RoleMemoryExtraction, conversationID)+"_"+transcriptVersionID),
		queue.WithTimeout(queue.TimeoutMemory),
		queue.WithMeta(map[string]string{"conversation_id": conversationID, "transcript_version_id": transcriptVersionID}),
	)
	if err != nil {
		return queue.Job{}, fmt.Errorf("pipeline: enqueue memory extraction: %w", err)
	}
	return job, nil
}

// ActivateTranscriptVersion validates that versionID exists on the
// conversation and swaps the active transcript pointer.
func (o *Orchestrator) ActivateTranscriptVersion(ctx context.Context, store conversation.Store, conversationID, versionID string) error {
	conv, err := store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("pipeline: load conversation %q: %w", conversationID, err)
	}
	if err := conversation.ValidateActivateTranscriptVersion(conv, versionID); err != nil {
		return err
	}
	return store.SetActiveTranscriptVersion(ctx, conversationID, versionID)
}

// ActivateMemoryVersion validates that versionID exists on the conversation
// and swaps the active memory pointer.
func (o *Orchestrator) ActivateMemoryVersion(ctx context.Context, store conversation.Store, conversationID, versionID string) error {
	conv, err := store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("pipeline: load conversation %q: %w", conversationID, err)
	}
	if err := conversation.ValidateActivateMemoryVersion(conv, versionID); err != nil {
		return err
	}
	return store.SetActiveMemoryVersion(ctx, conversationID, versionID)
}
