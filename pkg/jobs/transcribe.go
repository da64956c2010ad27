package jobs

import (
	"context"
	"fmt"
	"os"

	"github.com/chronicle-systems/chronicle/pkg/audiocodec"
	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// transcribeFullAudioArgs is the JSON shape Orchestrator callers (file
// uploads, reprocessing) must enqueue transcribe_full_audio with.
type transcribeFullAudioArgs struct {
	ConversationID string `json:"conversation_id"`
	VersionID       string `json:"version_id,omitempty"`
}

// TranscribeFullAudio batch-transcribes a conversation's rotated audio file
// (recorded at audio:file:{conversation_id} by the audio-persistence job)
// through deps.Batch, and appends the result as a new transcript version.
// Used for file-upload conversations and for reprocess_transcript — never
// for streaming sessions, where the streaming transcript is already the
// source of truth.
func TranscribeFullAudio(ctx context.Context, job queue.Job, deps *Deps) (any, error) {
	var args transcribeFullAudioArgs
	if err := unmarshalArgs(job, &args); err != nil {
		return nil, err
	}
	if args.ConversationID == "" {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: missing conversation_id")
	}
	if deps.Batch == nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: no batch STT provider configured")
	}

	path, err := audiosession.AudioFile(ctx, deps.Redis, args.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: resolve audio file: %w", err)
	}
	if path == "" {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: no audio file recorded for conversation %q", args.ConversationID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: read %q: %w", path, err)
	}
	info, err := audiocodec.ParseWAV(data)
	if err != nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: parse wav %q: %w", path, err)
	}
	pcm, err := audiocodec.PCMSamples(data)
	if err != nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: extract pcm %q: %w", path, err)
	}

	start := deps.now()
	result, err := deps.Batch.Transcribe(ctx, pcm, info.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: transcribe: %w", err)
	}

	version := conversation.TranscriptVersion{
		VersionID:             versionID(args.VersionID),
		TranscriptText:        result.Text,
		Words:                 toStorageWords(result.Words),
		Segments:              toStorageSegments(result.Segments),
		Provider:              "batch",
		CreatedAt:             deps.now(),
		ProcessingTimeSeconds: deps.now().Sub(start).Seconds(),
	}
	if err := deps.Store.AppendTranscriptVersion(ctx, args.ConversationID, version); err != nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: append transcript version: %w", err)
	}
	if err := deps.Store.SetActiveTranscriptVersion(ctx, args.ConversationID, version.VersionID); err != nil {
		return nil, fmt.Errorf("jobs: transcribe_full_audio: set active transcript version: %w", err)
	}

	return map[string]any{
		"conversation_id": args.ConversationID,
		"version_id":      version.VersionID,
		"text":            result.Text,
	}, nil
}
