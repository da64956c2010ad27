// Package pipeline builds the standard job DAGs that drive Chronicle's
// processing core: the two session-level jobs started when a streaming
// socket attaches, and the post-conversation fan-out of speaker
// recognition, memory extraction, title/summary generation, and event
// dispatch.
package pipeline

import (
	"context"
	"fmt"

	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// StreamingJobs is the result of StartStreamingJobs: the two session-level
// job handles a caller may want to track.
type StreamingJobs struct {
	SpeechDetection  queue.Job
	AudioPersistence queue.Job
}

// PostConversationJobs is the result of StartPostConversationJobs.
// SpeakerRecognition is the zero Job when speaker recognition is disabled.
type PostConversationJobs struct {
	SpeakerRecognition queue.Job
	Memory             queue.Job
	TitleSummary       queue.Job
	EventDispatch      queue.Job
}

// Orchestrator owns the queue manager and the live configuration predicate
// that decides whether speaker recognition participates in the DAG. The
// predicate is re-read on every call (rather than captured once) so a
// config hot-reload takes effect starting with the next conversation,
// mirroring how the config watcher already propagates other settings.
type Orchestrator struct {
	manager                  *queue.Manager
	speakerRecognitionEnabled func() bool
}

// New creates an Orchestrator. speakerRecognitionEnabled is consulted fresh
// on every call to StartPostConversationJobs.
func New(manager *queue.Manager, speakerRecognitionEnabled func() bool) *Orchestrator {
	if speakerRecognitionEnabled == nil {
		speakerRecognitionEnabled = func() bool { return true }
	}
	return &Orchestrator{manager: manager, speakerRecognitionEnabled: speakerRecognitionEnabled}
}

// StartStreamingJobs enqueues the two independent session-level jobs used
// at socket attach: a speech-detection job on the transcription queue and
// an audio-persistence job on the audio queue. Both carry
// meta.session_level=true and a 24h timeout.
func (o *Orchestrator) StartStreamingJobs(ctx context.Context, sessionID, userID, clientID string) (StreamingJobs, error) {
	meta := map[string]string{
		"session_level": "true",
		"session_id":    sessionID,
		"user_id":       userID,
		"client_id":     clientID,
	}

	speech, err := o.manager.Enqueue(ctx, queue.QueueTranscription, queue.RoleSpeechDetection,
		map[string]string{"session_id": sessionID, "client_id": clientID},
		queue.WithJobID(fmt.Sprintf("speech_detection_%s", sessionID)),
		queue.WithTimeout(queue.TimeoutStreaming),
		queue.WithMeta(meta),
	)
	if err != nil {
		return StreamingJobs{}, fmt.Errorf("pipeline: enqueue speech detection: %w", err)
	}

	audio, err := o.manager.Enqueue(ctx, queue.QueueAudio, queue.RoleAudioPersistence,
		map[string]string{"session_id": sessionID, "client_id": clientID},
		queue.WithJobID(fmt.Sprintf("audio_persistence_%s", sessionID)),
		queue.WithTimeout(queue.TimeoutStreaming),
		queue.WithMeta(meta),
	)
	if err != nil {
		return StreamingJobs{}, fmt.Errorf("pipeline: enqueue audio persistence: %w", err)
	}

	return StreamingJobs{SpeechDetection: speech, AudioPersistence: audio}, nil
}

// PostConversationOptions carries the optional parameters to
// StartPostConversationJobs.
type PostConversationOptions struct {
	TranscriptVersionID string
	DependsOnJob         string
	ClientID             string
}

// StartPostConversationJobs wires the standard DAG: an optional speaker
// recognition stage (skipped when disabled by configuration, in which case
// memory and title/summary depend directly on opts.DependsOnJob), memory
// extraction and title/summary generation running in parallel off that
// stage, and an event-dispatch job that waits on both.
//
// The pipeline never enqueues batch transcription itself — for streaming
// sessions the streaming transcript is the source of truth; file-upload
// callers must enqueue transcribe_full_audio and pass its handle as
// opts.DependsOnJob.
func (o *Orchestrator) StartPostConversationJobs(ctx context.Context, conversationID, userID string, opts PostConversationOptions) (PostConversationJobs, error) {
	baseMeta := map[string]string{
		"conversation_id": conversationID,
		"user_id":         userID,
	}
	if opts.ClientID != "" {
		baseMeta["client_id"] = opts.ClientID
	}

	var upstream []string
	if opts.DependsOnJob != "" {
		upstream = []string{opts.DependsOnJob}
	}

	var result PostConversationJobs
	memoryDeps := upstream
	titleDeps := upstream

	if o.speakerRecognitionEnabled() {
		speakerOpts := []queue.EnqueueOption{
			queue.WithJobID(queue.JobID(queue.RoleSpeakerRecognition, conversationID)),
			queue.WithTimeout(queue.TimeoutSpeaker),
			queue.WithMeta(mergeMeta(baseMeta, map[string]string{"transcript_version_id": opts.TranscriptVersionID})),
		}
		if len(upstream) > 0 {
			speakerOpts = append(speakerOpts, queue.WithDependsOn(upstream...))
		}
		speaker, err := o.manager.Enqueue(ctx, queue.QueueTranscription, queue.RoleSpeakerRecognition,
			map[string]string{"conversation_id": conversationID, "transcript_version_id": opts.TranscriptVersionID},
			speakerOpts...)
		if err != nil {
			return PostConversationJobs{}, fmt.Errorf("pipeline: enqueue speaker recognition: %w", err)
		}
		result.SpeakerRecognition = speaker
		memoryDeps = []string{speaker.ID}
		titleDeps = []string{speaker.ID}
	}

	memoryOpts := []queue.EnqueueOption{
		queue.WithJobID(queue.JobID(queue.RoleMemoryExtraction, conversationID)),
		queue.WithTimeout(queue.TimeoutMemory),
		queue.WithMeta(mergeMeta(baseMeta, map[string]string{"transcript_version_id": opts.TranscriptVersionID})),
	}
	if len(memoryDeps) > 0 {
		memoryOpts = append(memoryOpts, queue.WithDependsOn(memoryDeps...))
	}
	memory, err := o.manager.Enqueue(ctx, queue.QueueMemory, queue.RoleMemoryExtraction,
		map[string]string{"conversation_id": conversationID, "transcript_version_id": opts.TranscriptVersionID},
		memoryOpts...)
	if err != nil {
		return PostConversationJobs{}, fmt.Errorf("pipeline: enqueue memory extraction: %w", err)
	}
	result.Memory = memory

	titleOpts := []queue.EnqueueOption{
		queue.WithJobID(queue.JobID(queue.RoleTitleSummary, conversationID)),
		queue.WithTimeout(queue.TimeoutTitleSummary),
		queue.WithMeta(baseMeta),
	}
	if len(titleDeps) > 0 {
		titleOpts = append(titleOpts, queue.WithDependsOn(titleDeps...))
	}
	titleSummary, err := o.manager.Enqueue(ctx, queue.QueueDefault, queue.RoleTitleSummary,
		map[string]string{"conversation_id": conversationID}, titleOpts...)
	if err != nil {
		return PostConversationJobs{}, fmt.Errorf("pipeline: enqueue title/summary: %w", err)
	}
	result.TitleSummary = titleSummary

	eventDispatch, err := o.manager.Enqueue(ctx, queue.QueueDefault, queue.RoleEventDispatch,
		map[string]string{"conversation_id": conversationID},
		queue.WithJobID(queue.JobID(queue.RoleEventDispatch, conversationID)),
		queue.WithTimeout(queue.TimeoutEventDispatch),
		queue.WithMeta(baseMeta),
		queue.WithDependsOn(memory.ID, titleSummary.ID),
	)
	if err != nil {
		return PostConversationJobs{}, fmt.Errorf("pipeline: enqueue event dispatch: %w", err)
	}
	result.EventDispatch = eventDispatch

	return result, nil
}

func mergeMeta(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
