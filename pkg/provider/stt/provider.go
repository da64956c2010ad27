// Package stt defines the provider abstraction for speech-to-text backends
// used by the streaming ASR consumer (pkg/streamingasr) and the
// transcribe_full_audio post-conversation job (pkg/jobs).
//
// Two provider families exist, matching spec §6: a batch HTTP/local provider
// ([BatchProvider], kind "stt") that transcribes a complete audio buffer in
// one call, and a streaming WebSocket provider ([StreamProvider], kind
// "stt_stream") that accepts audio incrementally and emits interim/final
// events. Both are registered in a [Registry] under a provider name so the
// streaming consumer and the reprocessing job can be driven entirely by
// configuration.
package stt

import (
	"context"
	"time"
)

// WordDetail is a single recognised word with timing and optional speaker
// attribution. Providers that report start_time/end_time are normalised to
// Start/End before reaching callers (see pkg/streamingasr word-format
// normalization).
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64

	// Speaker is the diarization label reported directly by the provider.
	// Empty when the provider has no native diarization (see
	// [Capabilities.Diarization]).
	Speaker string
}

// Segment is a contiguous run of words attributed to a single speaker,
// produced by grouping [WordDetail] values (see pkg/streamingasr segment
// grouping).
type Segment struct {
	Start   time.Duration
	End     time.Duration
	Text    string
	Speaker string
	Words   []WordDetail
}

// Result is a normalised transcription result, used both for a single batch
// transcription ([BatchProvider.Transcribe]) and for each streaming event
// emitted by a [StreamProvider] session.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Words      []WordDetail
	Segments   []Segment
	Timestamp  time.Time
}

// BatchProvider transcribes a complete audio buffer in a single call. Used
// by the transcribe_full_audio job (C5) for batch uploads and reprocessing.
type BatchProvider interface {
	// Transcribe decodes pcm (signed 16-bit little-endian, mono, sampleRate
	// Hz) and returns the full transcription result.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}

// StreamSession is an open streaming transcription session. SendAudio and
// Events are driven by pkg/streamingasr's per-stream task; Close tears down
// the underlying connection.
type StreamSession interface {
	// SendAudio forwards one audio entry's payload to the provider.
	SendAudio(ctx context.Context, chunk []byte) error

	// Events delivers normalised interim and final [Result] values as the
	// provider produces them. Closed when the session ends.
	Events() <-chan Result

	// Close ends the session and releases resources. Safe to call more than
	// once.
	Close() error
}

// StreamConfig configures a new streaming session.
type StreamConfig struct {
	SessionID  string
	SampleRate int
	Diarize    bool
}

// StreamProvider opens WebSocket-backed streaming transcription sessions.
type StreamProvider interface {
	OpenSession(ctx context.Context, cfg StreamConfig) (StreamSession, error)
}

// Capabilities describes static provider metadata used by the streaming
// consumer to decide whether to rely on native diarization or fall back to
// windowed speaker identification (spec §4.5).
type Capabilities struct {
	Diarization bool
}
