// Package conversation defines Chronicle's versioned conversation data
// model (C7): a Conversation accumulates successive TranscriptVersion and
// MemoryVersion entries as reprocessing occurs, with active-version
// pointers selecting which one is currently authoritative. A [Store]
// interface abstracts the backing document store; pkg/conversation/pgstore
// provides a Postgres implementation.
package conversation

import (
	"time"
)

// EndReason records why a streaming session ended.
type EndReason string

const (
	EndReasonUserStopped         EndReason = "user_stopped"
	EndReasonInactivityTimeout   EndReason = "inactivity_timeout"
	EndReasonWebSocketDisconnect EndReason = "websocket_disconnect"
	EndReasonMaxDuration         EndReason = "max_duration"
	EndReasonCloseRequested      EndReason = "close_requested"
	EndReasonError               EndReason = "error"
	EndReasonUnknown              EndReason = "unknown"
)

// ProcessingStatus tracks where a conversation sits in the post-processing
// pipeline, independent of its individual job statuses.
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusComplete   ProcessingStatus = "complete"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// WordDetail mirrors stt.WordDetail in a storage-friendly form (durations
// expressed as float seconds rather than time.Duration, matching how the
// document store serializes timing fields).
type WordDetail struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Segment is a contiguous speaker-attributed run of words.
type Segment struct {
	Start   float64      `json:"start"`
	End     float64      `json:"end"`
	Text    string       `json:"text"`
	Speaker string       `json:"speaker"`
	Words   []WordDetail `json:"words"`
}

// TranscriptVersion is one immutable transcription result for a
// conversation. Reprocessing appends a new version rather than overwriting
// the previous one.
type TranscriptVersion struct {
	VersionID             string            `json:"version_id"`
	TranscriptText        string            `json:"transcript_text"`
	Words                 []WordDetail      `json:"words"`
	Segments              []Segment         `json:"segments"`
	Provider              string            `json:"provider"`
	Model                 string            `json:"model"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessingTimeSeconds float64           `json:"processing_time_seconds"`
	DiarizationSource     string            `json:"diarization_source"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// MemoryVersion is one immutable memory-extraction result, tied to the
// transcript version it was derived from.
type MemoryVersion struct {
	VersionID             string            `json:"version_id"`
	MemoryCount           int               `json:"memory_count"`
	TranscriptVersionID   string            `json:"transcript_version_id"`
	Provider              string            `json:"provider"`
	Model                 string            `json:"model"`
	CreatedAt             time.Time         `json:"created_at"`
	ProcessingTimeSeconds float64           `json:"processing_time_seconds"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// AudioChunk is one opus-encoded span of a conversation's audio.
type AudioChunk struct {
	ConversationID string    `json:"conversation_id"`
	ChunkIndex     int       `json:"chunk_index"`
	StartTime      float64   `json:"start_time"`
	EndTime        float64   `json:"end_time"`
	Duration       float64   `json:"duration"`
	SampleRate     int       `json:"sample_rate"`
	Channels       int       `json:"channels"`
	CompressedSize int       `json:"compressed_size"`
	OriginalSize   int       `json:"original_size"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExternalSource identifies where a conversation was imported from, used
// to reject duplicate imports via a sparse unique constraint.
type ExternalSource struct {
	SourceID   string `json:"external_source_id"`
	SourceType string `json:"external_source_type"`
}

// Conversation is the aggregate root of C7. ConversationID is immutable
// once assigned.
type Conversation struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	ClientID       string `json:"client_id"`

	AudioChunksCount      int     `json:"audio_chunks_count"`
	AudioTotalDuration    float64 `json:"audio_total_duration"`
	AudioCompressionRatio float64 `json:"audio_compression_ratio"`

	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	EndReason        EndReason        `json:"end_reason,omitempty"`
	Deleted          bool             `json:"deleted"`
	DeletionReason   string           `json:"deletion_reason,omitempty"`
	DeletedAt        *time.Time       `json:"deleted_at,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`

	Title           string `json:"title,omitempty"`
	Summary         string `json:"summary,omitempty"`
	DetailedSummary string `json:"detailed_summary,omitempty"`

	TranscriptVersions      []TranscriptVersion `json:"transcript_versions"`
	MemoryVersions          []MemoryVersion     `json:"memory_versions"`
	ActiveTranscriptVersion string              `json:"active_transcript_version,omitempty"`
	ActiveMemoryVersion     string              `json:"active_memory_version,omitempty"`

	External *ExternalSource `json:"external,omitempty"`
}

// ActiveTranscript returns the currently active transcript version, or
// false if none is set or the pointer is dangling.
func (c Conversation) ActiveTranscript() (TranscriptVersion, bool) {
	if c.ActiveTranscriptVersion == "" {
		return TranscriptVersion{}, false
	}
	for _, v := range c.TranscriptVersions {
		if v.VersionID == c.ActiveTranscriptVersion {
			return v, true
		}
	}
	return TranscriptVersion{}, false
}

// ActiveMemory returns the currently active memory version, or false if
// none is set or the pointer is dangling.
func (c Conversation) ActiveMemory() (MemoryVersion, bool) {
	if c.ActiveMemoryVersion == "" {
		return MemoryVersion{}, false
	}
	for _, v := range c.MemoryVersions {
		if v.VersionID == c.ActiveMemoryVersion {
			return v, true
		}
	}
	return MemoryVersion{}, false
}

// HasTranscriptVersion reports whether versionID is present in
// TranscriptVersions.
func (c Conversation) HasTranscriptVersion(versionID string) bool {
	for _, v := range c.TranscriptVersions {
		if v.VersionID == versionID {
			return true
		}
	}
	return false
}

// HasMemoryVersion reports whether versionID is present in MemoryVersions.
func (c Conversation) HasMemoryVersion(versionID string) bool {
	for _, v := range c.MemoryVersions {
		if v.VersionID == versionID {
			return true
		}
	}
	return false
}
