// Package queue implements the Redis-backed job-queue primitive: named
// FIFOs over per-status registries, with deterministic job ids, dependency
// chains, and result/failure TTLs. It is the foundation C1 that
// pkg/pipeline and pkg/jobs build on.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoJob is returned by Manager.Dequeue when no job became available
// before the poll timeout elapsed.
var ErrNoJob = errors.New("queue: no job available")

// Role identifies which handler a job dispatches to. Roles replace the
// dynamic function references of the system this package was distilled
// from: handlers are registered into a map[Role]Handler built by the
// caller, never stored as a callable in the job record itself.
type Role string

const (
	RoleTranscribeFullAudio Role = "transcribe_full_audio"
	RoleSpeakerRecognition  Role = "speaker_recognition"
	RoleMemoryExtraction    Role = "memory_extraction"
	RoleTitleSummary        Role = "title_summary"
	RoleEventDispatch       Role = "event_dispatch"
	RoleSpeechDetection     Role = "speech_detection"
	RoleAudioPersistence    Role = "audio_persistence"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusDeferred Status = "deferred"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// allStatuses lists every registry a job can live in, in the order Stats
// reports them.
var allStatuses = []Status{
	StatusQueued, StatusStarted, StatusDeferred,
	StatusFinished, StatusFailed, StatusCanceled,
}

// Default timeouts and TTLs, per queue role, matching the bounded timeouts
// each job class is allotted.
const (
	DefaultResultTTL  = 24 * time.Hour
	DefaultFailureTTL = 24 * time.Hour

	TimeoutStreaming       = 86400 * time.Second
	TimeoutSpeaker         = 1200 * time.Second
	TimeoutMemory          = 900 * time.Second
	TimeoutTitleSummary    = 300 * time.Second
	TimeoutEventDispatch   = 120 * time.Second
	TimeoutTranscribeBatch = 1800 * time.Second
)

// Job is one unit of deferred work. Args and Kwargs are opaque JSON blobs;
// concrete handlers decode them into whatever shape their Role expects.
type Job struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Queue      string          `json:"queue"`
	Args       json.RawMessage `json:"args,omitempty"`
	Kwargs     json.RawMessage `json:"kwargs,omitempty"`
	Status     Status          `json:"status"`
	Timeout    time.Duration   `json:"timeout"`
	ResultTTL  time.Duration   `json:"result_ttl"`
	FailureTTL time.Duration   `json:"failure_ttl"`

	DependsOn  []string `json:"depends_on,omitempty"`
	Dependents []string `json:"dependents,omitempty"`

	Meta map[string]string `json:"meta,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	ExcInfo string `json:"exc_info,omitempty"`
}

// ClientID returns meta["client_id"], or the empty string if unset.
func (j Job) ClientID() string { return j.Meta["client_id"] }

// ConversationID returns meta["conversation_id"], or the empty string if
// unset.
func (j Job) ConversationID() string { return j.Meta["conversation_id"] }

// Terminal reports whether status is one a job does not transition out of.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}
