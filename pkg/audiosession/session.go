// Package audiosession implements the audio session plane (C3): per-client
// Redis Stream audio producers, the long-running persistence job that
// rotates WAV files at conversation boundaries, and the stuck-consumer
// reaper that keeps the stream namespace from growing without bound.
//
// Every key this package reads or writes uses the literal names spec'd in
// the external interface (audio:stream:{client_id}, audio:session:{session_id},
// conversation:current:{session_id}, transcription:complete:{session_id},
// audio:file:{conversation_id}) rather than a package-local prefix, since
// these are the wire contract shared with pkg/streamingasr and external
// callers outside this module's scope.
package audiosession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func streamKey(clientID string) string { return fmt.Sprintf("audio:stream:%s", clientID) }
func sessionKey(sessionID string) string { return fmt.Sprintf("audio:session:%s", sessionID) }
func currentConversationKey(sessionID string) string {
	return fmt.Sprintf("conversation:current:%s", sessionID)
}
func completeKey(sessionID string) string { return fmt.Sprintf("transcription:complete:%s", sessionID) }
func fileKey(conversationID string) string { return fmt.Sprintf("audio:file:%s", conversationID) }

// completeTTL and fileTTL match the durations named in spec §6.
const (
	completeTTL = 5 * time.Minute
	fileTTL     = 24 * time.Hour
)

// SessionStatus is the lifecycle state of a streaming session, stored in
// audio:session:{session_id}.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionFinalizing SessionStatus = "finalizing"
	SessionComplete   SessionStatus = "complete"
)

// ErrSessionNotFound is returned when a session hash does not exist.
var ErrSessionNotFound = errors.New("audiosession: session not found")

// AudioFormat describes the sample format a session's producer is sending.
type AudioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Session reads and writes the audio:session:{session_id} hash.
type Session struct {
	rdb redis.UniversalClient
}

// NewSession wraps an existing Redis client.
func NewSession(rdb redis.UniversalClient) *Session {
	return &Session{rdb: rdb}
}

// Open creates the session hash with status=active and the given format.
func (s *Session) Open(ctx context.Context, sessionID string, format AudioFormat) error {
	raw, err := json.Marshal(format)
	if err != nil {
		return fmt.Errorf("audiosession: marshal audio_format: %w", err)
	}
	return s.rdb.HSet(ctx, sessionKey(sessionID),
		"status", string(SessionActive),
		"audio_format", raw,
	).Err()
}

// SetStatus updates the session's status field.
func (s *Session) SetStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	return s.rdb.HSet(ctx, sessionKey(sessionID), "status", string(status)).Err()
}

// SetTranscriptionError records a transcription_error on the session hash so
// that speech detection and finalization can observe and report a failed
// streaming-provider connection quickly.
func (s *Session) SetTranscriptionError(ctx context.Context, sessionID, reason string) error {
	return s.rdb.HSet(ctx, sessionKey(sessionID), "transcription_error", reason).Err()
}

// SessionInfo is a snapshot of a session's hash fields.
type SessionInfo struct {
	Status              SessionStatus
	AudioFormat         AudioFormat
	TranscriptionError  string
}

// Get reads the current session hash. Returns ErrSessionNotFound if the
// session does not exist.
func (s *Session) Get(ctx context.Context, sessionID string) (SessionInfo, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("audiosession: get session %q: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	info := SessionInfo{
		Status:             SessionStatus(fields["status"]),
		TranscriptionError: fields["transcription_error"],
	}
	if raw, ok := fields["audio_format"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &info.AudioFormat)
	}
	return info, nil
}

// Delete removes the session hash, used once a session fully completes.
func (s *Session) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// SetCurrentConversation points sessionID's active conversation at
// conversationID. The persistence job observes this change to rotate its
// output file. No TTL is applied until ClearCurrentConversation runs.
func SetCurrentConversation(ctx context.Context, rdb redis.UniversalClient, sessionID, conversationID string) error {
	return rdb.Set(ctx, currentConversationKey(sessionID), conversationID, 0).Err()
}

// CurrentConversation returns the conversation id currently open for
// sessionID, or "" if none is set.
func CurrentConversation(ctx context.Context, rdb redis.UniversalClient, sessionID string) (string, error) {
	id, err := rdb.Get(ctx, currentConversationKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("audiosession: get current conversation for %q: %w", sessionID, err)
	}
	return id, nil
}

// ClearCurrentConversation deletes the pointer, signaling the persistence
// job to close its current output file.
func ClearCurrentConversation(ctx context.Context, rdb redis.UniversalClient, sessionID string) error {
	return rdb.Del(ctx, currentConversationKey(sessionID)).Err()
}

// SetTranscriptionComplete sets transcription:complete:{session_id} to "1"
// or "error", with the 5 minute TTL named in spec §6.
func SetTranscriptionComplete(ctx context.Context, rdb redis.UniversalClient, sessionID string, ok bool) error {
	value := "1"
	if !ok {
		value = "error"
	}
	return rdb.Set(ctx, completeKey(sessionID), value, completeTTL).Err()
}

// TranscriptionComplete reports whether transcription:complete:{session_id}
// is set, used by the streaming discovery loop to skip already-finished
// sessions.
func TranscriptionComplete(ctx context.Context, rdb redis.UniversalClient, sessionID string) (bool, error) {
	_, err := rdb.Get(ctx, completeKey(sessionID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("audiosession: check transcription complete for %q: %w", sessionID, err)
	}
	return true, nil
}

// SetAudioFile records the on-disk path of conversationID's rotated audio
// file, with the 24h TTL named in spec §6.
func SetAudioFile(ctx context.Context, rdb redis.UniversalClient, conversationID, path string) error {
	return rdb.Set(ctx, fileKey(conversationID), path, fileTTL).Err()
}

// AudioFile returns the on-disk path recorded by SetAudioFile, or "" if none
// is set or the 24h TTL has expired.
func AudioFile(ctx context.Context, rdb redis.UniversalClient, conversationID string) (string, error) {
	path, err := rdb.Get(ctx, fileKey(conversationID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audiosession: read audio file for %q: %w", conversationID, err)
	}
	return path, nil
}
