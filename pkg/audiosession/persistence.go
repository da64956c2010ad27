package audiosession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/audiocodec"
)

// persistenceGroup is the consumer group name the persistence job reads
// under, matching spec §6.
const persistenceGroup = "audio_persistence"

// maxSessionDuration is the hard ceiling a persistence job runs for before
// gracefully exiting, just ahead of the 24h session ceiling (spec §5).
const maxSessionDuration = 23*time.Hour + 59*time.Minute

// drainGrace is how long the job keeps reading after observing
// session-finalizing, to catch any frames still in flight.
const drainGrace = 500 * time.Millisecond

// emptyReadsToStop is the number of consecutive empty stream reads after an
// end marker before the job considers the client fully drained.
const emptyReadsToStop = 3

// TerminationReason records why Persistence.Run returned.
type TerminationReason string

const (
	TerminationEndMarkerDrained TerminationReason = "end_marker_drained"
	TerminationSessionComplete  TerminationReason = "session_complete"
	TerminationLivenessFailed   TerminationReason = "liveness_failed"
	TerminationMaxDuration      TerminationReason = "max_duration"
	TerminationContextCanceled  TerminationReason = "context_canceled"
)

// FileWriter persists a closed conversation's WAV bytes somewhere durable
// (local disk in production; an in-memory fake in tests) and returns the
// path recorded under audio:file:{conversation_id}.
type FileWriter interface {
	WriteWAV(clientID, conversationID string, wav []byte, rotatedAt time.Time) (path string, err error)
}

// LivenessChecker reports whether the persistence job's own queue record is
// still considered alive (not a zombie per the queue registries). Wired by
// the caller from a *queue.Manager so this package has no import-time
// dependency on pkg/queue.
type LivenessChecker func(ctx context.Context) (bool, error)

// Persistence drains one client's audio:stream:{client_id} under the
// audio_persistence consumer group, writing 16 kHz mono 16-bit PCM to a
// rotating WAV file per the current conversation, and terminating per one
// of the four conditions in spec §4.4.
type Persistence struct {
	rdb      redis.UniversalClient
	clientID string

	sessionID string
	consumer  string

	writer   FileWriter
	liveness LivenessChecker

	now         func() time.Time
	blockPeriod time.Duration
}

// Option configures a Persistence job.
type Option func(*Persistence)

// WithLivenessChecker installs the zombie-detection predicate (condition c).
func WithLivenessChecker(f LivenessChecker) Option {
	return func(p *Persistence) { p.liveness = f }
}

// WithNow overrides the clock, for tests.
func WithNow(f func() time.Time) Option {
	return func(p *Persistence) { p.now = f }
}

// WithBlockPeriod overrides the XReadGroup block duration (default 1s), for
// tests that want the discovery loop to spin faster.
func WithBlockPeriod(d time.Duration) Option {
	return func(p *Persistence) { p.blockPeriod = d }
}

// NewPersistence creates a persistence job for one client's stream.
// sessionID is used to read session status and the current-conversation
// pointer; consumerName identifies this process within the audio_persistence
// group.
func NewPersistence(rdb redis.UniversalClient, clientID, sessionID, consumerName string, writer FileWriter, opts ...Option) *Persistence {
	p := &Persistence{
		rdb:         rdb,
		clientID:    clientID,
		sessionID:   sessionID,
		consumer:    consumerName,
		writer:      writer,
		now:         time.Now,
		blockPeriod: 1 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// rotation tracks the in-memory PCM buffer for the conversation currently
// being recorded.
type rotation struct {
	conversationID string
	pcm            []byte
	openedAt       time.Time
}

// Run drains the stream until one of the four termination conditions fires,
// or ctx is canceled. It returns the reason the loop stopped.
func (p *Persistence) Run(ctx context.Context) (TerminationReason, error) {
	stream := streamKey(p.clientID)
	if err := p.rdb.XGroupCreateMkStream(ctx, stream, persistenceGroup, "0").Err(); err != nil {
		if !isBusyGroupErr(err) {
			return "", fmt.Errorf("audiosession: create consumer group: %w", err)
		}
	}

	start := p.now()
	var cur rotation
	endMarkerSeen := false
	consecutiveEmpty := 0
	finalDrainDeadline := time.Time{}

	for {
		select {
		case <-ctx.Done():
			p.flush(ctx, &cur)
			return TerminationContextCanceled, ctx.Err()
		default:
		}

		if p.now().Sub(start) >= maxSessionDuration {
			p.flush(ctx, &cur)
			return TerminationMaxDuration, nil
		}

		if p.liveness != nil {
			alive, err := p.liveness(ctx)
			if err != nil {
				slog.Warn("audiosession: liveness check error", "client_id", p.clientID, "error", err)
			} else if !alive {
				p.flush(ctx, &cur)
				return TerminationLivenessFailed, nil
			}
		}

		info, err := NewSession(p.rdb).Get(ctx, p.sessionID)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("audiosession: read session status failed", "session_id", p.sessionID, "error", err)
		}
		if info.Status == SessionFinalizing && finalDrainDeadline.IsZero() {
			finalDrainDeadline = p.now().Add(drainGrace)
		}
		if info.Status == SessionComplete || (!finalDrainDeadline.IsZero() && p.now().After(finalDrainDeadline)) {
			p.flush(ctx, &cur)
			return TerminationSessionComplete, nil
		}

		if err := p.rotateIfNeeded(ctx, &cur); err != nil {
			slog.Warn("audiosession: rotation check failed", "client_id", p.clientID, "error", err)
		}

		entries, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    persistenceGroup,
			Consumer: p.consumer,
			Streams:  []string{stream, ">"},
			Count:    50,
			Block:    p.blockPeriod,
		}).Result()
		if err != nil && err != redis.Nil {
			slog.Warn("audiosession: xreadgroup failed", "client_id", p.clientID, "error", err)
			continue
		}

		ids, got := p.consumeEntries(entries)
		if got == 0 {
			consecutiveEmpty++
		} else {
			consecutiveEmpty = 0
		}
		for _, id := range ids {
			if err := p.rdb.XAck(ctx, stream, persistenceGroup, id).Err(); err != nil {
				slog.Warn("audiosession: xack failed", "client_id", p.clientID, "id", id, "error", err)
			}
		}
		if p.sawEndMarker(entries) {
			endMarkerSeen = true
		}
		p.appendFrames(entries, &cur)

		if endMarkerSeen && consecutiveEmpty >= emptyReadsToStop {
			p.flush(ctx, &cur)
			return TerminationEndMarkerDrained, nil
		}
	}
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// consumeEntries returns the ids of every message read (for ACKing) and how
// many carried audio data (vs. only the end marker), used to drive the
// consecutive-empty-read counter.
func (p *Persistence) consumeEntries(streams []redis.XStream) (ids []string, dataCount int) {
	for _, s := range streams {
		for _, msg := range s.Messages {
			ids = append(ids, msg.ID)
			if _, ok := msg.Values["audio_data"]; ok {
				dataCount++
			}
		}
	}
	return ids, dataCount
}

func (p *Persistence) sawEndMarker(streams []redis.XStream) bool {
	for _, s := range streams {
		for _, msg := range s.Messages {
			if entryIsEndMarker(msg.Values) {
				return true
			}
		}
	}
	return false
}

func (p *Persistence) appendFrames(streams []redis.XStream, cur *rotation) {
	for _, s := range streams {
		for _, msg := range s.Messages {
			frame, ok := decodeFrame(msg.Values)
			if !ok {
				continue
			}
			pcm := audiocodec.ConvertPCM(frame.AudioData,
				audiocodec.Format{SampleRate: frame.SampleRate, Channels: 1},
				audiocodec.WearableFormat,
			)
			cur.pcm = append(cur.pcm, pcm...)
		}
	}
}

// rotateIfNeeded compares the session's current-conversation pointer
// against cur, flushing and opening a new rotation entry when it changes,
// and flushing when the pointer is cleared.
func (p *Persistence) rotateIfNeeded(ctx context.Context, cur *rotation) error {
	convID, err := CurrentConversation(ctx, p.rdb, p.sessionID)
	if err != nil {
		return err
	}
	if convID == cur.conversationID {
		return nil
	}
	p.flush(ctx, cur)
	if convID != "" {
		cur.conversationID = convID
		cur.openedAt = p.now()
	}
	return nil
}

// flush writes cur's accumulated PCM to a WAV file (if any was
// accumulated) and resets cur for the next rotation.
func (p *Persistence) flush(ctx context.Context, cur *rotation) {
	if cur.conversationID == "" || len(cur.pcm) == 0 {
		*cur = rotation{}
		return
	}
	wav := audiocodec.WriteWAV(cur.pcm, audiocodec.WearableFormat)
	path, err := p.writer.WriteWAV(p.clientID, cur.conversationID, wav, cur.openedAt)
	if err != nil {
		slog.Warn("audiosession: write wav failed", "conversation_id", cur.conversationID, "error", err)
		*cur = rotation{}
		return
	}
	if err := SetAudioFile(ctx, p.rdb, cur.conversationID, path); err != nil {
		slog.Warn("audiosession: record audio file path failed", "conversation_id", cur.conversationID, "error", err)
	}
	*cur = rotation{}
}
