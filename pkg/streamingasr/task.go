package streamingasr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/audiocodec"
	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/pipeline"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"

	chronicleplugin "github.com/chronicle-systems/chronicle/pkg/plugin"
)

// defaultSampleRate is used when a session's audio_format has not been
// recorded yet (spec §4.5 step 1: "default 16 kHz").
const defaultSampleRate = 16000

// idleReadsBeforeInactive is the number of consecutive empty stream reads
// (at the 1s block period) before the task considers the session inactive
// absent an explicit end marker.
const idleReadsBeforeInactive = 30

// speakerWindowMinDuration is the minimum buffered audio duration before
// the non-diarizing fallback posts a window for speaker identification
// (spec §4.5: "accumulated >= 0.1s").
const speakerWindowMinDuration = 100 * time.Millisecond

// taskState is mutable state threaded through one per-stream task's
// lifetime; kept separate from Consumer since many tasks run concurrently.
type taskState struct {
	clientID  string
	sessionID string // session_id == client_id for streaming (spec §9 GLOSSARY)
	sampleRate int

	speakerWindow []byte // raw PCM accumulated for the non-diarizing speaker-ID fallback

	// Accumulated across every final result seen this session (spec §4.5
	// step 5: the whole streaming run becomes one TranscriptVersion, not
	// one per final). Flushed once in finalizeConversation.
	haveFinal     bool
	finalTexts    []string
	finalWords    []stt.WordDetail
	finalSegments []stt.Segment
}

// runTask drives one client's stream end to end: steps 1-5 of spec §4.5.
func (c *Consumer) runTask(ctx context.Context, clientID string) error {
	state := &taskState{clientID: clientID, sessionID: clientID, sampleRate: defaultSampleRate}

	info, err := audiosession.NewSession(c.rdb).Get(ctx, state.sessionID)
	if err == nil && info.AudioFormat.SampleRate > 0 {
		state.sampleRate = info.AudioFormat.SampleRate
	}

	stream := streamKey(clientID)
	if err := c.rdb.XGroupCreateMkStream(ctx, stream, groupName, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("streamingasr: create consumer group: %w", err)
	}

	sess, err := c.def.Stream.OpenSession(ctx, stt.StreamConfig{
		SessionID:  state.sessionID,
		SampleRate: state.sampleRate,
		Diarize:    c.def.Capabilities.Diarization,
	})
	if err != nil {
		if serr := audiosession.NewSession(c.rdb).SetTranscriptionError(ctx, state.sessionID, err.Error()); serr != nil {
			slog.Warn("streamingasr: record transcription error failed", "session_id", state.sessionID, "error", serr)
		}
		_ = audiosession.SetTranscriptionComplete(ctx, c.rdb, state.sessionID, false)
		return fmt.Errorf("streamingasr: open provider session: %w", err)
	}

	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		for result := range sess.Events() {
			c.handleResult(ctx, state, result)
		}
	}()

	endMarkerSeen := false
	consecutiveEmpty := 0

readLoop:
	for {
		select {
		case <-ctx.Done():
			break readLoop
		default:
		}

		entries, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: c.consumer,
			Streams:  []string{stream, ">"},
			Count:    20,
			Block:    1 * time.Second,
		}).Result()
		if err != nil && err != redis.Nil {
			slog.Warn("streamingasr: xreadgroup failed", "client_id", clientID, "error", err)
			continue
		}

		got := 0
		for _, s := range entries {
			for _, msg := range s.Messages {
				got++
				if _, ok := msg.Values["end_marker"]; ok {
					endMarkerSeen = true
				} else if pcm, sampleRate, ok := decodeAudio(msg.Values); ok {
					if err := sess.SendAudio(ctx, pcm); err != nil {
						slog.Warn("streamingasr: send audio failed", "client_id", clientID, "error", err)
					}
					c.accumulateSpeakerWindow(state, pcm, sampleRate)
				}
				if err := c.rdb.XAck(ctx, stream, groupName, msg.ID).Err(); err != nil {
					slog.Warn("streamingasr: xack failed", "client_id", clientID, "id", msg.ID, "error", err)
				}
			}
		}
		if got == 0 {
			consecutiveEmpty++
		} else {
			consecutiveEmpty = 0
		}

		if endMarkerSeen || consecutiveEmpty >= idleReadsBeforeInactive {
			break
		}
	}

	closeErr := sess.Close()
	<-resultsDone

	// spec §4.5 step 5: only once the session has actually ended (end
	// marker drained, or judged inactive) does the accumulated transcript
	// become a version and the post-conversation job DAG start.
	c.finalizeConversation(ctx, state)

	return audiosession.SetTranscriptionComplete(ctx, c.rdb, state.sessionID, closeErr == nil)
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// decodeAudio pulls the audio payload and sample rate back out of a stream
// entry's values and resamples/channel-converts it to the STT provider's
// expected 16 kHz mono format.
func decodeAudio(values map[string]any) (pcm []byte, sampleRate int, ok bool) {
	raw, exists := values["audio_data"]
	if !exists {
		return nil, 0, false
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, 0, false
	}
	sampleRate = defaultSampleRate
	if sr, ok := values["sample_rate"]; ok {
		if s, ok := sr.(string); ok {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				sampleRate = n
			}
		}
	}
	converted := audiocodec.ConvertPCM(data, audiocodec.Format{SampleRate: sampleRate, Channels: 1}, audiocodec.WearableFormat)
	if converted == nil {
		return nil, 0, false
	}
	return converted, audiocodec.WearableFormat.SampleRate, true
}

func (c *Consumer) accumulateSpeakerWindow(state *taskState, pcm []byte, sampleRate int) {
	if c.def.Capabilities.Diarization {
		return // native diarization supersedes the windowed fallback
	}
	state.speakerWindow = append(state.speakerWindow, pcm...)
}

// windowDuration returns how much audio (at the wearable sample rate) has
// accumulated in state.speakerWindow.
func windowDuration(pcmLen int) time.Duration {
	samples := pcmLen / 2
	return time.Duration(samples) * time.Second / time.Duration(audiocodec.WearableFormat.SampleRate)
}

// handleResult classifies and processes one normalised provider result
// (spec §4.5 step 4).
func (c *Consumer) handleResult(ctx context.Context, state *taskState, result stt.Result) {
	segments := c.resolveSegments(ctx, state, result)

	payload := map[string]any{
		"text":       result.Text,
		"is_final":   result.IsFinal,
		"words":      result.Words,
		"segments":   segments,
		"confidence": result.Confidence,
		"timestamp":  result.Timestamp,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("streamingasr: marshal interim payload failed", "session_id", state.sessionID, "error", err)
		return
	}
	if err := c.rdb.Publish(ctx, fmt.Sprintf("transcription:interim:%s", state.sessionID), raw).Err(); err != nil {
		slog.Warn("streamingasr: publish interim failed", "session_id", state.sessionID, "error", err)
	}

	if !result.IsFinal {
		return
	}
	c.handleFinal(ctx, state, result, segments)
}

// resolveSegments groups words into contiguous-speaker segments if the
// provider reports native diarization per-word, passes through
// provider-reported segments otherwise, or falls back to windowed
// speaker-ID (spec §4.5).
func (c *Consumer) resolveSegments(ctx context.Context, state *taskState, result stt.Result) []stt.Segment {
	if len(result.Segments) > 0 {
		return result.Segments
	}
	if c.def.Capabilities.Diarization && hasSpeakerLabels(result.Words) {
		return groupSegmentsByContiguousSpeaker(result.Words)
	}
	if !result.IsFinal {
		return wordsAsUnlabeledSegment(result.Words)
	}
	return c.identifyWindowedSpeaker(ctx, state, result.Words)
}

func hasSpeakerLabels(words []stt.WordDetail) bool {
	for _, w := range words {
		if w.Speaker != "" {
			return true
		}
	}
	return false
}

func wordsAsUnlabeledSegment(words []stt.WordDetail) []stt.Segment {
	if len(words) == 0 {
		return nil
	}
	var text strings.Builder
	for i, w := range words {
		if i > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(w.Word)
	}
	return []stt.Segment{{
		Start: words[0].Start,
		End:   words[len(words)-1].End,
		Text:  text.String(),
		Words: words,
	}}
}

// identifyWindowedSpeaker posts the accumulated raw-audio window to the
// speaker-recognition service to identify a single speaker for this final
// result, when enough audio has accumulated; the window is cleared after
// every attempt regardless of outcome (spec §4.5).
func (c *Consumer) identifyWindowedSpeaker(ctx context.Context, state *taskState, words []stt.WordDetail) []stt.Segment {
	segs := wordsAsUnlabeledSegment(words)
	if c.speaker == nil || windowDuration(len(state.speakerWindow)) < speakerWindowMinDuration {
		state.speakerWindow = nil
		return segs
	}

	wav := audiocodec.WriteWAV(state.speakerWindow, audiocodec.WearableFormat)
	duration := windowDuration(len(state.speakerWindow))
	state.speakerWindow = nil

	result, err := c.speaker.DiarizeIdentify(ctx, wav, fmt.Sprintf("%s.wav", state.sessionID), duration)
	if err != nil {
		slog.Warn("streamingasr: windowed speaker identification failed", "session_id", state.sessionID, "error", err)
		return segs
	}
	if len(result.Speakers) == 0 {
		return segs
	}
	name := result.Speakers[0].Name
	if name == "" {
		name = result.Speakers[0].Label
	}
	for i := range segs {
		segs[i].Speaker = name
	}
	return segs
}

// groupSegmentsByContiguousSpeaker groups a provider's per-word diarization
// labels into runs of the same non-null speaker.
func groupSegmentsByContiguousSpeaker(words []stt.WordDetail) []stt.Segment {
	var segments []stt.Segment
	for _, w := range words {
		if len(segments) == 0 || segments[len(segments)-1].Speaker != w.Speaker {
			segments = append(segments, stt.Segment{Start: w.Start, Speaker: w.Speaker})
		}
		seg := &segments[len(segments)-1]
		seg.End = w.End
		seg.Words = append(seg.Words, w)
		if seg.Text != "" {
			seg.Text += " "
		}
		seg.Text += w.Word
	}
	return segments
}

// handleFinal accumulates one final result into state for the eventual
// cumulative transcript version, appends it to
// transcription:results:{session_id}, and runs the plugin-gating predicate
// before dispatching transcript.streaming (spec §4.5 step 4, "on every
// final"). It never writes a transcript version or starts jobs itself —
// that only happens once, at true session end, in finalizeConversation
// (spec §4.5 step 5).
func (c *Consumer) handleFinal(ctx context.Context, state *taskState, result stt.Result, segments []stt.Segment) {
	state.haveFinal = true
	if result.Text != "" {
		state.finalTexts = append(state.finalTexts, result.Text)
	}
	state.finalWords = append(state.finalWords, result.Words...)
	state.finalSegments = append(state.finalSegments, segments...)

	conversationID, err := audiosession.CurrentConversation(ctx, c.rdb, state.sessionID)
	if err != nil {
		slog.Warn("streamingasr: read current conversation failed", "session_id", state.sessionID, "error", err)
	}

	resultPayload, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"text":            result.Text,
		"segments":        segments,
	})
	if err == nil {
		if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: fmt.Sprintf("transcription:results:%s", state.sessionID),
			Values: map[string]any{"result": resultPayload},
		}).Err(); err != nil {
			slog.Warn("streamingasr: append transcription result failed", "session_id", state.sessionID, "error", err)
		}
	}

	userID, err := c.resolveUserID(ctx, state.clientID)
	if err != nil {
		slog.Warn("streamingasr: resolve user for client failed", "client_id", state.clientID, "error", err)
	}

	c.dispatchTranscriptEvent(ctx, state, result, segments, userID)
}

// finalizeConversation runs once per session, after the read loop has
// ended (end marker drained, or the session judged inactive): it writes the
// accumulated finals as a single TranscriptVersion, activates it, and
// starts the post-conversation job DAG (spec §4.5 step 5). A session that
// never produced a final result (e.g. silence throughout) has nothing to
// finalize.
func (c *Consumer) finalizeConversation(ctx context.Context, state *taskState) {
	if !state.haveFinal {
		return
	}

	conversationID, err := audiosession.CurrentConversation(ctx, c.rdb, state.sessionID)
	if err != nil {
		slog.Warn("streamingasr: read current conversation failed", "session_id", state.sessionID, "error", err)
		return
	}
	if conversationID == "" {
		slog.Warn("streamingasr: session ended with no open conversation, dropping transcript", "session_id", state.sessionID)
		return
	}

	version := conversation.TranscriptVersion{
		VersionID:      uuid.NewString(),
		TranscriptText: strings.Join(state.finalTexts, " "),
		Words:          toStorageWords(state.finalWords),
		Segments:       toStorageSegments(state.finalSegments),
		Provider:       "streaming",
		CreatedAt:      time.Now(),
	}
	if err := c.store.AppendTranscriptVersion(ctx, conversationID, version); err != nil {
		slog.Warn("streamingasr: append transcript version failed", "conversation_id", conversationID, "error", err)
		return
	}
	if err := c.store.SetActiveTranscriptVersion(ctx, conversationID, version.VersionID); err != nil {
		slog.Warn("streamingasr: set active transcript version failed", "conversation_id", conversationID, "error", err)
	}

	userID, err := c.resolveUserID(ctx, state.clientID)
	if err != nil {
		slog.Warn("streamingasr: resolve user for client failed", "client_id", state.clientID, "error", err)
	}

	if _, err := c.orch.StartPostConversationJobs(ctx, conversationID, userID, pipeline.PostConversationOptions{
		TranscriptVersionID: version.VersionID,
		ClientID:            state.clientID,
	}); err != nil {
		slog.Warn("streamingasr: start post-conversation jobs failed", "conversation_id", conversationID, "error", err)
	}
}

func (c *Consumer) resolveUserID(ctx context.Context, clientID string) (string, error) {
	if c.users == nil {
		return "", nil
	}
	return c.users.UserForClient(ctx, clientID)
}

// dispatchTranscriptEvent applies the primary-speaker gating predicate and,
// if it passes, dispatches transcript.streaming through the plugin router.
// userID is resolved once by the caller (handleFinal) and reused here.
func (c *Consumer) dispatchTranscriptEvent(ctx context.Context, state *taskState, result stt.Result, segments []stt.Segment, userID string) {
	if c.router == nil {
		return
	}

	identifiedSpeaker := primarySpeakerCandidate(segments)
	if userID != "" && identifiedSpeaker != "" {
		allowed, err := c.gateBySpeaker(ctx, userID, identifiedSpeaker)
		if err != nil {
			slog.Warn("streamingasr: speaker gating lookup failed", "user_id", userID, "error", err)
		} else if !allowed {
			return
		}
	}

	c.router.Dispatch(ctx, chronicleplugin.EventTranscriptStreaming, userID, map[string]any{
		"transcript": result.Text,
		"segments":   segments,
	}, nil)
}

// primarySpeakerCandidate returns the first non-empty speaker label across
// segments, or "" if none was identified.
func primarySpeakerCandidate(segments []stt.Segment) string {
	for _, s := range segments {
		if s.Speaker != "" {
			return s.Speaker
		}
	}
	return ""
}

func toStorageWords(words []stt.WordDetail) []conversation.WordDetail {
	out := make([]conversation.WordDetail, len(words))
	for i, w := range words {
		out[i] = conversation.WordDetail{
			Word:       w.Word,
			Start:      w.Start.Seconds(),
			End:        w.End.Seconds(),
			Confidence: w.Confidence,
			Speaker:    w.Speaker,
		}
	}
	return out
}

func toStorageSegments(segments []stt.Segment) []conversation.Segment {
	out := make([]conversation.Segment, len(segments))
	for i, s := range segments {
		out[i] = conversation.Segment{
			Start:   s.Start.Seconds(),
			End:     s.End.Seconds(),
			Text:    s.Text,
			Speaker: s.Speaker,
			Words:   toStorageWords(s.Words),
		}
	}
	return out
}
