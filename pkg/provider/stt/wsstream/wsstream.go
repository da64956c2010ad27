// Package wsstream implements stt.StreamProvider as a configuration-driven
// WebSocket client: the URL, the start-of-stream handshake message, the
// per-chunk header, and the field extractors that classify and decode
// provider responses all come from a [Config] rather than being hardcoded
// per vendor, so onboarding a new streaming STT backend is a configuration
// change rather than a new Go package (spec §6, §9 DESIGN NOTES).
//
// The connection handling — dial, a dedicated reader goroutine, a
// select-driven write loop — follows the teacher's ElevenLabs streaming TTS
// client (pkg/provider/tts/elevenlabs).
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
)

// defaultEndMessage is sent to terminate the stream when Config.EndMessage
// is empty, matching spec §6's default.
const defaultEndMessage = `{"type":"stop"}`

// recvTimeout bounds how long the reader goroutine's final drain waits for
// trailing provider messages after Close, per spec §5 ("1.5-2s recv
// timeout to drain terminal messages").
const recvTimeout = 2 * time.Second

// Config describes one WebSocket streaming STT backend.
type Config struct {
	// URLTemplate is the WebSocket URL. "{session_id}",
	// "{config.sample_rate}" and "{config.diarize}" are substituted from the
	// session's [stt.StreamConfig].
	URLTemplate string

	// StartMessage, if non-empty, is a JSON template sent as the first text
	// frame after dialing. The same substitutions as URLTemplate apply.
	StartMessage string

	// ChunkHeader, if non-empty, is a JSON template sent as a text frame
	// immediately before each binary audio frame.
	ChunkHeader string

	// EndMessage is sent as the final text frame before closing the
	// connection. Defaults to {"type":"stop"} (spec §6).
	EndMessage string

	// InterimType and FinalType are the values of the decoded message's
	// "type" field that classify it as an interim or final result.
	InterimType string
	FinalType   string

	// TextPath, WordsPath and SegmentsPath locate the transcript text, the
	// word list and (if the provider reports them directly) the speaker
	// segments within a decoded response body.
	TextPath     stt.Extractor
	WordsPath    stt.Extractor
	SegmentsPath stt.Extractor

	Capabilities stt.Capabilities
}

// Provider is an stt.StreamProvider backed by Config.
type Provider struct {
	name string
	cfg  Config
}

// New returns a Provider identified by name (used only in error messages)
// configured per cfg.
func New(name string, cfg Config) *Provider {
	if cfg.EndMessage == "" {
		cfg.EndMessage = defaultEndMessage
	}
	return &Provider{name: name, cfg: cfg}
}

// Capabilities reports the provider's static diarization support.
func (p *Provider) Capabilities() stt.Capabilities { return p.cfg.Capabilities }

func (p *Provider) substitute(tmpl string, scfg stt.StreamConfig) string {
	r := strings.NewReplacer(
		"{session_id}", scfg.SessionID,
		"{config.sample_rate}", strconv.Itoa(scfg.SampleRate),
		"{config.diarize}", strconv.FormatBool(scfg.Diarize),
	)
	return r.Replace(tmpl)
}

// OpenSession dials the provider's WebSocket endpoint and, if configured,
// sends the start-of-stream handshake message.
func (p *Provider) OpenSession(ctx context.Context, scfg stt.StreamConfig) (stt.StreamSession, error) {
	url := p.substitute(p.cfg.URLTemplate, scfg)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsstream[%s]: dial: %w", p.name, err)
	}

	if p.cfg.StartMessage != "" {
		msg := p.substitute(p.cfg.StartMessage, scfg)
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			conn.Close(websocket.StatusInternalError, "start message failed")
			return nil, fmt.Errorf("wsstream[%s]: send start message: %w", p.name, err)
		}
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		provider: p,
		conn:     conn,
		cfg:      scfg,
		events:   make(chan stt.Result, 64),
		ctx:      sessCtx,
		cancel:   cancel,
	}
	go s.readLoop()
	return s, nil
}

// session is one open streaming transcription session.
type session struct {
	provider *Provider
	conn     *websocket.Conn
	cfg      stt.StreamConfig

	events chan stt.Result
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// SendAudio forwards chunk as a binary WebSocket frame, preceded by the
// configured per-chunk header (if any).
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if hdr := s.provider.cfg.ChunkHeader; hdr != "" {
		msg := s.provider.substitute(hdr, s.cfg)
		if err := s.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return fmt.Errorf("wsstream[%s]: send chunk header: %w", s.provider.name, err)
		}
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("wsstream[%s]: send audio: %w", s.provider.name, err)
	}
	return nil
}

// Events returns the channel normalised interim/final results are delivered
// on. Closed once the connection's reader loop exits.
func (s *session) Events() <-chan stt.Result { return s.events }

func (s *session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		result, ok := s.decode(data)
		if !ok {
			continue
		}
		select {
		case s.events <- result:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) decode(data []byte) (stt.Result, bool) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return stt.Result{}, false
	}

	msgType, _ := stt.Extractor("type").String(doc)
	cfg := s.provider.cfg
	isFinal := cfg.FinalType != "" && msgType == cfg.FinalType
	isInterim := cfg.InterimType != "" && msgType == cfg.InterimType
	if !isFinal && !isInterim {
		return stt.Result{}, false
	}

	text, _ := cfg.TextPath.String(doc)
	words := decodeWords(cfg.WordsPath, doc)
	segments := decodeSegments(cfg.SegmentsPath, doc)

	return stt.Result{
		Text:      text,
		IsFinal:   isFinal,
		Words:     words,
		Segments:  segments,
		Timestamp: time.Now(),
	}, true
}

// decodeWords extracts a list of words, canonicalizing the start_time/
// end_time field names some providers use to start/end (spec §4.5 "Some
// providers emit start_time/end_time; the consumer canonicalizes...").
func decodeWords(path stt.Extractor, doc any) []stt.WordDetail {
	raw, ok := path.Get(doc)
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	words := make([]stt.WordDetail, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		words = append(words, stt.WordDetail{
			Word:       stringField(m, "word", "text"),
			Start:      durationField(m, "start", "start_time"),
			End:        durationField(m, "end", "end_time"),
			Confidence: floatField(m, "confidence"),
			Speaker:    stringField(m, "speaker", "speaker_label"),
		})
	}
	return words
}

// decodeSegments extracts provider-reported diarization segments when
// present; otherwise pkg/streamingasr groups words into segments itself.
func decodeSegments(path stt.Extractor, doc any) []stt.Segment {
	if path == "" {
		return nil
	}
	raw, ok := path.Get(doc)
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	segs := make([]stt.Segment, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		segs = append(segs, stt.Segment{
			Start:   durationField(m, "start", "start_time"),
			End:     durationField(m, "end", "end_time"),
			Text:    stringField(m, "text", "transcript"),
			Speaker: stringField(m, "speaker", "speaker_label"),
		})
	}
	return segs
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			return v
		}
	}
	return ""
}

func floatField(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

// durationField reads a numeric seconds value under the first matching key
// and converts it to a time.Duration.
func durationField(m map[string]any, keys ...string) time.Duration {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			return time.Duration(v * float64(time.Second))
		}
	}
	return 0
}

// Close sends the configured end message and tears down the connection.
// Safe to call more than once.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), recvTimeout)
		defer cancel()
		_ = s.conn.Write(writeCtx, websocket.MessageText, []byte(s.provider.cfg.EndMessage))
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "done")
	})
	return err
}
