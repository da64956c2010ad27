// Package whisper implements stt.BatchProvider using the whisper.cpp CGO
// bindings. It is registered as a batch provider (stt.KindBatch) for the
// transcribe_full_audio job (C5): given a complete recording, it loads the
// model once at startup and runs one inference pass per call, sharing the
// loaded model across concurrent calls via a fresh whisper.cpp context per
// request.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider implements stt.BatchProvider.
var _ stt.BatchProvider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code passed to whisper.cpp for every
// transcription (e.g. "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider is a batch transcription provider backed by a whisper.cpp model
// loaded once and shared across calls. Each call to Transcribe creates its
// own whisper.cpp context, since contexts are not safe for concurrent use
// but models are.
type Provider struct {
	model    whisperlib.Model
	language string
}

// New loads the whisper.cpp model from modelPath. The caller must call
// Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe decodes pcm (signed 16-bit little-endian PCM, mono) and runs
// one whisper.cpp inference pass, concatenating every returned segment into
// a single [stt.Result]. sampleRate is accepted for interface symmetry with
// [stt.BatchProvider]; whisper.cpp itself expects 16kHz mono samples
// regardless, so callers are expected to resample before calling (see
// pkg/audiocodec).
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	samples := pcmToFloat32(pcm)

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: set language %q: %w", p.language, err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	var words []stt.WordDetail
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		words = append(words, stt.WordDetail{
			Word:  text,
			Start: segment.Start,
			End:   segment.End,
		})
	}

	return stt.Result{
		Text:    strings.Join(parts, " "),
		IsFinal: true,
		Words:   words,
	}, nil
}
