package main

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/chronicle-systems/chronicle/internal/config"
	"github.com/chronicle-systems/chronicle/pkg/provider/llm"
	"github.com/chronicle-systems/chronicle/pkg/provider/llm/anyllm"
	"github.com/chronicle-systems/chronicle/pkg/provider/speaker"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt/whisper"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt/wsstream"
)

// anyLLMProviderNames are the any-llm-go-backed provider names ValidProviderNames
// lists for the llm kind. A single factory covers all of them, since
// any-llm-go dispatches on providerName itself.
var anyLLMProviderNames = map[string]bool{
	"openai": true, "anthropic": true, "gemini": true,
	"ollama": true, "deepseek": true, "mistral": true, "groq": true,
}

// newProviderRegistry builds a [config.Registry] with every llm and speaker
// factory Chronicle ships wired in. STT is resolved separately into an
// [stt.Registry] by buildSTTDefinition, since its Batch-vs-Stream split
// doesn't fit the Registry's bare-constructor shape (see registry.go's doc
// comment).
func newProviderRegistry() *config.Registry {
	reg := config.NewRegistry()

	for name := range anyLLMProviderNames {
		name := name
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			opts := anyLLMOptions(entry)
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterSpeaker("speaker-service", func(entry config.ProviderEntry) (*speaker.Client, error) {
		if entry.BaseURL == "" {
			return nil, fmt.Errorf("providers.speaker.base_url is required for speaker-service")
		}
		var opts []speaker.Option
		if entry.APIKey != "" {
			opts = append(opts, speaker.WithAPIKey(entry.APIKey))
		}
		return speaker.New(entry.BaseURL, opts...), nil
	})

	return reg
}

func anyLLMOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// buildSTTDefinition resolves cfg.Providers.STT into a registered
// stt.Definition. Options["kind"] == "stream" selects a config-driven
// wsstream.Provider (spec §6, §9); anything else (including the empty
// default) builds a local whisper.cpp batch provider from Options["model_path"].
func buildSTTDefinition(cfg config.ProviderEntry) (stt.Definition, error) {
	if cfg.Name == "" {
		return stt.Definition{}, nil
	}

	if optString(cfg.Options, "kind") == "stream" {
		wscfg := wsstream.Config{
			URLTemplate:  cfg.BaseURL,
			StartMessage: optString(cfg.Options, "start_message"),
			ChunkHeader:  optString(cfg.Options, "chunk_header"),
			EndMessage:   optString(cfg.Options, "end_message"),
			InterimType:  optString(cfg.Options, "interim_type"),
			FinalType:    optString(cfg.Options, "final_type"),
			TextPath:     stt.Extractor(optString(cfg.Options, "text_path")),
			WordsPath:    stt.Extractor(optString(cfg.Options, "words_path")),
			SegmentsPath: stt.Extractor(optString(cfg.Options, "segments_path")),
			Capabilities: stt.Capabilities{Diarization: optBool(cfg.Options, "diarization")},
		}
		provider := wsstream.New(cfg.Name, wscfg)
		return stt.Definition{
			Name:         cfg.Name,
			Kind:         stt.KindStream,
			Capabilities: wscfg.Capabilities,
			Stream:       provider,
			TextPath:     wscfg.TextPath,
			WordsPath:    wscfg.WordsPath,
			SpeakerPath:  stt.Extractor(optString(cfg.Options, "speaker_path")),
		}, nil
	}

	modelPath := optString(cfg.Options, "model_path")
	if modelPath == "" {
		modelPath = cfg.Model
	}
	provider, err := whisper.New(modelPath, whisper.WithLanguage(optStringOr(cfg.Options, "language", "en")))
	if err != nil {
		return stt.Definition{}, fmt.Errorf("build whisper provider: %w", err)
	}
	return stt.Definition{
		Name:         cfg.Name,
		Kind:         stt.KindBatch,
		Capabilities: stt.Capabilities{Diarization: false},
		Batch:        provider,
	}, nil
}

func optString(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}

func optStringOr(opts map[string]any, key, fallback string) string {
	if v := optString(opts, key); v != "" {
		return v
	}
	return fallback
}

func optBool(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}
