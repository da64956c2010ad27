package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"whisper", "whisper-native"},
	"speaker": {"speaker-service"},
	"llm":     {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("speaker", cfg.Providers.Speaker.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; transcribe_full_audio jobs will fail")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; memory_extraction and title_summary jobs will fail")
	}
	if cfg.Features.SpeakerRecognitionEnabled && cfg.Providers.Speaker.Name == "" {
		errs = append(errs, errors.New("features.speaker_recognition_enabled is true but providers.speaker.name is not configured"))
	}

	// Redis / Postgres availability
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}

	// Plugin duplicate name detection and condition validation
	pluginNamesSeen := make(map[string]int, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		prefix := fmt.Sprintf("plugins[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := pluginNamesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of plugins[%d]", prefix, p.Name, prev))
			}
			pluginNamesSeen[p.Name] = i
		}
		if p.Condition != "" && !p.Condition.IsValid() {
			errs = append(errs, fmt.Errorf("%s.condition %q is invalid; valid values: always, wake_word, regex", prefix, p.Condition))
		}
		if p.Condition == ConditionWakeWord && p.WakeWord == "" {
			errs = append(errs, fmt.Errorf("%s.wake_word is required when condition is wake_word", prefix))
		}
		if p.Condition == ConditionRegex {
			if p.Pattern == "" {
				errs = append(errs, fmt.Errorf("%s.pattern is required when condition is regex", prefix))
			} else if _, err := regexp.Compile(p.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("%s.pattern %q does not compile: %w", prefix, p.Pattern, err))
			}
		}
	}

	// Worker duplicate name detection
	workerNamesSeen := make(map[string]int, len(cfg.Workers))
	for i, w := range cfg.Workers {
		prefix := fmt.Sprintf("workers[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := workerNamesSeen[w.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of workers[%d]", prefix, w.Name, prev))
			}
			workerNamesSeen[w.Name] = i
		}
		if w.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
