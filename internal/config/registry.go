package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chronicle-systems/chronicle/pkg/provider/llm"
	"github.com/chronicle-systems/chronicle/pkg/provider/speaker"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for the LLM
// and speaker-recognition provider kinds. It is safe for concurrent use.
//
// STT providers are not wired through this registry: a [pkg/provider/stt.Registry]
// holds concrete [pkg/provider/stt.Definition] values (which bundle a batch or
// streaming implementation with its field extractors) rather than a bare
// constructor, so cmd/chronicle-worker builds that registry directly from
// [ProvidersConfig.STT] instead of routing it through a factory map here.
type Registry struct {
	mu      sync.RWMutex
	llm     map[string]func(ProviderEntry) (llm.Provider, error)
	speaker map[string]func(ProviderEntry) (*speaker.Client, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:     make(map[string]func(ProviderEntry) (llm.Provider, error)),
		speaker: make(map[string]func(ProviderEntry) (*speaker.Client, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSpeaker registers a speaker-recognition client factory under name.
func (r *Registry) RegisterSpeaker(name string, factory func(ProviderEntry) (*speaker.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaker[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSpeaker instantiates a speaker-recognition client using the factory
// registered under entry.Name.
func (r *Registry) CreateSpeaker(entry ProviderEntry) (*speaker.Client, error) {
	r.mu.RLock()
	factory, ok := r.speaker[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speaker/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
