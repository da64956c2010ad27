package stt

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Kind distinguishes the two provider families a [Definition] can hold.
type Kind string

const (
	KindBatch  Kind = "batch"
	KindStream Kind = "stream"
)

// Extractor pulls a field out of a provider's raw JSON response body
// (already decoded into map[string]any) using a dotted path, e.g.
// "results.channels.0.alternatives.0.transcript". Numeric path segments
// index into arrays. Used by HTTP batch providers whose response shape is
// described in configuration rather than hardcoded per provider (spec §9).
type Extractor string

// Get walks doc along the dotted path and returns the leaf value. Returns
// false if any segment is missing or of the wrong shape.
func (e Extractor) Get(doc any) (any, bool) {
	cur := doc
	if e == "" {
		return cur, true
	}
	for _, part := range strings.Split(string(e), ".") {
		if idx, err := strconv.Atoi(part); err == nil {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String is a convenience wrapper over Get for string-typed leaves.
func (e Extractor) String(doc any) (string, bool) {
	v, ok := e.Get(doc)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Definition describes one registered provider: which factory produces it,
// its static capabilities, and — for batch HTTP providers whose response
// shape is not known at compile time — the extractors used to pull text,
// words, and speaker labels out of the decoded response body.
type Definition struct {
	Name         string
	Kind         Kind
	Capabilities Capabilities

	Batch  BatchProvider
	Stream StreamProvider

	TextPath    Extractor
	WordsPath   Extractor
	SpeakerPath Extractor
}

// Registry holds configured STT provider definitions by name. The streaming
// consumer (C4) and the transcribe_full_audio job (C5) both resolve their
// provider through a Registry rather than importing a concrete package,
// mirroring the provider-factory pattern the config layer already uses for
// LLM providers.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces the definition under def.Name.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("stt: no provider registered as %q", name)
	}
	return def, nil
}

// Batch resolves name to a [BatchProvider]. Returns an error if the
// provider is unknown or not a batch provider.
func (r *Registry) Batch(name string) (BatchProvider, error) {
	def, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if def.Kind != KindBatch || def.Batch == nil {
		return nil, fmt.Errorf("stt: provider %q is not a batch provider", name)
	}
	return def.Batch, nil
}

// Stream resolves name to a [StreamProvider]. Returns an error if the
// provider is unknown or not a streaming provider.
func (r *Registry) Stream(name string) (StreamProvider, error) {
	def, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if def.Kind != KindStream || def.Stream == nil {
		return nil, fmt.Errorf("stt: provider %q is not a streaming provider", name)
	}
	return def.Stream, nil
}

// Names returns every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}
