package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/llm"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// ErrProviderNotRegistered means no factory answers to the entry's name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type P from its configuration entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is one named set of constructors. The zero value is not usable;
// callers go through [Registry], which owns the lock.
type factories[P any] struct {
	kind string
	byID map[string]Factory[P]
}

func newFactories[P any](kind string) factories[P] {
	return factories[P]{kind: kind, byID: make(map[string]Factory[P])}
}

func (f factories[P]) create(entry ProviderEntry, build Factory[P]) (P, error) {
	if build == nil {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := build(entry)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("config: create %s %q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

func (f factories[P]) names() []string {
	return slices.Sorted(maps.Keys(f.byID))
}

// Registry resolves [ProviderEntry.Name] to a constructor, one namespace per
// provider kind. Registering a name twice replaces the earlier factory. It is
// safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[llm.Provider]("llm"),
		stt: newFactories[stt.Provider]("stt"),
	}
}

// RegisterLLM makes name available to [Registry.CreateLLM].
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.byID[name] = factory
	r.mu.Unlock()
}

// RegisterSTT makes name available to [Registry.CreateSTT].
func (r *Registry) RegisterSTT(name string, factory Factory[stt.Provider]) {
	r.mu.Lock()
	r.stt.byID[name] = factory
	r.mu.Unlock()
}

// CreateLLM builds the answer or summary model described by entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	build := r.llm.byID[entry.Name]
	r.mu.RUnlock()
	return r.llm.create(entry, build)
}

// CreateSTT builds the transcription backend described by entry.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	build := r.stt.byID[entry.Name]
	r.mu.RUnlock()
	return r.stt.create(entry, build)
}

// LLMNames lists the registered LLM names in sorted order.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.names()
}

// STTNames lists the registered STT names in sorted order.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.names()
}
