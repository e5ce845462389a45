package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. Streaming and
// batch transcription are registered separately because a provider may
// implement only one of the two; the gateway downgrades wearable sessions to
// batch mode when no streaming factory exists. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	streaming map[string]func(ProviderEntry) (stt.StreamingProvider, error)
	batch     map[string]func(ProviderEntry) (stt.BatchProvider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		streaming: make(map[string]func(ProviderEntry) (stt.StreamingProvider, error)),
		batch:     make(map[string]func(ProviderEntry) (stt.BatchProvider, error)),
	}
}

// RegisterSTT registers a streaming STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.StreamingProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaming[name] = factory
}

// RegisterBatchSTT registers a batch STT provider factory under name.
func (r *Registry) RegisterBatchSTT(name string, factory func(ProviderEntry) (stt.BatchProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batch[name] = factory
}

// CreateSTT instantiates a streaming provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.StreamingProvider, error) {
	r.mu.RLock()
	factory, ok := r.streaming[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateBatchSTT instantiates a batch provider using the factory registered
// under entry.Name.
func (r *Registry) CreateBatchSTT(entry ProviderEntry) (stt.BatchProvider, error) {
	r.mu.RLock()
	factory, ok := r.batch[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: batch-stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
