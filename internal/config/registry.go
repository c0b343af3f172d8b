package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/echolens/pkg/audio"
	"github.com/MrWong99/echolens/pkg/camera"
	"github.com/MrWong99/echolens/pkg/recognizer"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	audio       map[string]func(ProviderEntry) (audio.Source, error)
	recognizers map[string]func(ProviderEntry, audio.Source) (recognizer.Recognizer, error)
	cameras     map[string]func(ProviderEntry) (camera.Camera, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:       make(map[string]func(ProviderEntry) (audio.Source, error)),
		recognizers: make(map[string]func(ProviderEntry, audio.Source) (recognizer.Recognizer, error)),
		cameras:     make(map[string]func(ProviderEntry) (camera.Camera, error)),
	}
}

// RegisterAudio registers an audio source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterRecognizer registers a recognizer factory under name. The factory
// receives the audio source the recognizer should capture from.
func (r *Registry) RegisterRecognizer(name string, factory func(ProviderEntry, audio.Source) (recognizer.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterCamera registers a camera factory under name.
func (r *Registry) RegisterCamera(name string, factory func(ProviderEntry) (camera.Camera, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras[name] = factory
}

// CreateAudio instantiates an audio source using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.audio[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRecognizer instantiates a recognizer using the factory registered
// under entry.Name, capturing from source.
func (r *Registry) CreateRecognizer(entry ProviderEntry, source audio.Source) (recognizer.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, source)
}

// CreateCamera instantiates a camera using the factory registered under entry.Name.
func (r *Registry) CreateCamera(entry ProviderEntry) (camera.Camera, error) {
	r.mu.RLock()
	factory, ok := r.cameras[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: camera/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
