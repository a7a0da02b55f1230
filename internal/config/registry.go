package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one provider kind's name → factory table.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (f factories[T]) create(entry ProviderEntry) (T, error) {
	factory, ok := f.m[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

func (f factories[T]) names() []string {
	out := make([]string, 0, len(f.m))
	for n := range f.m {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	stt        factories[stt.Provider]
	transcribe factories[transcribe.Transcriber]
	capture    factories[capture.Backend]
	vad        factories[vad.Engine]
	audio      factories[audio.Platform]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:        newFactories[stt.Provider]("stt"),
		transcribe: newFactories[transcribe.Transcriber]("transcribe"),
		capture:    newFactories[capture.Backend]("capture"),
		vad:        newFactories[vad.Engine]("vad"),
		audio:      newFactories[audio.Platform]("audio"),
	}
}

// RegisterSTT registers a continuous recognition engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = f
}

// RegisterTranscriber registers a batch transcription backend factory.
func (r *Registry) RegisterTranscriber(name string, f Factory[transcribe.Transcriber]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribe.m[name] = f
}

// RegisterCapture registers a microphone backend factory.
func (r *Registry) RegisterCapture(name string, f Factory[capture.Backend]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture.m[name] = f
}

// RegisterVAD registers a VAD engine factory.
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad.m[name] = f
}

// RegisterAudio registers a remote audio platform factory.
func (r *Registry) RegisterAudio(name string, f Factory[audio.Platform]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio.m[name] = f
}

// CreateSTT instantiates the recognition engine named by entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry)
}

// CreateTranscriber instantiates the transcription backend named by
// entry.Name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (transcribe.Transcriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transcribe.create(entry)
}

// CreateCapture instantiates the microphone backend named by entry.Name.
func (r *Registry) CreateCapture(entry ProviderEntry) (capture.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capture.create(entry)
}

// CreateVAD instantiates the VAD engine named by entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vad.create(entry)
}

// CreateAudio instantiates the audio platform named by entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.audio.create(entry)
}

// Names lists the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"stt":        r.stt.names(),
		"transcribe": r.transcribe.names(),
		"capture":    r.capture.names(),
		"vad":        r.vad.names(),
		"audio":      r.audio.names(),
	}
}
