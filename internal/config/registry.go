package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxprep/voxprep/pkg/audio"
	"github.com/voxprep/voxprep/pkg/provider/stt"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// Registry maps component names to their constructor functions, so the
// binary's main decides which attachments (portaudio device, websocket
// bridge, whisper variants) are compiled in and the app wiring stays
// data-driven. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	sources     map[AudioIO]func(AudioConfig) (audio.Source, error)
	sinks       map[AudioIO]func(AudioConfig) (audio.Sink, error)
	transcriber map[TranscriberMode]func(TranscriberConfig) (stt.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[AudioIO]func(AudioConfig) (audio.Source, error)),
		sinks:       make(map[AudioIO]func(AudioConfig) (audio.Sink, error)),
		transcriber: make(map[TranscriberMode]func(TranscriberConfig) (stt.Provider, error)),
	}
}

// RegisterSource registers a capture source factory under mode. Subsequent
// calls with the same mode overwrite the previous registration.
func (r *Registry) RegisterSource(mode AudioIO, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[mode] = factory
}

// RegisterSink registers a playback sink factory under mode.
func (r *Registry) RegisterSink(mode AudioIO, factory func(AudioConfig) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[mode] = factory
}

// RegisterTranscriber registers a live-transcriber factory under mode.
func (r *Registry) RegisterTranscriber(mode TranscriberMode, factory func(TranscriberConfig) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[mode] = factory
}

// CreateSource instantiates the capture source for cfg.Input.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Input]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, cfg.Input)
	}
	return factory(cfg)
}

// CreateSink instantiates the playback sink for cfg.Output.
func (r *Registry) CreateSink(cfg AudioConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[cfg.Output]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, cfg.Output)
	}
	return factory(cfg)
}

// CreateTranscriber instantiates the live transcriber for cfg.Mode.
// TranscriberOff yields (nil, nil): no local transcription.
func (r *Registry) CreateTranscriber(cfg TranscriberConfig) (stt.Provider, error) {
	if cfg.Mode == TranscriberOff {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.transcriber[cfg.Mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcriber/%q", ErrNotRegistered, cfg.Mode)
	}
	return factory(cfg)
}
