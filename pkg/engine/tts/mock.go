package tts

import (
	"sync"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// Mock is a test double for Engine.
type Mock struct {
	mu sync.Mutex

	loaded *engine.LoadedSet[string]

	// SynthesizeResult is returned by every successful Synthesize call.
	SynthesizeResult model.AudioData

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// Texts records every text passed to Synthesize.
	Texts []string

	// VoicesResult is returned by Voices.
	VoicesResult []VoiceInfo
}

// NewMock constructs an empty Mock engine.
func NewMock() *Mock {
	return &Mock{loaded: engine.NewLoadedSet[string]()}
}

func (m *Mock) Load(path string) (engine.Handle, error) {
	h := engine.NextHandle()
	m.loaded.Put(h, path)
	return h, nil
}

func (m *Mock) Unload(handle engine.Handle) error {
	m.loaded.Delete(handle)
	return nil
}

func (m *Mock) IsLoaded(handle engine.Handle) bool {
	return m.loaded.Contains(handle)
}

func (m *Mock) Synthesize(handle engine.Handle, text string, cfg Config, cancel *clock.CancelToken) (model.AudioData, error) {
	if !m.loaded.Contains(handle) {
		return model.AudioData{}, notLoadedError(handle)
	}
	if text == "" {
		return model.AudioData{}, model.ErrEmptyInput
	}
	if err := validateConfig(cfg); err != nil {
		return model.AudioData{}, err
	}
	if cancel != nil && cancel.IsCancelled() {
		return model.AudioData{}, model.ErrCancelled
	}
	m.mu.Lock()
	m.Texts = append(m.Texts, text)
	m.mu.Unlock()
	if m.SynthesizeErr != nil {
		return model.AudioData{}, m.SynthesizeErr
	}
	return m.SynthesizeResult, nil
}

func (m *Mock) Voices(handle engine.Handle) ([]VoiceInfo, error) {
	if !m.loaded.Contains(handle) {
		return nil, notLoadedError(handle)
	}
	return m.VoicesResult, nil
}

var _ Engine = (*Mock)(nil)
