package stt

import (
	"sync"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
	"github.com/Akshay-at-360/onplay/pkg/vad"
)

// Mock is a test double for Engine. It records calls and returns
// pre-programmed responses.
type Mock struct {
	mu sync.Mutex

	loaded *engine.LoadedSet[string]

	// LoadErr, if non-nil, is returned by every Load call.
	LoadErr error

	// TranscribeResult is returned by every Transcribe call that does not
	// hit TranscribeErr.
	TranscribeResult Transcription
	TranscribeErr    error

	// TranscribeCalls records every Transcribe invocation's audio length.
	TranscribeCalls []int

	// Segments is returned by every DetectVoiceActivity call.
	Segments []vad.Segment
}

// NewMock constructs an empty Mock engine.
func NewMock() *Mock {
	return &Mock{loaded: engine.NewLoadedSet[string]()}
}

func (m *Mock) Load(path string) (engine.Handle, error) {
	if m.LoadErr != nil {
		return 0, m.LoadErr
	}
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

func (m *Mock) Transcribe(handle engine.Handle, audio model.AudioData, cfg Config, cancel *clock.CancelToken) (Transcription, error) {
	if !m.loaded.Contains(handle) {
		return Transcription{}, notLoadedError(handle)
	}
	if audio.Empty() {
		return Transcription{}, model.ErrEmptyInput
	}
	if cancel != nil && cancel.IsCancelled() {
		return Transcription{}, model.ErrCancelled
	}
	m.mu.Lock()
	m.TranscribeCalls = append(m.TranscribeCalls, len(audio.Samples))
	m.mu.Unlock()
	if m.TranscribeErr != nil {
		return Transcription{}, m.TranscribeErr
	}
	return m.TranscribeResult, nil
}

func (m *Mock) DetectVoiceActivity(handle engine.Handle, audio model.AudioData, threshold float64) ([]vad.Segment, error) {
	if !m.loaded.Contains(handle) {
		return nil, notLoadedError(handle)
	}
	if audio.Empty() {
		return nil, model.ErrEmptyInput
	}
	if threshold < 0 || threshold > 1 {
		return nil, model.NewError(model.KindInvalidInput, model.CodeParameterValue, "threshold out of range [0,1]")
	}
	return m.Segments, nil
}

var _ Engine = (*Mock)(nil)
