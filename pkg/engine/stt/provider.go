// Package stt implements the STT variant of the engine facade:
// load/unload of a speech-to-text backend plus transcribe and
// detect_voice_activity. The native backend is grounded on a whisper.cpp
// CGO binding, generalized from its session/streaming shape onto a
// single-shot load(path) -> handle / transcribe(handle, audio, cfg)
// contract.
package stt

import (
	"fmt"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
	"github.com/Akshay-at-360/onplay/pkg/vad"
)

// Config controls a single transcription call.
type Config struct {
	// Language is a BCP-47 tag. Native uses "en" when it is empty; no
	// language auto-detection is requested.
	Language string
}

// WordDetail carries per-word timing from a transcript's word-alignment
// output.
type WordDetail struct {
	Word       string
	StartS     float64
	EndS       float64
	Confidence float64
}

// Transcription is the result of a transcribe call.
type Transcription struct {
	Text       string
	Segments   []WordDetail
	Language   string
	Confidence float64
}

// Engine is the STT variant of [engine.Facade].
type Engine interface {
	engine.Facade

	// Transcribe runs the full audio buffer through the loaded model and
	// returns the recognized text plus segment detail.
	Transcribe(handle engine.Handle, audio model.AudioData, cfg Config, cancel *clock.CancelToken) (Transcription, error)

	// DetectVoiceActivity segments audio into voiced intervals. Native
	// runs the built-in energy segmenter ([vad.DetectSegments]); no VAD
	// bundled with the loaded model is consulted.
	// threshold must lie in [0,1], else InvalidParameterValue; empty
	// audio fails EmptyInput.
	DetectVoiceActivity(handle engine.Handle, audio model.AudioData, threshold float64) ([]vad.Segment, error)
}

func notLoadedError(handle engine.Handle) error {
	return model.Wrap(model.KindInvalidInput, model.CodeModelHandle,
		fmt.Sprintf("model handle %d is not loaded", handle), nil)
}
