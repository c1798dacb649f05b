// Package tts implements the TTS variant of the engine facade:
// load/unload of a speech-synthesis backend plus synthesize and voices.
// Generalized from a streaming provider interface
// (SynthesizeStream/ListVoices/CloneVoice) onto a single-shot
// load(path) -> handle / synthesize(handle, text, cfg) contract.
package tts

import (
	"fmt"

	"github.com/Akshay-at-360/onplay/internal/clock"
	"github.com/Akshay-at-360/onplay/pkg/engine"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// VoiceInfo describes one synthesis voice available from a loaded model.
type VoiceInfo struct {
	ID       string
	Name     string
	Metadata map[string]string
}

// Config controls a single synthesis call.
type Config struct {
	VoiceID string

	// Speed is the speaking-rate multiplier, constrained to [0.5, 2.0].
	Speed float64

	// PitchSemitones is range-checked to [-12, +12]; Native and Mock do
	// not apply it to the synthesized audio.
	PitchSemitones float64
}

// Engine is the TTS variant of [engine.Facade].
type Engine interface {
	engine.Facade

	// Synthesize renders text to a complete PCM buffer using the loaded
	// voice model. cfg.Speed outside [0.5,2.0] or cfg.PitchSemitones
	// outside [-12,12] fails with InvalidParameterValue.
	Synthesize(handle engine.Handle, text string, cfg Config, cancel *clock.CancelToken) (model.AudioData, error)

	// Voices lists the voices available from the loaded model.
	Voices(handle engine.Handle) ([]VoiceInfo, error)
}

func notLoadedError(handle engine.Handle) error {
	return model.Wrap(model.KindInvalidInput, model.CodeModelHandle,
		fmt.Sprintf("model handle %d is not loaded", handle), nil)
}

func validateConfig(cfg Config) error {
	if cfg.Speed == 0 {
		cfg.Speed = 1.0
	}
	if cfg.Speed < 0.5 || cfg.Speed > 2.0 {
		return model.NewError(model.KindInvalidInput, model.CodeParameterValue,
			fmt.Sprintf("speed %g out of range [0.5,2.0]", cfg.Speed))
	}
	if cfg.PitchSemitones < -12 || cfg.PitchSemitones > 12 {
		return model.NewError(model.KindInvalidInput, model.CodeParameterValue,
			fmt.Sprintf("pitch %g semitones out of range [-12,12]", cfg.PitchSemitones))
	}
	return nil
}
