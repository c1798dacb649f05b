// Package pipeline implements the voice pipeline state machine: a
// single-worker, interruptible STT -> LLM -> TTS cascade coupling the
// three engine variants (pkg/engine/llm, /stt, /tts) with VAD-driven
// segmentation, barge-in interruption, and linearizable conversation
// history.
//
// Uses a sentence-chunked streaming-to-TTS idiom (firstSentenceBoundary)
// and a snapshot-under-lock pattern for history access.
package pipeline

import (
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// State enumerates the pipeline's lifecycle states.
type State int

const (
	Idle State = iota
	Listening
	Transcribing
	Thinking
	Speaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Listening:
		return "Listening"
	case Transcribing:
		return "Transcribing"
	case Thinking:
		return "Thinking"
	case Speaking:
		return "Speaking"
	default:
		return "Unknown"
	}
}

// Config is the enumerated set of options a Configure call validates and
// applies.
type Config struct {
	VADThreshold     float64 // [0.0,1.0], default 0.5
	MinSpeechMs      int     // >=50, default 250
	SilenceTimeoutMs int     // >=100, default 800
	EnableBargeIn    bool    // not defaulted: the zero value leaves barge-in off
	MaxHistoryTurns  uint32  // default 32
	LLMMaxTokens     uint32
	TTSVoiceID       string
}

// withDefaults returns a copy of cfg with zero-value fields replaced by
// their documented defaults.
func (cfg Config) withDefaults() Config {
	out := cfg
	if out.VADThreshold == 0 {
		out.VADThreshold = 0.5
	}
	if out.MinSpeechMs == 0 {
		out.MinSpeechMs = 250
	}
	if out.SilenceTimeoutMs == 0 {
		out.SilenceTimeoutMs = 800
	}
	if out.MaxHistoryTurns == 0 {
		out.MaxHistoryTurns = 32
	}
	return out
}

func (cfg Config) validate() error {
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return model.NewError(model.KindInvalidInput, model.CodeParameterValue, "vad_threshold must be in [0,1]")
	}
	if cfg.MinSpeechMs < 50 {
		return model.NewError(model.KindInvalidInput, model.CodeParameterValue, "min_speech_ms must be >= 50")
	}
	if cfg.SilenceTimeoutMs < 100 {
		return model.NewError(model.KindInvalidInput, model.CodeParameterValue, "silence_timeout_ms must be >= 100")
	}
	return nil
}

// AudioInFunc pulls the next chunk of microphone audio. An Empty AudioData
// return signals end-of-stream.
type AudioInFunc func() model.AudioData

// AudioOutFunc delivers one chunk of synthesized playback audio.
type AudioOutFunc func(model.AudioData)

// TranscriptFunc delivers a finalized STT transcript.
type TranscriptFunc func(text string)

// LLMTextFunc delivers each incrementally generated LLM token.
type LLMTextFunc func(token string)

// internalSampleRate is the sample rate the pipeline runs VAD and STT at
// internally; audio delivered at any other rate is resampled first.
const internalSampleRate = 16000
