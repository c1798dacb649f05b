// Package vad defines the voice-activity-detection engine contract used by
// the voice pipeline, and provides the frame-based energy/zero-crossing
// segmenter that backs it when no external VAD backend (e.g. Silero, WebRTC
// VAD) is configured.
//
// The two abstractions are:
//
//   - [Engine] — factory for per-stream [SessionHandle]s, implemented either
//     by an external model backend or by [NewEnergySegmenter].
//   - [SessionHandle] — a stateful detector for one audio stream; each
//     session keeps its own run state (for the energy segmenter: whether a
//     voiced run is open and how many unvoiced frames have followed it) so
//     multiple concurrent streams stay independent.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, suitable for low-latency pipeline stages that gate STT
// input.
package vad

// Config holds the parameters for a VAD session. All thresholds are
// normalised to [0.0, 1.0]; see [NewEnergySegmenter] for how the energy
// segmenter maps a threshold onto a dB gain.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The pipeline mandates
	// 16000 internally.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match
	// this size. The energy segmenter uses 20ms frames.
	FrameSizeMs int

	// SpeechThreshold is the probability (or, for the energy segmenter, the
	// normalised gain input) above which a frame is classified as speech.
	// Range: [0.0, 1.0]. Values outside this range are rejected with
	// InvalidParameterValue.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame is classified
	// as silence. Must be <= SpeechThreshold.
	SilenceThreshold float64

	// MinSpeechMs is the least voiced audio a segment needs to be kept by
	// [DetectSegments]. Sessions from [NewEnergySegmenter] do not apply
	// it; they report every voiced frame.
	MinSpeechMs int

	// SilenceTimeoutMs is the maximum gap of unvoiced frames that still
	// joins two voiced runs into a single segment.
	SilenceTimeoutMs int
}

// SessionHandle represents an active VAD session for a single audio stream.
// A SessionHandle must not be shared between goroutines unless the
// implementation explicitly documents concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM at the SampleRate and
	// FrameSizeMs configured when the session was created.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state without closing the
	// session. Use when the audio stream is interrupted or restarted.
	Reset()

	// Close releases the session's resources. Safe to call more than once.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each VAD backend
// (external model or the built-in energy segmenter).
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if cfg is invalid (unsupported sample rate, frame size, or a
	// threshold outside [0,1]).
	NewSession(cfg Config) (SessionHandle, error)
}
