package audio

import "time"

// AudioFrame represents a single frame of raw device audio, the format a
// host microphone/speaker API typically produces or consumes: interleaved
// little-endian PCM16, possibly multi-channel, at whatever rate the
// hardware captured or expects. The voice pipeline itself works in mono
// float32 (see [model.AudioData]); AudioFrame and the conversions in this
// package exist at the boundary between that device I/O and the pipeline.
type AudioFrame struct {
	// Data is little-endian PCM16 audio, interleaved across Channels.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a typical USB mic, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo capture/playback hardware.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
