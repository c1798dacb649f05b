package model

import "time"

// Kind enumerates the three inference engine variants a model artifact can
// back.
type Kind int

const (
	// KindLLM identifies a large-language-model artifact.
	KindLLM Kind = iota
	// KindSTT identifies a speech-to-text artifact.
	KindSTT
	// KindTTS identifies a text-to-speech artifact.
	KindTTS
)

// String returns the human-readable name of the model kind.
func (k Kind) String() string {
	switch k {
	case KindLLM:
		return "LLM"
	case KindSTT:
		return "STT"
	case KindTTS:
		return "TTS"
	default:
		return "Unknown"
	}
}

// Info describes one published model artifact. Info is immutable once
// published by the registry; callers must treat every field as read-only.
type Info struct {
	ModelID        string            `json:"model_id"`
	Version        string            `json:"version"`
	Kind           Kind              `json:"kind"`
	SizeBytes      uint64            `json:"size_bytes"`
	URL            string            `json:"url"`
	ExpectedSHA256 [32]byte          `json:"expected_sha256"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DeviceCapabilities describes the host device's resource envelope, used by
// [Info] recommendation filtering.
type DeviceCapabilities struct {
	// RAMBytes is the total device RAM in bytes.
	RAMBytes uint64

	// ComputeClass is a coarse, backend-agnostic capability tier; higher is
	// more capable. Acceleration backend selection within a class is out of
	// scope (see spec Non-goals).
	ComputeClass int
}

// Fits reports whether info is a suitable recommendation for device, per the
// registry's recommend() filter: size_bytes <= ram*0.4 and compute_class >=
// model.min_class (carried in Info.Metadata["min_class"] when present).
func (d DeviceCapabilities) Fits(info Info, minClass int) bool {
	if info.SizeBytes > uint64(float64(d.RAMBytes)*0.4) {
		return false
	}
	return d.ComputeClass >= minClass
}

// DownloadState enumerates the lifecycle states of a [DownloadRecord].
type DownloadState int

const (
	DownloadPending DownloadState = iota
	DownloadActive
	DownloadPaused
	DownloadVerifying
	DownloadCompleted
	DownloadFailed
	DownloadCancelled
)

// String returns the human-readable name of the download state.
func (s DownloadState) String() string {
	switch s {
	case DownloadPending:
		return "Pending"
	case DownloadActive:
		return "Active"
	case DownloadPaused:
		return "Paused"
	case DownloadVerifying:
		return "Verifying"
	case DownloadCompleted:
		return "Completed"
	case DownloadFailed:
		return "Failed"
	case DownloadCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// DownloadHandle is an opaque, monotonically issued identifier for a single
// submitted download.
type DownloadHandle uint64

// ModelHandle is an opaque 64-bit identifier bound to a loaded model's
// (model_id, version, engine_kind, resident backend state) at load time.
// Zero is reserved for "invalid"; nonzero handles are issued monotonically
// by the engine facade and appear in at most one engine's loaded set.
type ModelHandle uint64

// Valid reports whether h is a non-reserved handle.
func (h ModelHandle) Valid() bool {
	return h != 0
}

// DownloadRecord is a snapshot of one download's observable state. Records
// are owned exclusively by the download engine for their lifetime; callers
// receive copies via Snapshot queries and must not mutate them.
type DownloadRecord struct {
	Handle       DownloadHandle
	URL          string
	TargetPath   string
	TmpPath      string
	ExpectedSize uint64
	BytesDone    uint64
	State        DownloadState
	Attempts     int
	LastError    error
}

// Progress returns BytesDone/ExpectedSize, or 1.0 if ExpectedSize is zero.
func (r DownloadRecord) Progress() float64 {
	if r.ExpectedSize == 0 {
		return 1.0
	}
	return float64(r.BytesDone) / float64(r.ExpectedSize)
}

// ProgressCallback reports fractional download progress in [0, 1]. Calls
// must be monotonically non-decreasing and the final call must be exactly
// 1.0.
type ProgressCallback func(fraction float64)

// Role identifies the speaker of a [ConversationTurn].
type Role int

const (
	RoleUser Role = iota
	RoleAssistant
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// ConversationTurn is one entry in a voice pipeline's conversation history.
type ConversationTurn struct {
	Role      Role
	Text      string
	AudioRef  any
	Timestamp time.Time
}

// AudioData is a buffer of linear PCM audio samples in [-1.0, 1.0],
// normalised to a declared sample rate. The voice pipeline mandates 16 kHz
// mono internally and resamples audio delivered at any other rate before
// VAD.
type AudioData struct {
	SampleRate int
	Samples    []float32
}

// Empty reports whether a has no samples.
func (a AudioData) Empty() bool {
	return len(a.Samples) == 0
}
