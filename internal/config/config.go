// Package config provides the configuration schema, loader, validation, and
// hot-reload watcher for the onplay on-device AI runtime.
package config

import (
	"log/slog"

	"github.com/Akshay-at-360/onplay/internal/pipeline"
	"github.com/Akshay-at-360/onplay/pkg/model"
)

// Config is the root configuration structure for onplay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Models   ModelsConfig   `yaml:"models"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Device   DeviceConfig   `yaml:"device"`
}

// ServerConfig holds network and logging settings for the onplay daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address the health/metrics server listens on
	// (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated log verbosity name.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the four recognised levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Level converts l to the equivalent [slog.Level], defaulting to Info for
// an empty or unrecognised value.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorageConfig controls where model artifacts live on disk and the
// resident-memory limit the pressure supervisor enforces against.
type StorageConfig struct {
	// Dir is the root directory the registry.json manifest, model blobs, and
	// the download audit log are stored under.
	Dir string `yaml:"dir"`

	// MemoryLimitBytes is the resident-memory ceiling the memory pressure
	// supervisor watches. Zero disables pressure detection.
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes"`

	// AuditDSN is an optional Postgres connection string. When set, every
	// completed download commit is mirrored to a download_audit table for
	// fleet-wide reporting across devices, in addition to the local
	// registry.json manifest, which remains the source of truth. Empty
	// disables the mirror.
	AuditDSN string `yaml:"audit_dsn"`
}

// ModelsConfig controls the download engine's behaviour.
type ModelsConfig struct {
	// DownloadConcurrency caps the number of simultaneous model downloads.
	// Zero defaults to 2.
	DownloadConcurrency int `yaml:"download_concurrency"`
}

// PipelineConfig mirrors [pipeline.Config] with YAML tags.
type PipelineConfig struct {
	VADThreshold     float64 `yaml:"vad_threshold"`
	MinSpeechMs      int     `yaml:"min_speech_ms"`
	SilenceTimeoutMs int     `yaml:"silence_timeout_ms"`
	EnableBargeIn    bool    `yaml:"enable_barge_in"`
	MaxHistoryTurns  uint32  `yaml:"max_history_turns"`
	LLMMaxTokens     uint32  `yaml:"llm_max_tokens"`
	TTSVoiceID       string  `yaml:"tts_voice_id"`
}

// ToPipelineConfig converts p into the [pipeline.Config] the voice pipeline
// actually consumes.
func (p PipelineConfig) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		VADThreshold:     p.VADThreshold,
		MinSpeechMs:      p.MinSpeechMs,
		SilenceTimeoutMs: p.SilenceTimeoutMs,
		EnableBargeIn:    p.EnableBargeIn,
		MaxHistoryTurns:  p.MaxHistoryTurns,
		LLMMaxTokens:     p.LLMMaxTokens,
		TTSVoiceID:       p.TTSVoiceID,
	}
}

// DeviceConfig describes the host device's resource envelope, consulted by
// the registry's recommend() filter.
type DeviceConfig struct {
	// RAMBytes is the total device RAM in bytes.
	RAMBytes uint64 `yaml:"ram_bytes"`

	// ComputeClass is a coarse, backend-agnostic capability tier.
	ComputeClass int `yaml:"compute_class"`
}

// ToDeviceCapabilities converts d into the [model.DeviceCapabilities] the
// registry filters recommendations against.
func (d DeviceConfig) ToDeviceCapabilities() model.DeviceCapabilities {
	return model.DeviceCapabilities{RAMBytes: d.RAMBytes, ComputeClass: d.ComputeClass}
}
