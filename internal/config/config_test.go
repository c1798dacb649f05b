package config_test

import (
	"strings"
	"testing"

	"github.com/Akshay-at-360/onplay/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

storage:
  dir: /var/lib/onplay/models
  memory_limit_bytes: 4294967296

models:
  download_concurrency: 3

pipeline:
  vad_threshold: 0.6
  min_speech_ms: 300
  silence_timeout_ms: 900
  enable_barge_in: true
  max_history_turns: 16
  llm_max_tokens: 512
  tts_voice_id: en-us-default

device:
  ram_bytes: 8589934592
  compute_class: 2
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogLevelInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogLevelInfo)
	}
	if cfg.Storage.Dir != "/var/lib/onplay/models" {
		t.Errorf("storage.dir: got %q", cfg.Storage.Dir)
	}
	if cfg.Storage.MemoryLimitBytes != 4294967296 {
		t.Errorf("storage.memory_limit_bytes: got %d", cfg.Storage.MemoryLimitBytes)
	}
	if cfg.Models.DownloadConcurrency != 3 {
		t.Errorf("models.download_concurrency: got %d, want 3", cfg.Models.DownloadConcurrency)
	}
	if cfg.Pipeline.VADThreshold != 0.6 {
		t.Errorf("pipeline.vad_threshold: got %g, want 0.6", cfg.Pipeline.VADThreshold)
	}
	if !cfg.Pipeline.EnableBargeIn {
		t.Error("pipeline.enable_barge_in: got false, want true")
	}
	if cfg.Device.ComputeClass != 2 {
		t.Errorf("device.compute_class: got %d, want 2", cfg.Device.ComputeClass)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	yaml := `
storage:
  dir: /tmp/onplay
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogLevelInfo {
		t.Errorf("default log_level: got %q, want %q", cfg.Server.LogLevel, config.LogLevelInfo)
	}
	if cfg.Models.DownloadConcurrency != 2 {
		t.Errorf("default download_concurrency: got %d, want 2", cfg.Models.DownloadConcurrency)
	}
	if cfg.Pipeline.VADThreshold != 0.5 {
		t.Errorf("default vad_threshold: got %g, want 0.5", cfg.Pipeline.VADThreshold)
	}
	if cfg.Pipeline.MinSpeechMs != 250 {
		t.Errorf("default min_speech_ms: got %d, want 250", cfg.Pipeline.MinSpeechMs)
	}
	if cfg.Pipeline.SilenceTimeoutMs != 800 {
		t.Errorf("default silence_timeout_ms: got %d, want 800", cfg.Pipeline.SilenceTimeoutMs)
	}
	if cfg.Pipeline.MaxHistoryTurns != 32 {
		t.Errorf("default max_history_turns: got %d, want 32", cfg.Pipeline.MaxHistoryTurns)
	}
}

func TestValidate_MissingStorageDir(t *testing.T) {
	yaml := `
server:
  log_level: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing storage.dir, got nil")
	}
	if !strings.Contains(err.Error(), "storage.dir") {
		t.Errorf("error should mention storage.dir, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
storage:
  dir: /tmp/onplay
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_NegativeDownloadConcurrency(t *testing.T) {
	yaml := `
storage:
  dir: /tmp/onplay
models:
  download_concurrency: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative download_concurrency, got nil")
	}
	if !strings.Contains(err.Error(), "download_concurrency") {
		t.Errorf("error should mention download_concurrency, got: %v", err)
	}
}

func TestValidate_VADThresholdOutOfRange(t *testing.T) {
	yaml := `
storage:
  dir: /tmp/onplay
pipeline:
  vad_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range vad_threshold, got nil")
	}
	if !strings.Contains(err.Error(), "vad_threshold") {
		t.Errorf("error should mention vad_threshold, got: %v", err)
	}
}

func TestValidate_MinSpeechMsTooLow(t *testing.T) {
	yaml := `
storage:
  dir: /tmp/onplay
pipeline:
  min_speech_ms: 10
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for too-low min_speech_ms, got nil")
	}
	if !strings.Contains(err.Error(), "min_speech_ms") {
		t.Errorf("error should mention min_speech_ms, got: %v", err)
	}
}

func TestValidate_SilenceTimeoutTooLow(t *testing.T) {
	yaml := `
storage:
  dir: /tmp/onplay
pipeline:
  silence_timeout_ms: 10
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for too-low silence_timeout_ms, got nil")
	}
	if !strings.Contains(err.Error(), "silence_timeout_ms") {
		t.Errorf("error should mention silence_timeout_ms, got: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	yaml := `
server:
  log_level: bananas
storage:
  dir: /tmp/onplay
pipeline:
  vad_threshold: 9
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") || !strings.Contains(errStr, "vad_threshold") {
		t.Errorf("expected both log_level and vad_threshold mentioned, got: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	cases := map[config.LogLevel]bool{
		config.LogLevelDebug: true,
		config.LogLevelInfo:  true,
		config.LogLevelWarn:  true,
		config.LogLevelError: true,
		config.LogLevel(""):  false,
		"nonsense":           false,
	}
	for level, valid := range cases {
		if level.IsValid() != valid {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", level, level.IsValid(), valid)
		}
	}
}

func TestPipelineConfig_ToPipelineConfig(t *testing.T) {
	p := config.PipelineConfig{
		VADThreshold:     0.7,
		MinSpeechMs:      200,
		SilenceTimeoutMs: 700,
		EnableBargeIn:    true,
		MaxHistoryTurns:  8,
		LLMMaxTokens:     256,
		TTSVoiceID:       "voice-1",
	}
	pc := p.ToPipelineConfig()
	if pc.VADThreshold != p.VADThreshold || pc.MinSpeechMs != p.MinSpeechMs ||
		pc.SilenceTimeoutMs != p.SilenceTimeoutMs || pc.EnableBargeIn != p.EnableBargeIn ||
		pc.MaxHistoryTurns != p.MaxHistoryTurns || pc.LLMMaxTokens != p.LLMMaxTokens ||
		pc.TTSVoiceID != p.TTSVoiceID {
		t.Errorf("ToPipelineConfig did not preserve all fields: got %+v from %+v", pc, p)
	}
}

func TestDeviceConfig_ToDeviceCapabilities(t *testing.T) {
	d := config.DeviceConfig{RAMBytes: 1 << 30, ComputeClass: 3}
	caps := d.ToDeviceCapabilities()
	if caps.RAMBytes != d.RAMBytes {
		t.Errorf("RAMBytes: got %d, want %d", caps.RAMBytes, d.RAMBytes)
	}
	if caps.ComputeClass != d.ComputeClass {
		t.Errorf("ComputeClass: got %d, want %d", caps.ComputeClass, d.ComputeClass)
	}
}
