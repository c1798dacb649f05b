package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-value fields with the runtime's documented
// defaults, matching the voice pipeline's own withDefaults convention.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogLevelInfo
	}
	if cfg.Models.DownloadConcurrency == 0 {
		cfg.Models.DownloadConcurrency = 2
	}
	if cfg.Pipeline.VADThreshold == 0 {
		cfg.Pipeline.VADThreshold = 0.5
	}
	if cfg.Pipeline.MinSpeechMs == 0 {
		cfg.Pipeline.MinSpeechMs = 250
	}
	if cfg.Pipeline.SilenceTimeoutMs == 0 {
		cfg.Pipeline.SilenceTimeoutMs = 800
	}
	if cfg.Pipeline.MaxHistoryTurns == 0 {
		cfg.Pipeline.MaxHistoryTurns = 32
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Storage.Dir == "" {
		errs = append(errs, errors.New("storage.dir is required"))
	}

	if cfg.Models.DownloadConcurrency < 0 {
		errs = append(errs, fmt.Errorf("models.download_concurrency %d must be >= 0", cfg.Models.DownloadConcurrency))
	}

	if cfg.Pipeline.VADThreshold < 0 || cfg.Pipeline.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad_threshold %g out of range [0,1]", cfg.Pipeline.VADThreshold))
	}
	if cfg.Pipeline.MinSpeechMs != 0 && cfg.Pipeline.MinSpeechMs < 50 {
		errs = append(errs, fmt.Errorf("pipeline.min_speech_ms %d must be >= 50", cfg.Pipeline.MinSpeechMs))
	}
	if cfg.Pipeline.SilenceTimeoutMs != 0 && cfg.Pipeline.SilenceTimeoutMs < 100 {
		errs = append(errs, fmt.Errorf("pipeline.silence_timeout_ms %d must be >= 100", cfg.Pipeline.SilenceTimeoutMs))
	}

	if cfg.Device.RAMBytes > 0 && cfg.Device.ComputeClass < 0 {
		errs = append(errs, fmt.Errorf("device.compute_class %d must be >= 0", cfg.Device.ComputeClass))
	}

	return errors.Join(errs...)
}
