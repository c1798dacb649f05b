package config_test

import (
	"testing"

	"github.com/Akshay-at-360/onplay/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogLevelInfo},
		Storage: config.StorageConfig{MemoryLimitBytes: 1 << 30},
		Models:  config.ModelsConfig{DownloadConcurrency: 2},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.MemoryLimitChanged {
		t.Error("expected MemoryLimitChanged=false for identical configs")
	}
	if d.PipelineChanged {
		t.Error("expected PipelineChanged=false for identical configs")
	}
	if d.DownloadConcurrencyChanged {
		t.Error("expected DownloadConcurrencyChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelInfo}}
	newCfg := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelDebug}}

	d := config.Diff(old, newCfg)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogLevelDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_MemoryLimitChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Storage: config.StorageConfig{MemoryLimitBytes: 1 << 30}}
	newCfg := &config.Config{Storage: config.StorageConfig{MemoryLimitBytes: 2 << 30}}

	d := config.Diff(old, newCfg)
	if !d.MemoryLimitChanged {
		t.Error("expected MemoryLimitChanged=true")
	}
	if d.NewMemoryLimit != 2<<30 {
		t.Errorf("expected NewMemoryLimit=%d, got %d", uint64(2<<30), d.NewMemoryLimit)
	}
}

func TestDiff_PipelineChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Pipeline: config.PipelineConfig{VADThreshold: 0.5}}
	newCfg := &config.Config{Pipeline: config.PipelineConfig{VADThreshold: 0.7, EnableBargeIn: true}}

	d := config.Diff(old, newCfg)
	if !d.PipelineChanged {
		t.Error("expected PipelineChanged=true")
	}
	if d.NewPipeline != newCfg.Pipeline {
		t.Errorf("expected NewPipeline=%+v, got %+v", newCfg.Pipeline, d.NewPipeline)
	}
}

func TestDiff_DownloadConcurrencyChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Models: config.ModelsConfig{DownloadConcurrency: 2}}
	newCfg := &config.Config{Models: config.ModelsConfig{DownloadConcurrency: 5}}

	d := config.Diff(old, newCfg)
	if !d.DownloadConcurrencyChanged {
		t.Error("expected DownloadConcurrencyChanged=true")
	}
	if d.NewDownloadConcurrency != 5 {
		t.Errorf("expected NewDownloadConcurrency=5, got %d", d.NewDownloadConcurrency)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogLevelInfo},
		Storage: config.StorageConfig{MemoryLimitBytes: 1 << 30},
	}
	newCfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogLevelWarn},
		Storage: config.StorageConfig{MemoryLimitBytes: 3 << 30},
	}

	d := config.Diff(old, newCfg)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.MemoryLimitChanged {
		t.Error("expected MemoryLimitChanged=true")
	}
	if d.PipelineChanged {
		t.Error("expected PipelineChanged=false")
	}
}
