package config

// ConfigDiff describes what changed between two configs. Only fields that
// are safe to hot-reload without restarting the process are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MemoryLimitChanged bool
	NewMemoryLimit     uint64

	PipelineChanged bool
	NewPipeline     PipelineConfig

	DownloadConcurrencyChanged bool
	NewDownloadConcurrency     int
}

// Diff compares old and new configs and returns what changed. Fields that
// require re-running Configure (pipeline) or re-creating the download
// engine (concurrency) are reported so the caller can decide whether to
// apply them live or defer to the next restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Storage.MemoryLimitBytes != new.Storage.MemoryLimitBytes {
		d.MemoryLimitChanged = true
		d.NewMemoryLimit = new.Storage.MemoryLimitBytes
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	if old.Models.DownloadConcurrency != new.Models.DownloadConcurrency {
		d.DownloadConcurrencyChanged = true
		d.NewDownloadConcurrency = new.Models.DownloadConcurrency
	}

	return d
}
