package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; connection
// settings and provider credentials require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true when any lifecycle threshold changed. New
	// values apply to jobs started after the reload; running jobs keep the
	// thresholds they were born with.
	PipelineChanged bool
	NewPipeline     PipelineConfig

	// PluginsChanged is true when the plugin document path changed. The
	// router reloads its registration document on the next dispatch.
	PluginsChanged bool
	NewPluginsPath string
}

// Empty reports whether the diff carries no reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PipelineChanged && !d.PluginsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	if old.Plugins.Path != new.Plugins.Path {
		d.PluginsChanged = true
		d.NewPluginsPath = new.Plugins.Path
	}

	return d
}
