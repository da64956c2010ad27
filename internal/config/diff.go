package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SpeakerRecognitionChanged bool
	NewSpeakerRecognition     bool

	PluginsChanged bool
	PluginChanges  []PluginDiff

	WorkersChanged bool
	WorkerChanges  []WorkerDiff
}

// PluginDiff describes what changed for a single plugin between two configs.
type PluginDiff struct {
	Name             string
	ConditionChanged bool
	Added            bool
	Removed          bool
}

// WorkerDiff describes what changed for a single worker definition between
// two configs. Command/args changes are reported but are NOT safe to
// hot-reload — the supervisor must restart the process, it cannot patch a
// running [os/exec.Cmd] in place.
type WorkerDiff struct {
	Name           string
	CommandChanged bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart, plus worker
// changes (flagged explicitly as restart-requiring) so the supervisor can
// decide what to do with them.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Features.SpeakerRecognitionEnabled != new.Features.SpeakerRecognitionEnabled {
		d.SpeakerRecognitionChanged = true
		d.NewSpeakerRecognition = new.Features.SpeakerRecognitionEnabled
	}

	oldPlugins := make(map[string]*PluginConfig, len(old.Plugins))
	for i := range old.Plugins {
		oldPlugins[old.Plugins[i].Name] = &old.Plugins[i]
	}
	newPlugins := make(map[string]*PluginConfig, len(new.Plugins))
	for i := range new.Plugins {
		newPlugins[new.Plugins[i].Name] = &new.Plugins[i]
	}
	for name, op := range oldPlugins {
		np, exists := newPlugins[name]
		if !exists {
			d.PluginChanges = append(d.PluginChanges, PluginDiff{Name: name, Removed: true})
			d.PluginsChanged = true
			continue
		}
		if op.Condition != np.Condition || op.WakeWord != np.WakeWord || op.Pattern != np.Pattern || op.StripPrefix != np.StripPrefix {
			d.PluginChanges = append(d.PluginChanges, PluginDiff{Name: name, ConditionChanged: true})
			d.PluginsChanged = true
		}
	}
	for name := range newPlugins {
		if _, exists := oldPlugins[name]; !exists {
			d.PluginChanges = append(d.PluginChanges, PluginDiff{Name: name, Added: true})
			d.PluginsChanged = true
		}
	}

	oldWorkers := make(map[string]*WorkerConfig, len(old.Workers))
	for i := range old.Workers {
		oldWorkers[old.Workers[i].Name] = &old.Workers[i]
	}
	newWorkers := make(map[string]*WorkerConfig, len(new.Workers))
	for i := range new.Workers {
		newWorkers[new.Workers[i].Name] = &new.Workers[i]
	}
	for name, ow := range oldWorkers {
		nw, exists := newWorkers[name]
		if !exists {
			d.WorkerChanges = append(d.WorkerChanges, WorkerDiff{Name: name, Removed: true})
			d.WorkersChanged = true
			continue
		}
		if ow.Command != nw.Command || !stringSlicesEqual(ow.Args, nw.Args) {
			d.WorkerChanges = append(d.WorkerChanges, WorkerDiff{Name: name, CommandChanged: true})
			d.WorkersChanged = true
		}
	}
	for name := range newWorkers {
		if _, exists := oldWorkers[name]; !exists {
			d.WorkerChanges = append(d.WorkerChanges, WorkerDiff{Name: name, Added: true})
			d.WorkersChanged = true
		}
	}

	return d
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
