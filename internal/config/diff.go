package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SelectionChanged bool
	NewSelection     SelectionConfig

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SelectionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Selection != new.Selection {
		d.SelectionChanged = true
		d.NewSelection = new.Selection
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name  string
		equal bool
	}{
		{"server", reflect.DeepEqual(oldServer, newServer)},
		{"game", old.Game == new.Game},
		{"trust", old.Trust == new.Trust},
		{"identity", old.Identity == new.Identity},
		{"captcha", old.Captcha == new.Captcha},
		{"providers", reflect.DeepEqual(old.Providers, new.Providers)},
		{"resilience", old.Resilience == new.Resilience},
		{"telemetry", old.Telemetry == new.Telemetry},
	}
	for _, s := range sections {
		if !s.equal {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
