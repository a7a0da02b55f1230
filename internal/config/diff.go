package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable settings are reported with their new values; everything
// else only takes effect after a restart and is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WakeWordsChanged bool
	NewWakeWords     []string

	SensitivityChanged bool
	NewSensitivity     float64

	// RestartRequired names the top-level sections with changes that are
	// not applied live.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.WakeWordsChanged || d.SensitivityChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Detector.WakeWords, new.Detector.WakeWords) {
		d.WakeWordsChanged = true
		d.NewWakeWords = slices.Clone(new.Detector.WakeWords)
	}
	if old.Detector.Sensitivity != new.Detector.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = new.Detector.Sensitivity
	}

	// Compare the rest with the live fields masked out.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldDet, newDet := old.Detector, new.Detector
	oldDet.WakeWords, newDet.WakeWords = nil, nil
	oldDet.Sensitivity, newDet.Sensitivity = 0, 0

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"detector", oldDet, newDet},
		{"confirm", old.Confirm, new.Confirm},
		{"stream", old.Stream, new.Stream},
		{"providers", old.Providers, new.Providers},
		{"event_log", old.EventLog, new.EventLog},
		{"mcp", old.MCP, new.MCP},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
