package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level and
// solver settings apply live; every other section is reported so the caller
// can tell the operator that a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SolverChanged is true when any solver setting differs.
	SolverChanged bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart, e.g. "providers" or "server.listen_addr".
	RestartRequired []string
}

// Empty reports whether the two configs were equivalent.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SolverChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SolverChanged = !reflect.DeepEqual(old.Solver, new.Solver)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"providers", old.Providers, new.Providers},
		{"capture", old.Capture, new.Capture},
		{"transcription", old.Transcription, new.Transcription},
		{"dialogue", old.Dialogue, new.Dialogue},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
