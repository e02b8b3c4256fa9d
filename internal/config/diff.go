package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged means the detector thresholds moved. The running capture
	// engine keeps the thresholds it was built with; the new values apply
	// to the next session.
	VADChanged bool
	NewVAD     VADConfig

	// HangupGraceChanged applies to the next completion latch.
	HangupGraceChanged bool

	// RestartRequired means a section that cannot be hot-reloaded changed
	// (backend, audio attachment, transcriber).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Interview.HangupGrace != new.Interview.HangupGrace {
		d.HangupGraceChanged = true
	}

	if old.Backend.BaseURL != new.Backend.BaseURL ||
		old.Backend.APIKeyEnv != new.Backend.APIKeyEnv ||
		old.Audio != new.Audio ||
		old.Transcriber != new.Transcriber {
		d.RestartRequired = true
	}

	return d
}
