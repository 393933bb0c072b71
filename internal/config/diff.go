package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InstructionsChanged is set when the realtime instructions differ. New
	// instructions take effect with the next upstream session.
	InstructionsChanged bool
	NewInstructions     string

	EndpointingChanged bool
	NewEndpointing     EndpointingConfig

	PollIntervalChanged bool

	// RestartRequired lists the config keys that changed but are only read
	// at startup.
	RestartRequired []string
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.InstructionsChanged || d.EndpointingChanged ||
		d.PollIntervalChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Realtime.Instructions != new.Realtime.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Realtime.Instructions
	}
	if old.Endpointing != new.Endpointing {
		d.EndpointingChanged = true
		d.NewEndpointing = new.Endpointing
	}
	if old.Server.PollInterval != new.Server.PollInterval {
		d.PollIntervalChanged = true
	}

	restart := []struct {
		key     string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"realtime.api_key", old.Realtime.APIKey != new.Realtime.APIKey},
		{"realtime.base_url", old.Realtime.BaseURL != new.Realtime.BaseURL},
		{"realtime.model", old.Realtime.Model != new.Realtime.Model},
		{"realtime.connect_timeout", old.Realtime.ConnectTimeout != new.Realtime.ConnectTimeout},
		{"realtime.voice", old.Realtime.Voice != new.Realtime.Voice},
		{"realtime.reconnect", old.Realtime.Reconnect != new.Realtime.Reconnect},
		{"realtime.breaker", old.Realtime.Breaker != new.Realtime.Breaker},
		{"turn", old.Turn != new.Turn},
		{"telemetry", old.Telemetry != new.Telemetry},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.key)
		}
	}

	return d
}
