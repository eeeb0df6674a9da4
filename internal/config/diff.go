package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WakeupChanged is true if keyword thresholds or the start margin changed.
	WakeupChanged bool

	// EPDChanged is true if SOS/EOS, noise masking or the duration limits
	// changed.
	EPDChanged bool

	// RestartRequired lists the config sections whose changes only take
	// effect for sessions started after a restart.
	RestartRequired []string
}

// Tunable reports whether d carries changes for live sessions.
func (d ConfigDiff) Tunable() bool { return d.WakeupChanged || d.EPDChanged }

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ow, nw := old.Wakeup, new.Wakeup
	if !reflect.DeepEqual(ow.Thresholds, nw.Thresholds) || !equalPtr(ow.StartMarginMs, nw.StartMarginMs) {
		d.WakeupChanged = true
	}

	oe, ne := old.EPD, new.EPD
	if !equalPtr(oe.SOS, ne.SOS) || !equalPtr(oe.EOS, ne.EOS) ||
		oe.NoiseMaskingDB != ne.NoiseMaskingDB ||
		oe.MaxSpeechS != ne.MaxSpeechS || !equalPtr(oe.TimeoutS, ne.TimeoutS) || oe.PauseMs != ne.PauseMs {
		d.EPDChanged = true
	}

	// Everything else needs new sessions.
	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	ow.Thresholds, nw.Thresholds = ThresholdsConfig{}, ThresholdsConfig{}
	ow.StartMarginMs, nw.StartMarginMs = nil, nil
	if ow != nw {
		d.RestartRequired = append(d.RestartRequired, "wakeup")
	}
	if oe.Model != ne.Model || oe.Mode != ne.Mode || oe.Policy != ne.Policy ||
		!equalPtr(oe.FlushMs, ne.FlushMs) || oe.MarginStartMs != ne.MarginStartMs || oe.MarginEndMs != ne.MarginEndMs {
		d.RestartRequired = append(d.RestartRequired, "epd")
	}
	if old.Codec != new.Codec {
		d.RestartRequired = append(d.RestartRequired, "codec")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
