package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/codec"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

// Storage backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSampleRate      = 16000
	DefaultFrameMs         = 10
	DefaultBufferMs        = 2000
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = 30 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is [LoadFromReader] over an in-memory document.
func Parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Default returns the configuration an empty file produces.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields that have a non-zero default.
// Detector parameters are left zero; they default when sessions are built.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}
	if cfg.Audio.InputType == "" {
		cfg.Audio.InputType = audio.PCM16.String()
	}
	if cfg.Audio.OutputType == "" {
		cfg.Audio.OutputType = audio.PCM16.String()
	}
	if cfg.Audio.BufferMs == 0 {
		cfg.Audio.BufferMs = DefaultBufferMs
	}
	if cfg.Wakeup.Mode == "" {
		cfg.Wakeup.Mode = wakeup.Online.String()
	}
	if cfg.EPD.Model == "" {
		cfg.EPD.Model = epd.DefaultModel
	}
	if cfg.EPD.Mode == "" {
		cfg.EPD.Mode = epd.Detect.String()
	}
	if cfg.EPD.Policy == "" {
		cfg.EPD.Policy = epd.Energy.String()
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.Breaker.MaxFailures == 0 {
		cfg.Storage.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Storage.Breaker.ResetTimeout == 0 {
		cfg.Storage.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Storage.Breaker.HalfOpenMax == 0 {
		cfg.Storage.Breaker.HalfOpenMax = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Audio
	a := cfg.Audio
	if !audio.ValidSampleRate(a.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: %v", a.SampleRate, audio.SupportedSampleRates))
	} else if a.FrameMs <= 0 || int64(a.FrameMs)*int64(a.SampleRate)%1000 != 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d does not divide into whole samples at %d Hz", a.FrameMs, a.SampleRate))
	}
	in, err := audio.ParseDataType(a.InputType)
	if err != nil {
		errs = append(errs, fmt.Errorf("audio.input_type %q is invalid", a.InputType))
	}
	out, err := audio.ParseDataType(a.OutputType)
	if err != nil {
		errs = append(errs, fmt.Errorf("audio.output_type %q is invalid", a.OutputType))
	}
	if a.BufferMs < a.FrameMs {
		errs = append(errs, fmt.Errorf("audio.buffer_ms %d must hold at least one frame", a.BufferMs))
	}
	opusRate := slices.Contains(codec.SupportedRates, a.SampleRate)
	if (in == audio.Compressed || out == audio.Compressed || cfg.Codec.Enabled) && !opusRate {
		errs = append(errs, fmt.Errorf("opus does not support %d Hz; valid rates: %v", a.SampleRate, codec.SupportedRates))
	}

	// Wake-word
	w := cfg.Wakeup
	if _, err := wakeup.ParseMode(w.Mode); err != nil {
		errs = append(errs, fmt.Errorf("wakeup.mode %q is invalid; valid values: online, verifier, online-connected", w.Mode))
	}
	if (w.NetFile == "") != (w.SearchFile == "") {
		errs = append(errs, errors.New("wakeup.net_file and wakeup.search_file must be set together"))
	}
	for _, th := range []struct {
		name string
		v    *float64
	}{
		{"detection", w.Thresholds.Detection},
		{"rejection", w.Thresholds.Rejection},
		{"candidate", w.Thresholds.Candidate},
		{"smoothing", w.Thresholds.Smoothing},
	} {
		if th.v != nil && (*th.v < 0 || *th.v > 1) {
			errs = append(errs, fmt.Errorf("wakeup.thresholds.%s %.2f is out of range [0, 1]", th.name, *th.v))
		}
	}
	if w.Thresholds.MinSNR != nil && *w.Thresholds.MinSNR < 0 {
		errs = append(errs, fmt.Errorf("wakeup.thresholds.min_snr_db %.1f must not be negative", *w.Thresholds.MinSNR))
	}
	if w.StartMarginMs != nil && *w.StartMarginMs < 0 {
		errs = append(errs, fmt.Errorf("wakeup.start_margin_ms %d must not be negative", *w.StartMarginMs))
	}

	// End-point detection
	e := cfg.EPD
	if _, err := epd.LookupProfile(e.Model); err != nil {
		errs = append(errs, fmt.Errorf("epd.model %q is invalid; valid values: %v", e.Model, epd.Models()))
	}
	if _, err := epd.ParseMode(e.Mode); err != nil {
		errs = append(errs, fmt.Errorf("epd.mode %q is invalid; valid values: detect, record", e.Mode))
	}
	policy, err := epd.ParsePolicy(e.Policy)
	if err != nil {
		errs = append(errs, fmt.Errorf("epd.policy %q is invalid; valid values: energy, wakeup-gated, wakeup-or-energy", e.Policy))
	} else if policy != epd.Energy && !w.Enabled {
		errs = append(errs, fmt.Errorf("epd.policy %q requires wakeup.enabled", e.Policy))
	}
	for _, th := range []struct {
		name string
		v    *float64
	}{{"sos", e.SOS}, {"eos", e.EOS}} {
		if th.v != nil && (*th.v < 0 || *th.v > epd.MaxThreshold) {
			errs = append(errs, fmt.Errorf("epd.%s %.1f is out of range [0, %.0f]", th.name, *th.v, epd.MaxThreshold))
		}
	}
	if e.MaxSpeechS != 0 && (e.MaxSpeechS < 1 || e.MaxSpeechS > 60) {
		errs = append(errs, fmt.Errorf("epd.max_speech_s %d is out of range [1, 60]", e.MaxSpeechS))
	}
	if e.TimeoutS != nil && (*e.TimeoutS < 0 || *e.TimeoutS > 60) {
		errs = append(errs, fmt.Errorf("epd.timeout_s %d is out of range [0, 60]", *e.TimeoutS))
	}
	if e.PauseMs != 0 && (e.PauseMs < 100 || e.PauseMs > 5000) {
		errs = append(errs, fmt.Errorf("epd.pause_ms %d is out of range [100, 5000]", e.PauseMs))
	}
	if e.FlushMs != nil && (*e.FlushMs < 0 || *e.FlushMs > 1000) {
		errs = append(errs, fmt.Errorf("epd.flush_ms %d is out of range [0, 1000]", *e.FlushMs))
	}
	if e.NoiseMaskingDB < 0 || e.NoiseMaskingDB > epd.MaxNoiseMasking {
		errs = append(errs, fmt.Errorf("epd.noise_masking_db %.1f is out of range [0, %.0f]", e.NoiseMaskingDB, epd.MaxNoiseMasking))
	}
	if e.MarginStartMs < 0 || e.MarginEndMs < 0 {
		errs = append(errs, errors.New("epd margins must not be negative"))
	}

	// Codec
	if cfg.Codec.Bitrate != 0 && (cfg.Codec.Bitrate < codec.MinBitrate || cfg.Codec.Bitrate > codec.MaxBitrate) {
		errs = append(errs, fmt.Errorf("codec.bitrate %d is out of range [%d, %d]", cfg.Codec.Bitrate, codec.MinBitrate, codec.MaxBitrate))
	}
	if cfg.Codec.Bitrate != 0 && !cfg.Codec.Enabled {
		slog.Warn("codec.bitrate is set but codec.enabled is false; segments will not be encoded")
	}

	// Storage
	s := cfg.Storage
	switch s.Backend {
	case BackendMemory, BackendNone:
		if s.PostgresDSN != "" {
			slog.Warn("storage.postgres_dsn is set but storage.backend is not postgres", "backend", s.Backend)
		}
	case BackendPostgres:
		if s.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, postgres, none", s.Backend))
	}
	if s.Breaker.MaxFailures < 0 || s.Breaker.HalfOpenMax < 0 || s.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("storage.breaker values must not be negative"))
	}

	return errors.Join(errs...)
}
