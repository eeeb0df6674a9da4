package epd

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
)

// Mode selects whether the detector looks for speech boundaries at all.
type Mode int

const (
	// Detect runs full end-point detection.
	Detect Mode = iota

	// Record treats everything after the flush window as speech. The episode
	// ends only at end of stream or at the maximum speech duration.
	Record
)

// String returns the configuration name of m.
func (m Mode) String() string {
	switch m {
	case Detect:
		return "detect"
	case Record:
		return "record"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode resolves a configuration name such as "record".
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{Detect, Record} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("epd: unknown mode %q: %w", s, engine.ErrInvalidConfig)
}

// Policy decides what may open a speech episode.
type Policy int

const (
	// Energy opens an episode on signal energy alone.
	Energy Policy = iota

	// WakeupGated ignores energy until a wake-word cue arrives through
	// [Detector.MarkWakeup]; audio after the cue opens the episode on energy.
	WakeupGated

	// WakeupOrEnergy opens an episode on energy or, immediately, on a
	// wake-word cue.
	WakeupOrEnergy
)

// String returns the configuration name of p.
func (p Policy) String() string {
	switch p {
	case Energy:
		return "energy"
	case WakeupGated:
		return "wakeup-gated"
	case WakeupOrEnergy:
		return "wakeup-or-energy"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy resolves a configuration name such as "energy".
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{Energy, WakeupGated, WakeupOrEnergy} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("epd: unknown policy %q: %w", s, engine.ErrInvalidConfig)
}

// Profile is a named set of detection parameters, selected with
// [Detector.SetModelName].
type Profile struct {
	// SOS and EOS are the start and end of speech thresholds in dB above the
	// noise floor.
	SOS float64
	EOS float64

	// MinSpeech is how long energy must stay above SOS before speech starts.
	MinSpeech time.Duration
}

// DefaultModel is the profile a [DefaultConfig] uses.
const DefaultModel = "default"

var profiles = map[string]Profile{
	DefaultModel: {SOS: 9, EOS: 5, MinSpeech: 30 * time.Millisecond},
	"near-field": {SOS: 12, EOS: 7, MinSpeech: 30 * time.Millisecond},
	"far-field":  {SOS: 6, EOS: 3, MinSpeech: 50 * time.Millisecond},
}

// LookupProfile returns the named profile.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("epd: unknown model %q: %w", name, engine.ErrInvalidConfig)
	}
	return p, nil
}

// Models returns the known profile names in sorted order.
func Models() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Valid ranges. Values outside them are rejected, never clamped.
const (
	MaxThreshold    = 60.0
	MaxNoiseMasking = 96.0

	MinMaxSpeech = time.Second
	MaxMaxSpeech = 60 * time.Second
	MaxTimeout   = 60 * time.Second
	MinPause     = 100 * time.Millisecond
	MaxPause     = 5 * time.Second
	MaxFlush     = time.Second
)

// Config configures a [Detector]. Start from [DefaultConfig]; New does not
// fill in zero values.
type Config struct {
	// SampleRate in Hz; one of audio.SupportedSampleRates.
	SampleRate int

	// OutputType is the encoding of [Detector.OutputData].
	OutputType audio.DataType

	// Codec encodes compressed output. Required when OutputType is
	// audio.Compressed.
	Codec audio.PacketCodec

	Mode   Mode
	Policy Policy

	// Model names the detection profile. SOS and EOS below override the
	// profile's thresholds.
	Model string

	// SOS and EOS are in dB above the noise floor, within [0, 60].
	SOS float64
	EOS float64

	// NoiseMasking is a floor, in dB, for the noise estimate. 0 disables it.
	NoiseMasking float64

	// MaxSpeech bounds an episode's speech; exceeding it times out.
	MaxSpeech time.Duration

	// Timeout bounds the wait for speech to start. 0 disables it.
	Timeout time.Duration

	// Pause is the silence that ends speech.
	Pause time.Duration

	// Flush is skipped at the start of every episode to let reverb from a
	// prompt die down.
	Flush time.Duration

	// Logger receives debug events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a 16 kHz PCM configuration with a 10 s speech limit,
// a 7 s timeout, a 700 ms pause and a 100 ms flush.
func DefaultConfig() Config {
	p := profiles[DefaultModel]
	return Config{
		SampleRate: 16000,
		OutputType: audio.PCM16,
		Mode:       Detect,
		Policy:     Energy,
		Model:      DefaultModel,
		SOS:        p.SOS,
		EOS:        p.EOS,
		MaxSpeech:  10 * time.Second,
		Timeout:    7 * time.Second,
		Pause:      700 * time.Millisecond,
		Flush:      100 * time.Millisecond,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if !audio.ValidSampleRate(c.SampleRate) {
		errs = append(errs, fmt.Errorf("sample rate %d is not supported", c.SampleRate))
	}
	if !c.OutputType.IsValid() {
		errs = append(errs, fmt.Errorf("output type %d is not valid", int(c.OutputType)))
	}
	if c.OutputType == audio.Compressed && c.Codec == nil {
		errs = append(errs, errors.New("compressed output requires a codec"))
	}
	if c.Mode != Detect && c.Mode != Record {
		errs = append(errs, fmt.Errorf("mode %d is not valid", int(c.Mode)))
	}
	if c.Policy < Energy || c.Policy > WakeupOrEnergy {
		errs = append(errs, fmt.Errorf("policy %d is not valid", int(c.Policy)))
	}
	if _, ok := profiles[c.Model]; !ok {
		errs = append(errs, fmt.Errorf("model %q is not known", c.Model))
	}
	errs = append(errs,
		checkThreshold("sos", c.SOS),
		checkThreshold("eos", c.EOS),
		checkNoiseMasking(c.NoiseMasking),
		checkDurations(c.MaxSpeech, c.Timeout, c.Pause),
	)
	if c.Flush < 0 || c.Flush > MaxFlush {
		errs = append(errs, fmt.Errorf("flush %v is out of range [0, %v]", c.Flush, MaxFlush))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("epd: config: %w: %w", engine.ErrInvalidConfig, err)
	}
	return nil
}

func checkThreshold(name string, v float64) error {
	if v < 0 || v > MaxThreshold {
		return fmt.Errorf("%s threshold %.1f is out of range [0, %.0f]", name, v, MaxThreshold)
	}
	return nil
}

func checkNoiseMasking(v float64) error {
	if v < 0 || v > MaxNoiseMasking {
		return fmt.Errorf("noise masking level %.1f is out of range [0, %.0f]", v, MaxNoiseMasking)
	}
	return nil
}

func checkDurations(maxSpeech, timeout, pause time.Duration) error {
	var errs []error
	if maxSpeech < MinMaxSpeech || maxSpeech > MaxMaxSpeech {
		errs = append(errs, fmt.Errorf("max speech %v is out of range [%v, %v]", maxSpeech, MinMaxSpeech, MaxMaxSpeech))
	}
	if timeout < 0 || timeout > MaxTimeout {
		errs = append(errs, fmt.Errorf("timeout %v is out of range [0, %v]", timeout, MaxTimeout))
	}
	if pause < MinPause || pause > MaxPause {
		errs = append(errs, fmt.Errorf("pause %v is out of range [%v, %v]", pause, MinPause, MaxPause))
	}
	return errors.Join(errs...)
}
