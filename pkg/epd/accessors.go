package epd

import (
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
)

// State returns the current episode state.
func (d *Detector) State() (State, error) {
	if err := d.guard.BeginRead(); err != nil {
		return Silence, fmt.Errorf("epd: state: %w", err)
	}
	defer d.guard.EndRead()
	return d.state, nil
}

// TimeoutReason reports why the episode timed out, or NoTimeout.
func (d *Detector) TimeoutReason() (TimeoutReason, error) {
	if err := d.guard.BeginRead(); err != nil {
		return NoTimeout, fmt.Errorf("epd: timeout reason: %w", err)
	}
	defer d.guard.EndRead()
	return d.reason, nil
}

// SpeechBoundary returns the sample offsets of the finished episode's speech,
// widened by the margins and clipped to the audio seen so far. It fails with
// engine.ErrBoundaryNotAvailable until the episode has ended with speech.
func (d *Detector) SpeechBoundary(marginStart, marginEnd time.Duration) (start, end int64, err error) {
	if marginStart < 0 || marginEnd < 0 {
		return -1, -1, fmt.Errorf("epd: speech boundary: negative margin: %w", engine.ErrInvalidConfig)
	}
	if err := d.guard.BeginRead(); err != nil {
		return -1, -1, fmt.Errorf("epd: speech boundary: %w", err)
	}
	defer d.guard.EndRead()
	if !d.state.Final() || d.start < 0 || d.end < 0 {
		return -1, -1, fmt.Errorf("epd: speech boundary: %w", engine.ErrBoundaryNotAvailable)
	}
	return d.widenStart(marginStart), d.widenEnd(marginEnd), nil
}

func (d *Detector) widenStart(m time.Duration) int64 {
	return min(max(d.start-d.samples(m), 0), d.seen)
}

func (d *Detector) widenEnd(m time.Duration) int64 {
	return max(min(d.end+d.samples(m), d.seen), d.widenStart(0))
}

// SpeechStartPoint returns the speech start offset minus margin, once speech
// has started.
func (d *Detector) SpeechStartPoint(margin time.Duration) (int64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return -1, fmt.Errorf("epd: speech start: %w", err)
	}
	defer d.guard.EndRead()
	if d.start < 0 {
		return -1, fmt.Errorf("epd: speech start: %w", engine.ErrBoundaryNotAvailable)
	}
	return d.widenStart(max(margin, 0)), nil
}

// SpeechEndPoint returns the speech end offset plus margin, once speech has
// ended.
func (d *Detector) SpeechEndPoint(margin time.Duration) (int64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return -1, fmt.Errorf("epd: speech end: %w", err)
	}
	defer d.guard.EndRead()
	if d.end < 0 {
		return -1, fmt.Errorf("epd: speech end: %w", engine.ErrBoundaryNotAvailable)
	}
	return d.widenEnd(max(margin, 0)), nil
}

// SpeechStartDetectPoint returns the offset at which the start of speech was
// decided, which trails the start itself.
func (d *Detector) SpeechStartDetectPoint() (int64, error) {
	return d.point("speech start detect point", func() int64 { return d.startDetect })
}

// SpeechEndDetectPoint returns the offset at which the episode ended.
func (d *Detector) SpeechEndDetectPoint() (int64, error) {
	return d.point("speech end detect point", func() int64 { return d.endDetect })
}

func (d *Detector) point(name string, get func() int64) (int64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return -1, fmt.Errorf("epd: %s: %w", name, err)
	}
	defer d.guard.EndRead()
	if v := get(); v >= 0 {
		return v, nil
	}
	return -1, fmt.Errorf("epd: %s: %w", name, engine.ErrBoundaryNotAvailable)
}

// ConsecutivePauseLength returns how long the signal has stayed below EOS
// during active speech.
func (d *Detector) ConsecutivePauseLength() (time.Duration, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: pause length: %w", err)
	}
	defer d.guard.EndRead()
	return audio.DurationOf(d.pauseRun, d.rate), nil
}

// VADInfo describes how the most recent analysed frame was classified.
type VADInfo struct {
	// Energy is the frame energy in dB.
	Energy float64
	// NoiseFloor is the noise estimate in dB, after noise masking.
	NoiseFloor float64
	// SNR is Energy minus NoiseFloor.
	SNR    float64
	Speech bool
	// Pause is the current consecutive pause length.
	Pause time.Duration
}

// VADInfo returns the voice activity diagnostics of the last analysed frame.
func (d *Detector) VADInfo() (VADInfo, error) {
	if err := d.guard.BeginRead(); err != nil {
		return VADInfo{}, fmt.Errorf("epd: vad info: %w", err)
	}
	defer d.guard.EndRead()
	return VADInfo{
		Energy:     d.energy,
		NoiseFloor: d.noiseFloor(),
		SNR:        d.snr,
		Speech:     d.isSpeech,
		Pause:      audio.DurationOf(d.pauseRun, d.rate),
	}, nil
}

// SignalAmplitude returns the peak absolute sample of the last frame.
func (d *Detector) SignalAmplitude() (int, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: signal amplitude: %w", err)
	}
	defer d.guard.EndRead()
	return d.signalAmp, nil
}

// SpeechAmplitude returns the peak absolute sample of the last frame if it
// was speech, else 0.
func (d *Detector) SpeechAmplitude() (int, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: speech amplitude: %w", err)
	}
	defer d.guard.EndRead()
	return d.speechAmp, nil
}

// SOSThreshold returns the start of speech threshold in dB.
func (d *Detector) SOSThreshold() (float64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: sos threshold: %w", err)
	}
	defer d.guard.EndRead()
	return d.sos, nil
}

// EOSThreshold returns the end of speech threshold in dB.
func (d *Detector) EOSThreshold() (float64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: eos threshold: %w", err)
	}
	defer d.guard.EndRead()
	return d.eos, nil
}

// SetSOSThreshold sets the start of speech threshold and returns the previous
// one. It applies from the next frame.
func (d *Detector) SetSOSThreshold(v float64) (float64, error) {
	return d.setThreshold("sos", &d.sos, v)
}

// SetEOSThreshold sets the end of speech threshold and returns the previous
// one. It applies from the next frame.
func (d *Detector) SetEOSThreshold(v float64) (float64, error) {
	return d.setThreshold("eos", &d.eos, v)
}

func (d *Detector) setThreshold(name string, dst *float64, v float64) (float64, error) {
	if err := checkThreshold(name, v); err != nil {
		return 0, fmt.Errorf("epd: set %s threshold: %w: %w", name, engine.ErrInvalidConfig, err)
	}
	if err := d.guard.BeginWrite(); err != nil {
		return 0, fmt.Errorf("epd: set %s threshold: %w", name, err)
	}
	defer d.guard.EndWrite()
	prev := *dst
	*dst = v
	return prev, nil
}

// NoiseMaskingLevel returns the noise masking level in dB.
func (d *Detector) NoiseMaskingLevel() (float64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: noise masking level: %w", err)
	}
	defer d.guard.EndRead()
	return d.noiseMasking, nil
}

// SetNoiseMaskingLevel sets the lower bound of the noise estimate in dB. 0
// disables masking.
func (d *Detector) SetNoiseMaskingLevel(db float64) error {
	if err := checkNoiseMasking(db); err != nil {
		return fmt.Errorf("epd: set noise masking level: %w: %w", engine.ErrInvalidConfig, err)
	}
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("epd: set noise masking level: %w", err)
	}
	defer d.guard.EndWrite()
	d.noiseMasking = db
	return nil
}

// ModelName returns the active profile name.
func (d *Detector) ModelName() (string, error) {
	if err := d.guard.BeginRead(); err != nil {
		return "", fmt.Errorf("epd: model name: %w", err)
	}
	defer d.guard.EndRead()
	return d.model, nil
}

// SetModelName switches to the named profile, replacing the SOS and EOS
// thresholds with the profile's.
func (d *Detector) SetModelName(name string) error {
	p, err := LookupProfile(name)
	if err != nil {
		return err
	}
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("epd: set model name: %w", err)
	}
	defer d.guard.EndWrite()
	d.model = name
	d.sos, d.eos, d.minSpeech = p.SOS, p.EOS, p.MinSpeech
	return nil
}

// Limits are the duration guards of an episode.
type Limits struct {
	MaxSpeech time.Duration
	Timeout   time.Duration
	Pause     time.Duration
}

// Limits returns the current duration guards.
func (d *Detector) Limits() (Limits, error) {
	if err := d.guard.BeginRead(); err != nil {
		return Limits{}, fmt.Errorf("epd: limits: %w", err)
	}
	defer d.guard.EndRead()
	return Limits{MaxSpeech: d.maxSpeech, Timeout: d.timeout, Pause: d.pause}, nil
}

// SetMaxSpeechDuration replaces the duration guards. They apply from the next
// frame.
func (d *Detector) SetMaxSpeechDuration(maxSpeech, timeout, pause time.Duration) error {
	if err := checkDurations(maxSpeech, timeout, pause); err != nil {
		return fmt.Errorf("epd: set max speech duration: %w: %w", engine.ErrInvalidConfig, err)
	}
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("epd: set max speech duration: %w", err)
	}
	defer d.guard.EndWrite()
	d.maxSpeech, d.timeout, d.pause = maxSpeech, timeout, pause
	if want := d.recordCap(); want > d.rec.Cap() {
		grown := audio.NewRingBuffer(want)
		grown.Reset(d.rec.Oldest())
		grown.Write(d.rec.Oldest(), d.rec.Slice(d.rec.Oldest(), d.rec.End()))
		d.rec = grown
	}
	return nil
}
