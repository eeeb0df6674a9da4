// Package wakeup implements a streaming wake-word detector. A [Detector]
// consumes one analysis frame at a time, keeps a smoothed keyword confidence,
// and walks an episode state machine:
//
//	Detecting ──(smoothed ≥ detection)──────────────▶ Detected ──(trailing consumed)──▶ DetectedReady
//	    │
//	    └──(open candidate, smoothed < rejection)──▶ Rejected
//
// Rejected and DetectedReady are terminal until [Detector.Reset].
package wakeup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
)

// Version is the wake-word detector's compatibility version.
const Version = 3

// DefaultKeep is how much recent audio a detector retains for keyword
// extraction.
const DefaultKeep = 5 * time.Second

// Mode selects how the detector is used.
type Mode int

const (
	// Online spots keywords in a continuous live stream.
	Online Mode = iota

	// Verifier re-checks a pre-segmented keyword; an open candidate that
	// does not reach detection within the verify window is rejected.
	Verifier

	// OnlineConnected spots keywords in a stream that continues straight into
	// a query; detection is ready immediately, without trailing context.
	OnlineConnected
)

// String returns the configuration name of m.
func (m Mode) String() string {
	switch m {
	case Online:
		return "online"
	case Verifier:
		return "verifier"
	case OnlineConnected:
		return "online-connected"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode resolves a configuration name such as "online".
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{Online, Verifier, OnlineConnected} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("wakeup: unknown mode %q: %w", s, engine.ErrInvalidConfig)
}

// Verdict is the per-frame outcome of [Detector.PutAudio]. The integer values
// are the flat API's return codes.
type Verdict int

const (
	Error         Verdict = -2
	Rejected      Verdict = -1
	Detecting     Verdict = 0
	Detected      Verdict = 1
	DetectedReady Verdict = 2
)

// String returns a lower-case name for v.
func (v Verdict) String() string {
	switch v {
	case Error:
		return "error"
	case Rejected:
		return "rejected"
	case Detecting:
		return "detecting"
	case Detected:
		return "detected"
	case DetectedReady:
		return "detected-ready"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Terminal reports whether v ends the current episode.
func (v Verdict) Terminal() bool {
	return v == Rejected || v == DetectedReady
}

// Config configures a [Detector].
type Config struct {
	// SampleRate in Hz; one of audio.SupportedSampleRates.
	SampleRate int

	// Mode selects the detection mode.
	Mode Mode

	// Model is the keyword model. Nil selects the built-in default model.
	Model *Model

	// Scorer overrides the template scorer built from Model.
	Scorer Scorer

	// Keep is how much recent audio is retained. Default: [DefaultKeep].
	Keep time.Duration

	// Logger receives debug events. Default: slog.Default().
	Logger *slog.Logger
}

// Timing describes where a detected keyword sits in the stream. All values
// are durations from session start except Delay and Smoothing.
type Timing struct {
	// Start and End bound the best-matching keyword window.
	Start time.Duration
	End   time.Duration

	// Detection is when the smoothed score crossed the detection threshold.
	Detection time.Duration

	// Delay is Detection minus End.
	Delay time.Duration

	// Smoothing is how long the smoothed score stayed at or above the
	// candidate threshold before detection.
	Smoothing time.Duration
}

// Keyword is the audio of a detected keyword.
type Keyword struct {
	// Samples run from the keyword start minus the start margin to the end of
	// retained audio.
	Samples []int16

	// Base is the stream offset of Samples[0].
	Base int64

	// Start, End and Detection are sample positions relative to Base.
	Start     int64
	End       int64
	Detection int64
}

// Detector is a wake-word detection session. Mutating calls must not overlap;
// an overlapping call fails with engine.ErrConcurrentAccess. Read-only
// accessors may run concurrently with each other.
type Detector struct {
	guard engine.Guard

	rate   int
	mode   Mode
	model  *Model
	search Search
	scorer Scorer
	log    *slog.Logger
	ring   *audio.RingBuffer

	startMargin time.Duration

	verdict  Verdict
	raw      float64
	smoothed float64
	power    float64

	candidate   bool
	candidateAt int64
	peakRaw     float64
	peakStart   int64
	peakEnd     int64
	detectedAt  int64
	readyAt     int64
	last        int64 // end offset of the most recent frame
}

// New validates cfg and returns a detector in the Detecting state.
func New(cfg Config) (*Detector, error) {
	if !audio.ValidSampleRate(cfg.SampleRate) {
		return nil, fmt.Errorf("wakeup: sample rate %d: %w", cfg.SampleRate, engine.ErrInvalidConfig)
	}
	switch cfg.Mode {
	case Online, Verifier, OnlineConnected:
	default:
		return nil, fmt.Errorf("wakeup: mode %d: %w", int(cfg.Mode), engine.ErrInvalidConfig)
	}

	model := cfg.Model
	if model == nil {
		var err error
		if model, err = DefaultModel(); err != nil {
			return nil, fmt.Errorf("wakeup: %w: %w", engine.ErrInvalidConfig, err)
		}
	} else {
		if err := model.Validate(); err != nil {
			return nil, err
		}
		model = model.Clone()
	}

	scorer := cfg.Scorer
	if scorer == nil {
		scorer = NewTemplateScorer(model)
	}
	keep := cfg.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &Detector{
		rate:        cfg.SampleRate,
		mode:        cfg.Mode,
		model:       model,
		search:      model.Search,
		scorer:      scorer,
		log:         log.With("component", "wakeup", "keyword", model.Keyword),
		ring:        audio.NewRingBuffer(int(audio.SamplesFor(keep, cfg.SampleRate))),
		startMargin: model.Search.startMargin(),
	}
	d.resetEpisode()
	return d, nil
}

// FrameSamples returns the frame length, in samples, the model expects.
func (d *Detector) FrameSamples() int {
	return d.rate * d.model.FrameMs / 1000
}

// Keyword returns the phrase the detector spots.
func (d *Detector) Keyword() string { return d.model.Keyword }

// PutAudio advances the detector by one frame and returns the verdict for the
// current episode. After a terminal verdict the detector keeps recording audio
// but repeats the verdict until [Detector.Reset].
func (d *Detector) PutAudio(f audio.Frame) (Verdict, error) {
	if err := d.guard.BeginWrite(); err != nil {
		return Error, fmt.Errorf("wakeup: put audio: %w", err)
	}
	defer d.guard.EndWrite()

	if f.SampleRate != 0 && f.SampleRate != d.rate {
		return Error, fmt.Errorf("wakeup: frame at %dHz, session at %dHz: %w", f.SampleRate, d.rate, engine.ErrInvalidConfig)
	}
	if len(f.Samples) > 0 {
		d.ring.Write(f.Offset, f.Samples)
	}
	d.power = f.EnergyDB()
	d.last = f.End()

	switch d.verdict {
	case Rejected, DetectedReady:
		return d.verdict, nil
	case Detected:
		if d.last-d.detectedAt >= d.trailingSamples() {
			d.verdict = DetectedReady
			d.readyAt = d.last
		}
		return d.verdict, nil
	}

	d.raw = d.scorer.Score(f)
	a := d.search.Smoothing
	d.smoothed = a*d.raw + (1-a)*d.smoothed

	// Without an open candidate the peak only counts while its window still
	// overlaps the current one.
	span := int64(d.scorer.Window() * f.Len())
	if !d.candidate && d.peakEnd >= 0 && d.last-d.peakEnd > span {
		d.peakRaw, d.peakStart, d.peakEnd = 0, -1, -1
	}
	if d.raw > d.peakRaw {
		d.peakRaw = d.raw
		d.peakStart = max(0, d.last-span)
		d.peakEnd = d.last
	}

	switch {
	case d.smoothed >= d.search.DetectionThreshold:
		d.detectedAt = d.last
		if !d.candidate {
			d.candidateAt = d.last
		}
		d.verdict = Detected
		if d.trailingSamples() == 0 {
			d.verdict = DetectedReady
			d.readyAt = d.last
		}
		d.log.Debug("keyword detected",
			"score", d.smoothed,
			"offset", d.detectedAt,
			"ready", d.verdict == DetectedReady,
		)
	case d.candidate && d.smoothed < d.search.RejectionThreshold:
		d.verdict = Rejected
		d.log.Debug("keyword candidate rejected", "score", d.smoothed, "offset", d.last)
	case d.candidate && d.mode == Verifier &&
		d.last-d.candidateAt > audio.SamplesFor(d.search.verifyWindow(), d.rate):
		d.verdict = Rejected
		d.log.Debug("keyword candidate timed out", "score", d.smoothed, "offset", d.last)
	case !d.candidate && d.smoothed >= d.search.CandidateThreshold:
		d.candidate = true
		d.candidateAt = d.last
	}
	return d.verdict, nil
}

func (d *Detector) trailingSamples() int64 {
	if d.mode == OnlineConnected {
		return 0
	}
	return audio.SamplesFor(d.search.trailing(), d.rate)
}

// Reset starts a new episode: the verdict returns to Detecting and the score
// to zero. Configuration, retained audio and the stream position are kept.
func (d *Detector) Reset() error {
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("wakeup: reset: %w", err)
	}
	defer d.guard.EndWrite()
	d.resetEpisode()
	return nil
}

func (d *Detector) resetEpisode() {
	d.verdict = Detecting
	d.raw, d.smoothed = 0, 0
	d.candidate = false
	d.candidateAt, d.detectedAt, d.readyAt = -1, -1, -1
	d.peakRaw, d.peakStart, d.peakEnd = 0, -1, -1
	d.scorer.Reset()
}

// RejectDetection forces the current episode into the terminal Rejected
// state.
func (d *Detector) RejectDetection() error {
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("wakeup: reject detection: %w", err)
	}
	defer d.guard.EndWrite()
	d.verdict = Rejected
	return nil
}

// snrGated is implemented by scorers with an SNR gate that follows
// [Search.MinSNR].
type snrGated interface {
	SetMinSNR(db float64)
}

// SetSearch replaces the decision parameters, including the SNR gate and the
// start margin. They apply from the next frame.
func (d *Detector) SetSearch(s Search) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("wakeup: set search: %w", err)
	}
	defer d.guard.EndWrite()
	if audio.SamplesFor(s.startMargin(), d.rate) >= int64(d.ring.Cap()) {
		return fmt.Errorf("wakeup: start margin %v: %w", s.startMargin(), engine.ErrInvalidConfig)
	}
	d.search = s
	d.startMargin = s.startMargin()
	if g, ok := d.scorer.(snrGated); ok {
		g.SetMinSNR(s.MinSNR)
	}
	return nil
}

// SetStartMargin sets the audio prepended to an extracted keyword and returns
// the previous margin. The margin must lie within [0, Keep).
func (d *Detector) SetStartMargin(m time.Duration) (time.Duration, error) {
	if err := d.guard.BeginWrite(); err != nil {
		return 0, fmt.Errorf("wakeup: set start margin: %w", err)
	}
	defer d.guard.EndWrite()
	if m < 0 || audio.SamplesFor(m, d.rate) >= int64(d.ring.Cap()) {
		return 0, fmt.Errorf("wakeup: start margin %v: %w", m, engine.ErrInvalidConfig)
	}
	prev := d.startMargin
	d.startMargin = m
	return prev, nil
}

// Close releases the session. Every later call fails with
// engine.ErrInvalidHandle.
func (d *Detector) Close() error {
	if err := d.guard.Close(); err != nil {
		return fmt.Errorf("wakeup: close: %w", err)
	}
	d.ring = audio.NewRingBuffer(1)
	return nil
}

// Verdict returns the current episode verdict.
func (d *Detector) Verdict() (Verdict, error) {
	if err := d.guard.BeginRead(); err != nil {
		return Error, fmt.Errorf("wakeup: verdict: %w", err)
	}
	defer d.guard.EndRead()
	return d.verdict, nil
}

// Score returns the smoothed keyword confidence in [0, 1].
func (d *Detector) Score() (float64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("wakeup: score: %w", err)
	}
	defer d.guard.EndRead()
	return d.smoothed, nil
}

// RawScore returns the unsmoothed confidence of the most recent frame.
func (d *Detector) RawScore() (float64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("wakeup: raw score: %w", err)
	}
	defer d.guard.EndRead()
	return d.raw, nil
}

// Power returns the energy of the most recent frame in dB.
func (d *Detector) Power() (float64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("wakeup: power: %w", err)
	}
	defer d.guard.EndRead()
	return d.power, nil
}

// StartMargin returns the audio prepended to an extracted keyword.
func (d *Detector) StartMargin() (time.Duration, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("wakeup: start margin: %w", err)
	}
	defer d.guard.EndRead()
	return d.startMargin, nil
}

// Timing returns the keyword position of a detected episode. It fails with
// engine.ErrBoundaryNotAvailable until the detector reports Detected.
func (d *Detector) Timing() (Timing, error) {
	if err := d.guard.BeginRead(); err != nil {
		return Timing{}, fmt.Errorf("wakeup: timing: %w", err)
	}
	defer d.guard.EndRead()
	if d.detectedAt < 0 {
		return Timing{}, fmt.Errorf("wakeup: timing: %w", engine.ErrBoundaryNotAvailable)
	}
	return d.timing(), nil
}

func (d *Detector) timing() Timing {
	at := func(off int64) time.Duration { return audio.DurationOf(off, d.rate) }
	t := Timing{
		Start:     at(d.peakStart),
		End:       at(d.peakEnd),
		Detection: at(d.detectedAt),
		Smoothing: at(d.detectedAt - d.candidateAt),
	}
	t.Delay = t.Detection - t.End
	return t
}

// DetectedAudio extracts the keyword audio of a detected episode from the
// retained stream. It fails with engine.ErrBoundaryNotAvailable until the
// detector reports Detected.
func (d *Detector) DetectedAudio() (Keyword, error) {
	if err := d.guard.BeginRead(); err != nil {
		return Keyword{}, fmt.Errorf("wakeup: detected audio: %w", err)
	}
	defer d.guard.EndRead()
	if d.detectedAt < 0 {
		return Keyword{}, fmt.Errorf("wakeup: detected audio: %w", engine.ErrBoundaryNotAvailable)
	}
	base := max(d.peakStart-audio.SamplesFor(d.startMargin, d.rate), d.ring.Oldest())
	return Keyword{
		Samples:   d.ring.Slice(base, d.ring.End()),
		Base:      base,
		Start:     d.peakStart - base,
		End:       d.peakEnd - base,
		Detection: d.detectedAt - base,
	}, nil
}
