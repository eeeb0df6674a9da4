// Package epd implements a streaming end-point detector: it tracks speech
// presence over a frame sequence and reports where an utterance starts and
// ends.
//
// An episode starts in Silence and ends in SpeechEnded or TimedOut:
//
//	Silence ──(SNR ≥ SOS for MinSpeech, or wake cue)──▶ SpeechActive
//	Silence ──(no speech within Timeout)──────────────▶ TimedOut
//	SpeechActive ──(pause ≥ Pause, or end of stream)──▶ SpeechEnded
//	SpeechActive ──(speech ≥ MaxSpeech)───────────────▶ TimedOut
//
// The final states repeat until [Detector.Restart] or [Detector.Reset].
package epd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
)

// Version is the end-point detector's compatibility version.
const Version = 2

// State is the per-frame outcome of [Detector.Run]. The integer values are
// the flat API's return codes.
type State int

const (
	Silence      State = 0
	SpeechActive State = 1
	SpeechEnded  State = 2
	TimedOut     State = 3
)

// String returns a lower-case name for s.
func (s State) String() string {
	switch s {
	case Silence:
		return "silence"
	case SpeechActive:
		return "speech-active"
	case SpeechEnded:
		return "speech-ended"
	case TimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Final reports whether s ends the episode.
func (s State) Final() bool { return s == SpeechEnded || s == TimedOut }

// TimeoutReason tells the two ways of reaching TimedOut apart.
type TimeoutReason int

const (
	NoTimeout TimeoutReason = iota
	// NoSpeech: speech did not start within the timeout.
	NoSpeech
	// MaxLength: speech ran past the maximum speech duration.
	MaxLength
)

func (r TimeoutReason) String() string {
	switch r {
	case NoTimeout:
		return "none"
	case NoSpeech:
		return "no-speech"
	case MaxLength:
		return "max-length"
	default:
		return fmt.Sprintf("TimeoutReason(%d)", int(r))
	}
}

// noiseRise is how fast the noise floor follows louder input, per frame.
const noiseRise = 0.02

// Detector is an end-point detection session. Mutating calls must not
// overlap; an overlapping call fails with engine.ErrConcurrentAccess.
// Read-only accessors may run concurrently with each other.
type Detector struct {
	guard engine.Guard

	rate   int
	outTyp audio.DataType
	codec  audio.PacketCodec
	log    *slog.Logger

	mode         Mode
	policy       Policy
	model        string
	sos, eos     float64
	minSpeech    time.Duration
	noiseMasking float64
	maxSpeech    time.Duration
	timeout      time.Duration
	pause        time.Duration
	flush        time.Duration

	// Recording of raw input since the last Reset.
	rec *audio.RingBuffer

	// Noise estimate; survives Restart.
	floor     float64
	haveFloor bool

	// Episode.
	state       State
	reason      TimeoutReason
	origin      int64 // offset of the episode's first frame
	run         int64 // consecutive samples above SOS while silent
	runStart    int64
	pauseRun    int64
	cueAt       int64
	start       int64
	end         int64
	startDetect int64
	endDetect   int64
	lastSpeech  int64
	seen        int64

	// Last frame diagnostics.
	energy    float64
	snr       float64
	isSpeech  bool
	signalAmp int
	speechAmp int

	// Output.
	frameLen   int
	outPending []int16
	out        []byte
}

// New validates cfg and returns a detector in the Silence state.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := profiles[cfg.Model]
	d := &Detector{
		rate:         cfg.SampleRate,
		outTyp:       cfg.OutputType,
		codec:        cfg.Codec,
		log:          log.With("component", "epd"),
		mode:         cfg.Mode,
		policy:       cfg.Policy,
		model:        cfg.Model,
		sos:          cfg.SOS,
		eos:          cfg.EOS,
		minSpeech:    p.MinSpeech,
		noiseMasking: cfg.NoiseMasking,
		maxSpeech:    cfg.MaxSpeech,
		timeout:      cfg.Timeout,
		pause:        cfg.Pause,
		flush:        cfg.Flush,
	}
	d.rec = audio.NewRingBuffer(d.recordCap())
	d.resetEpisode()
	return d, nil
}

// recordCap is enough to hold the longest possible episode.
func (d *Detector) recordCap() int {
	total := d.flush + d.timeout + d.maxSpeech + d.pause + time.Second
	return int(audio.SamplesFor(total, d.rate))
}

func (d *Detector) samples(t time.Duration) int64 { return audio.SamplesFor(t, d.rate) }

func (d *Detector) resetEpisode() {
	d.state = Silence
	d.reason = NoTimeout
	d.origin = -1
	d.run, d.runStart, d.pauseRun = 0, -1, 0
	d.cueAt = -1
	d.start, d.end = -1, -1
	d.startDetect, d.endDetect = -1, -1
	d.lastSpeech = -1
	d.isSpeech = false
	d.speechAmp = 0
	d.outPending = d.outPending[:0]
	d.out = d.out[:0]
}

// Reset starts over: a new episode in mode, with the noise estimate and the
// input recording discarded.
func (d *Detector) Reset(mode Mode) error {
	if mode != Detect && mode != Record {
		return fmt.Errorf("epd: reset: mode %d: %w", int(mode), engine.ErrInvalidConfig)
	}
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("epd: reset: %w", err)
	}
	defer d.guard.EndWrite()
	d.mode = mode
	d.haveFloor, d.floor = false, 0
	d.rec.Reset(d.rec.End())
	d.resetEpisode()
	return nil
}

// Restart starts a new episode keeping the noise estimate and recording.
func (d *Detector) Restart() error {
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("epd: restart: %w", err)
	}
	defer d.guard.EndWrite()
	d.resetEpisode()
	return nil
}

// Close releases the session. Every later call fails with
// engine.ErrInvalidHandle.
func (d *Detector) Close() error {
	if err := d.guard.Close(); err != nil {
		return fmt.Errorf("epd: close: %w", err)
	}
	d.rec = audio.NewRingBuffer(1)
	d.out, d.outPending = nil, nil
	return nil
}

// MarkWakeup delivers a wake-word cue: the keyword started at the given
// stream offset. Its effect depends on the configured [Policy].
func (d *Detector) MarkWakeup(offset int64) error {
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("epd: mark wakeup: %w", err)
	}
	defer d.guard.EndWrite()
	if offset < 0 {
		return fmt.Errorf("epd: mark wakeup: offset %d: %w", offset, engine.ErrInvalidConfig)
	}
	d.cueAt = offset
	return nil
}

// Prerun feeds a frame to the noise estimate only. Use it on audio captured
// before the session proper starts.
func (d *Detector) Prerun(f audio.Frame) error {
	if err := d.guard.BeginWrite(); err != nil {
		return fmt.Errorf("epd: prerun: %w", err)
	}
	defer d.guard.EndWrite()
	if err := d.checkRate(f); err != nil {
		return err
	}
	d.trackFloor(f.EnergyDB())
	return nil
}

func (d *Detector) checkRate(f audio.Frame) error {
	if f.SampleRate != 0 && f.SampleRate != d.rate {
		return fmt.Errorf("epd: frame at %dHz, session at %dHz: %w", f.SampleRate, d.rate, engine.ErrInvalidConfig)
	}
	return nil
}

// trackFloor follows drops immediately and rises slowly. The noise masking
// level bounds the estimate from below.
func (d *Detector) trackFloor(e float64) {
	switch {
	case !d.haveFloor:
		d.floor, d.haveFloor = e, true
	case e < d.floor:
		d.floor = e
	default:
		d.floor += (e - d.floor) * noiseRise
	}
}

func (d *Detector) noiseFloor() float64 {
	return max(d.floor, d.noiseMasking)
}

// Run advances the detector by one frame. endOfStream ends an active episode
// with this frame. After SpeechEnded or TimedOut the detector keeps
// recording input but repeats the state until Restart or Reset.
func (d *Detector) Run(f audio.Frame, endOfStream bool) (State, error) {
	if err := d.guard.BeginWrite(); err != nil {
		return Silence, fmt.Errorf("epd: run: %w", err)
	}
	defer d.guard.EndWrite()
	if err := d.checkRate(f); err != nil {
		return d.state, err
	}

	if len(f.Samples) > 0 {
		d.rec.Write(f.Offset, f.Samples)
	}
	d.seen = max(d.seen, f.End())
	d.signalAmp = f.Peak()
	d.frameLen = f.Len()
	if d.state.Final() {
		return d.state, nil
	}
	if d.origin < 0 {
		d.origin = f.Offset
	}
	if f.End() <= d.origin+d.samples(d.flush) {
		return d.state, nil
	}

	d.energy = f.EnergyDB()
	if !d.haveFloor {
		d.trackFloor(d.energy)
	}
	d.snr = d.energy - d.noiseFloor()

	var err error
	switch d.state {
	case Silence:
		err = d.silent(f)
	case SpeechActive:
		err = d.speaking(f, endOfStream)
	}
	return d.state, err
}

func (d *Detector) silent(f audio.Frame) error {
	analysisStart := d.origin + d.samples(d.flush)

	switch {
	case d.mode == Record:
		return d.startSpeech(f.Offset, f)
	case d.policy == WakeupOrEnergy && d.cueAt >= 0:
		return d.startSpeech(max(d.cueAt, d.origin), f)
	}

	gated := d.policy == WakeupGated && (d.cueAt < 0 || f.Offset < d.cueAt)
	d.isSpeech = d.snr >= d.sos && !gated
	d.trackFloor(d.energy)
	if d.isSpeech {
		if d.run == 0 {
			d.runStart = f.Offset
		}
		d.run += int64(f.Len())
		if d.run >= d.samples(d.minSpeech) {
			return d.startSpeech(d.runStart, f)
		}
	} else {
		d.run = 0
	}

	// A gated episode waits for its cue without a deadline; the timeout
	// counts from the cue.
	clock := analysisStart
	if d.policy == WakeupGated {
		clock = max(d.cueAt, analysisStart)
	}
	if d.timeout > 0 && (d.policy != WakeupGated || d.cueAt >= 0) &&
		f.End()-clock >= d.samples(d.timeout) {
		d.state, d.reason = TimedOut, NoSpeech
		d.endDetect = f.End()
		d.log.Debug("no speech before timeout", "offset", f.End())
	}
	return nil
}

func (d *Detector) startSpeech(start int64, f audio.Frame) error {
	d.state = SpeechActive
	d.start = start
	d.startDetect = f.End()
	d.lastSpeech = f.End()
	d.pauseRun = 0
	d.isSpeech = true
	d.speechAmp = f.Peak()
	d.log.Debug("speech started", "start", d.start, "detected_at", d.startDetect, "snr", d.snr)

	// Speech before this frame is only in the recording.
	if err := d.emit(d.rec.Slice(start, f.Offset)); err != nil {
		return err
	}
	if err := d.emitFrame(f); err != nil {
		return err
	}
	return d.checkMaxLength(f)
}

func (d *Detector) speaking(f audio.Frame, endOfStream bool) error {
	d.isSpeech = d.mode == Record || d.snr >= d.eos
	if d.isSpeech {
		d.pauseRun = 0
		d.lastSpeech = f.End()
		d.speechAmp = f.Peak()
	} else {
		d.pauseRun += int64(f.Len())
		d.speechAmp = 0
		d.trackFloor(d.energy)
	}
	if err := d.emitFrame(f); err != nil {
		return err
	}

	if err := d.checkMaxLength(f); err != nil || d.state != SpeechActive {
		return err
	}
	switch {
	case endOfStream:
		end := d.lastSpeech
		if d.isSpeech {
			end = f.End()
		}
		return d.endSpeech(SpeechEnded, end, f)
	case d.mode == Detect && d.pauseRun >= d.samples(d.pause):
		return d.endSpeech(SpeechEnded, d.lastSpeech, f)
	}
	return nil
}

func (d *Detector) checkMaxLength(f audio.Frame) error {
	if f.End()-d.start < d.samples(d.maxSpeech) {
		return nil
	}
	d.reason = MaxLength
	return d.endSpeech(TimedOut, f.End(), f)
}

func (d *Detector) endSpeech(s State, end int64, f audio.Frame) error {
	d.state = s
	d.end = max(end, d.start)
	d.endDetect = f.End()
	d.log.Debug("speech ended",
		"state", s.String(),
		"start", d.start,
		"end", d.end,
		"reason", d.reason.String(),
	)
	return d.flushOutput()
}
