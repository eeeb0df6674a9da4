// Package pipeline combines a wake-word detector and an end-point detector
// into one session per audio channel. Each frame goes to the wake-word
// detector first so its verdict can cue the end-point detector; every
// completed episode yields exactly one [SpeechSegmentEvent], after which
// both detectors start a new episode.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/codec"
	"github.com/MrWong99/earshot/pkg/engine"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

// Config configures a [Session].
type Config struct {
	// Channel names the audio channel.
	Channel string

	SampleRate int

	// FrameMs is the analysis frame duration.
	FrameMs int

	// BufferMs is the frame buffer capacity; a single push larger than this
	// fails with engine.ErrBufferOverflow.
	BufferMs int

	// InputType is the encoding of bytes given to [Session.Write].
	InputType audio.DataType

	// InputCodec decodes compressed input.
	InputCodec audio.PacketCodec

	// Wakeup configures the wake-word detector; nil runs without one.
	// SampleRate and Logger are taken from this config.
	Wakeup *wakeup.Config

	// EPD configures the end-point detector. SampleRate and Logger are taken
	// from this config.
	EPD epd.Config

	// MarginStart and MarginEnd widen reported segments.
	MarginStart time.Duration
	MarginEnd   time.Duration

	// Encode adds Opus packets to every event.
	Encode bool

	// Bitrate is the Opus target in bits per second. 0 keeps the encoder
	// default.
	Bitrate int

	Logger *slog.Logger
}

// DefaultConfig returns a 16 kHz PCM16 configuration with 10 ms frames, the
// default wake-word model and default end-point detection.
func DefaultConfig(channel string) Config {
	return Config{
		Channel:    channel,
		SampleRate: 16000,
		FrameMs:    10,
		BufferMs:   2000,
		InputType:  audio.PCM16,
		Wakeup:     &wakeup.Config{Mode: wakeup.Online},
		EPD:        epd.DefaultConfig(),
	}
}

// Session runs the detectors of one channel. All methods are safe for
// concurrent use; calls are serialized.
type Session struct {
	mu sync.Mutex

	id       uuid.UUID
	channel  string
	rate     int
	frameLen int
	cfg      Config
	log      *slog.Logger

	in   *audio.Input
	buf  *audio.FrameBuffer
	wake *wakeup.Detector
	epd  *epd.Detector
	opus *codec.Opus

	frames   int64
	seq      int
	closed   bool
	featOff  int64
	cued     bool
	keyword  string
	verdict  wakeup.Verdict
	wakeConf float64
	peakSNR  float64
}

// NewSession validates cfg and builds the session's detectors.
func NewSession(cfg Config) (*Session, error) {
	if !audio.ValidSampleRate(cfg.SampleRate) {
		return nil, fmt.Errorf("pipeline: sample rate %d: %w", cfg.SampleRate, engine.ErrInvalidConfig)
	}
	frameLen := int(audio.SamplesForMs(cfg.FrameMs, cfg.SampleRate))
	if cfg.FrameMs <= 0 || frameLen*1000 != cfg.FrameMs*cfg.SampleRate {
		return nil, fmt.Errorf("pipeline: frame duration %d ms: %w", cfg.FrameMs, engine.ErrInvalidConfig)
	}
	if cfg.MarginStart < 0 || cfg.MarginEnd < 0 {
		return nil, fmt.Errorf("pipeline: negative margin: %w", engine.ErrInvalidConfig)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New()
	log = log.With("channel", cfg.Channel, "session_id", id.String())

	s := &Session{
		id:       id,
		channel:  cfg.Channel,
		rate:     cfg.SampleRate,
		frameLen: frameLen,
		cfg:      cfg,
		log:      log,
	}

	var err error
	if s.in, err = audio.NewInput(cfg.InputType, cfg.InputCodec); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	capacity := int(audio.SamplesForMs(cfg.BufferMs, cfg.SampleRate))
	if s.buf, err = audio.NewFrameBuffer(cfg.SampleRate, frameLen, capacity); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	ecfg := cfg.EPD
	ecfg.SampleRate, ecfg.Logger = cfg.SampleRate, log
	if s.epd, err = epd.New(ecfg); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if cfg.Wakeup != nil {
		wcfg := *cfg.Wakeup
		wcfg.SampleRate, wcfg.Logger = cfg.SampleRate, log
		if s.wake, err = wakeup.New(wcfg); err != nil {
			_ = s.epd.Close()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		if got := s.wake.FrameSamples(); got != frameLen {
			_ = s.close()
			return nil, fmt.Errorf("pipeline: keyword model expects %d-sample frames, session uses %d: %w",
				got, frameLen, engine.ErrInvalidConfig)
		}
		s.keyword = s.wake.Keyword()
	}

	if cfg.Encode {
		if s.opus, err = codec.New(cfg.SampleRate); err != nil {
			_ = s.close()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		if cfg.Bitrate != 0 {
			if err = s.opus.SetBitrate(cfg.Bitrate); err != nil {
				_ = s.close()
				return nil, fmt.Errorf("pipeline: %w", err)
			}
		}
	}
	return s, nil
}

// ID returns the session's unique ID.
func (s *Session) ID() uuid.UUID { return s.id }

// Channel returns the channel name.
func (s *Session) Channel() string { return s.channel }

// SampleRate returns the session's sample rate.
func (s *Session) SampleRate() int { return s.rate }

// Frames returns the number of frames processed so far.
func (s *Session) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Write decodes data per the configured input type and processes it.
func (s *Session) Write(data []byte) ([]SpeechSegmentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("pipeline: write: %w", engine.ErrInvalidHandle)
	}
	if s.in.Type() == audio.FeatureStream {
		values, err := s.in.DecodeFeatures(data)
		if err != nil {
			return nil, fmt.Errorf("pipeline: write: %w", err)
		}
		frames := audio.FeatureFrames(values, s.featOff, s.frameLen, s.rate)
		s.featOff += int64(len(values) * s.frameLen)
		return s.run(frames)
	}
	samples, err := s.in.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: write: %w", err)
	}
	return s.push(samples)
}

// Push processes decoded PCM.
func (s *Session) Push(samples []int16) ([]SpeechSegmentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("pipeline: push: %w", engine.ErrInvalidHandle)
	}
	return s.push(samples)
}

func (s *Session) push(samples []int16) ([]SpeechSegmentEvent, error) {
	if err := s.buf.Push(samples); err != nil {
		return nil, fmt.Errorf("pipeline: push: %w", err)
	}
	var events []SpeechSegmentEvent
	for f := range s.buf.Frames() {
		ev, err := s.frame(f, false)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

func (s *Session) run(frames []audio.Frame) ([]SpeechSegmentEvent, error) {
	var events []SpeechSegmentEvent
	for _, f := range frames {
		ev, err := s.frame(f, false)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// Finish processes any buffered partial frame and signals end of stream,
// closing an active episode.
func (s *Session) Finish() ([]SpeechSegmentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("pipeline: finish: %w", engine.ErrInvalidHandle)
	}
	f, ok := s.buf.Flush()
	if !ok {
		off := s.buf.Offset()
		if s.in.Type() == audio.FeatureStream {
			off = s.featOff
		}
		f = audio.Frame{Offset: off, SampleRate: s.rate}
	}
	ev, err := s.frame(f, true)
	if err != nil || ev == nil {
		return nil, err
	}
	return []SpeechSegmentEvent{*ev}, nil
}

func (s *Session) frame(f audio.Frame, eos bool) (*SpeechSegmentEvent, error) {
	s.frames++
	if s.wake != nil && f.Len() > 0 {
		if err := s.wakeFrame(f); err != nil {
			return nil, err
		}
	}
	st, err := s.epd.Run(f, eos)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if st == epd.SpeechActive {
		if info, err := s.epd.VADInfo(); err == nil {
			s.peakSNR = max(s.peakSNR, info.SNR)
		}
	}
	if !st.Final() {
		return nil, nil
	}
	return s.complete(st)
}

func (s *Session) wakeFrame(f audio.Frame) error {
	v, err := s.wake.PutAudio(f)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	s.verdict = v
	switch v {
	case wakeup.Detected, wakeup.DetectedReady:
		if s.cued {
			return nil
		}
		kw, err := s.wake.DetectedAudio()
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		if err := s.epd.MarkWakeup(kw.Base + kw.Start); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		s.cued = true
		s.wakeConf, _ = s.wake.Score()
		s.log.Info("wake word detected", "keyword", s.keyword, "score", s.wakeConf, "start", kw.Base+kw.Start)
	case wakeup.Rejected:
		// A rejected candidate is not an episode; keep spotting.
		s.verdict = wakeup.Detecting
		if err := s.wake.Reset(); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}
	return nil
}

func (s *Session) complete(st epd.State) (*SpeechSegmentEvent, error) {
	reason, _ := s.epd.TimeoutReason()
	start, end, err := s.epd.SpeechBoundary(s.cfg.MarginStart, s.cfg.MarginEnd)
	if errors.Is(err, engine.ErrBoundaryNotAvailable) {
		s.log.Debug("episode ended without speech", "state", st.String(), "reason", reason.String())
		if s.cued {
			return nil, s.nextEpisode()
		}
		// The wake-word window may hold a keyword in progress.
		if err := s.epd.Restart(); err != nil {
			return nil, fmt.Errorf("pipeline: start next episode: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	rec, base, err := s.epd.InputData()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	lo := min(max(start-base, 0), int64(len(rec)))
	hi := min(max(end-base, lo), int64(len(rec)))
	samples := rec[lo:hi]

	out, err := s.epd.OutputData()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	s.seq++
	ev := SpeechSegmentEvent{
		ID:          uuid.New(),
		SessionID:   s.id,
		Channel:     s.channel,
		Seq:         s.seq,
		Start:       start,
		End:         end,
		SampleRate:  s.rate,
		Confidence:  min(max(s.peakSNR, 0)/epd.MaxThreshold, 1),
		WakeVerdict: s.verdict,
		State:       st,
		Reason:      reason,
		Samples:     samples,
		Output:      out,
		DetectedAt:  time.Now(),
	}
	if s.cued {
		ev.Keyword, ev.Confidence = s.keyword, s.wakeConf
	}
	if s.opus != nil && len(samples) > 0 {
		if ev.Encoded, err = s.opus.Encode(samples); err != nil {
			return nil, fmt.Errorf("pipeline: encode segment: %w", err)
		}
	}
	s.log.Debug("speech segment",
		"seq", ev.Seq,
		"start", ev.StartTime(),
		"end", ev.EndTime(),
		"state", st.String(),
		"keyword", ev.Keyword,
	)
	return &ev, s.nextEpisode()
}

func (s *Session) nextEpisode() error {
	s.cued, s.verdict, s.wakeConf, s.peakSNR = false, wakeup.Detecting, 0, 0
	var errs []error
	if s.wake != nil {
		errs = append(errs, s.wake.Reset())
	}
	errs = append(errs, s.epd.Restart())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: start next episode: %w", err)
	}
	return nil
}

// Tuning carries parameters that may change on a live session. Nil fields
// are left as they are.
type Tuning struct {
	Search       *wakeup.Search
	SOS          *float64
	EOS          *float64
	NoiseMasking *float64
	Limits       *epd.Limits
}

// Tune applies t from the next frame.
func (s *Session) Tune(t Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pipeline: tune: %w", engine.ErrInvalidHandle)
	}
	var errs []error
	if t.Search != nil && s.wake != nil {
		errs = append(errs, s.wake.SetSearch(*t.Search))
	}
	if t.SOS != nil {
		_, err := s.epd.SetSOSThreshold(*t.SOS)
		errs = append(errs, err)
	}
	if t.EOS != nil {
		_, err := s.epd.SetEOSThreshold(*t.EOS)
		errs = append(errs, err)
	}
	if t.NoiseMasking != nil {
		errs = append(errs, s.epd.SetNoiseMaskingLevel(*t.NoiseMasking))
	}
	if t.Limits != nil {
		errs = append(errs, s.epd.SetMaxSpeechDuration(t.Limits.MaxSpeech, t.Limits.Timeout, t.Limits.Pause))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: tune: %w", err)
	}
	return nil
}

// Close releases both detectors. Later calls fail with
// engine.ErrInvalidHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pipeline: close: %w", engine.ErrInvalidHandle)
	}
	s.closed = true
	return s.close()
}

func (s *Session) close() error {
	var errs []error
	if s.wake != nil {
		errs = append(errs, s.wake.Close())
	}
	errs = append(errs, s.epd.Close())
	return errors.Join(errs...)
}
