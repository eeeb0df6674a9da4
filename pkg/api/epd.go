package api

import (
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/codec"
	"github.com/MrWong99/earshot/pkg/engine"
	"github.com/MrWong99/earshot/pkg/epd"
)

// epdChannel adds byte decoding and framing to an end-point detector.
type epdChannel struct {
	guard engine.Guard

	det      *epd.Detector
	in       *audio.Input
	buf      *audio.FrameBuffer
	rate     int
	frameLen int
	featOff  int64
}

var epdChannels engine.Table[*epdChannel]

// EpdClientChannelStart creates an end-point detection channel and returns
// its handle, or the zero handle when any argument is invalid.
//
// model names a detector profile ("" selects the default). inputType and
// outputType are [audio.DataType] codes, mode an [epd.Mode] code. Durations
// are in seconds except pauseMs.
func EpdClientChannelStart(model string, sampleRate, inputType, outputType, mode, maxSpeechSec, timeoutSec, pauseMs int) Handle {
	c, err := newEpdChannel(model, sampleRate, inputType, outputType, mode, maxSpeechSec, timeoutSec, pauseMs)
	if err != nil {
		sessionLogger().Warn("epd channel start failed", "err", err)
		return 0
	}
	return epdChannels.Insert(c)
}

func newEpdChannel(model string, sampleRate, inputType, outputType, mode, maxSpeechSec, timeoutSec, pauseMs int) (*epdChannel, error) {
	cfg := epd.DefaultConfig()
	cfg.SampleRate = sampleRate
	cfg.OutputType = audio.DataType(outputType)
	cfg.Mode = epd.Mode(mode)
	cfg.MaxSpeech = fromSec(maxSpeechSec)
	cfg.Timeout = fromSec(timeoutSec)
	cfg.Pause = fromMs(pauseMs)
	cfg.Logger = sessionLogger()
	if model != "" {
		p, err := epd.LookupProfile(model)
		if err != nil {
			return nil, err
		}
		cfg.Model, cfg.SOS, cfg.EOS = model, p.SOS, p.EOS
	}

	in := audio.DataType(inputType)
	var pc audio.PacketCodec
	if in == audio.Compressed || cfg.OutputType == audio.Compressed {
		opus, err := codec.New(sampleRate)
		if err != nil {
			return nil, err
		}
		pc = opus
		cfg.Codec = opus
	}

	det, err := epd.New(cfg)
	if err != nil {
		return nil, err
	}
	input, err := audio.NewInput(in, pc)
	if err != nil {
		_ = det.Close()
		return nil, err
	}
	frameLen := int(audio.SamplesForMs(frameMs, sampleRate))
	// Enough for one maximum-length episode per call.
	capacity := int(audio.SamplesFor(cfg.MaxSpeech+cfg.Timeout, sampleRate)) + frameLen
	buf, err := audio.NewFrameBuffer(sampleRate, frameLen, capacity)
	if err != nil {
		_ = det.Close()
		return nil, err
	}
	return &epdChannel{det: det, in: input, buf: buf, rate: sampleRate, frameLen: frameLen}, nil
}

func fromSec(v int) time.Duration { return time.Duration(v) * time.Second }

// decode turns raw input into frames ready for the detector.
func (c *epdChannel) decode(data []byte, flush bool) ([]audio.Frame, error) {
	if c.in.Type() == audio.FeatureStream {
		values, err := c.in.DecodeFeatures(data)
		if err != nil {
			return nil, err
		}
		frames := audio.FeatureFrames(values, c.featOff, c.frameLen, c.rate)
		c.featOff += int64(len(values) * c.frameLen)
		return frames, nil
	}
	samples, err := c.in.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := c.buf.Push(samples); err != nil {
		return nil, err
	}
	var frames []audio.Frame
	for f := range c.buf.Frames() {
		frames = append(frames, f)
	}
	if flush {
		if f, ok := c.buf.Flush(); ok {
			frames = append(frames, f)
		}
	}
	return frames, nil
}

func (c *epdChannel) offset() int64 {
	if c.in.Type() == audio.FeatureStream {
		return c.featOff
	}
	return c.buf.Offset()
}

func (c *epdChannel) run(data []byte, endOfStream bool) (epd.State, error) {
	if err := c.guard.BeginWrite(); err != nil {
		return epd.Silence, err
	}
	defer c.guard.EndWrite()

	frames, err := c.decode(data, endOfStream)
	if err != nil {
		return epd.Silence, err
	}
	if endOfStream && len(frames) == 0 {
		frames = append(frames, audio.Frame{Offset: c.offset(), SampleRate: c.rate})
	}
	if len(frames) == 0 {
		return c.det.State()
	}
	var st epd.State
	for i, f := range frames {
		eos := endOfStream && i == len(frames)-1
		if st, err = c.det.Run(f, eos); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (c *epdChannel) prerun(data []byte) error {
	if err := c.guard.BeginWrite(); err != nil {
		return err
	}
	defer c.guard.EndWrite()
	if c.in.Type() == audio.FeatureStream {
		values, err := c.in.DecodeFeatures(data)
		if err != nil {
			return err
		}
		for _, f := range audio.FeatureFrames(values, 0, c.frameLen, c.rate) {
			if err := c.det.Prerun(f); err != nil {
				return err
			}
		}
		return nil
	}
	samples, err := c.in.Decode(data)
	if err != nil {
		return err
	}
	for len(samples) > 0 {
		n := min(c.frameLen, len(samples))
		if err := c.det.Prerun(audio.Frame{Samples: samples[:n], SampleRate: c.rate}); err != nil {
			return err
		}
		samples = samples[n:]
	}
	return nil
}

// reset drops buffered input along with the detector state.
func (c *epdChannel) reset(mode epd.Mode) error {
	if err := c.guard.BeginWrite(); err != nil {
		return err
	}
	defer c.guard.EndWrite()
	if err := c.det.Reset(mode); err != nil {
		return err
	}
	c.in.Reset()
	return nil
}

func withEpd(h Handle, fn func(*epd.Detector) error) int {
	c, err := epdChannels.Get(h)
	if err != nil {
		return status(err)
	}
	return status(fn(c.det))
}

// EpdClientChannelRelease destroys the channel. The handle becomes invalid.
func EpdClientChannelRelease(h Handle) int {
	c, err := epdChannels.Get(h)
	if err != nil {
		return status(err)
	}
	if err := c.guard.Close(); err != nil {
		return status(err)
	}
	_, _ = epdChannels.Remove(h)
	return status(c.det.Close())
}

// EpdClientChannelReset starts over in mode, discarding the noise estimate
// and the input recording.
func EpdClientChannelReset(h Handle, mode int) int {
	c, err := epdChannels.Get(h)
	if err != nil {
		return status(err)
	}
	return status(c.reset(epd.Mode(mode)))
}

// EpdClientChannelRestart starts a new episode keeping the noise estimate.
func EpdClientChannelRestart(h Handle) int {
	return withEpd(h, (*epd.Detector).Restart)
}

// EpdClientChannelPrerun feeds audio to the noise estimate only.
func EpdClientChannelPrerun(h Handle, data []byte) int {
	c, err := epdChannels.Get(h)
	if err != nil {
		return status(err)
	}
	return status(c.prerun(data))
}

// EpdClientChannelRun processes data, which may hold any number of bytes of
// the channel's input type. It returns the [epd.State] code after the last
// frame, or a negative status. endOfStream also processes a trailing
// partial frame and ends an active episode.
func EpdClientChannelRun(h Handle, data []byte, endOfStream bool) int {
	c, err := epdChannels.Get(h)
	if err != nil {
		return status(err)
	}
	st, err := c.run(data, endOfStream)
	if err != nil {
		return status(err)
	}
	return int(st)
}

// EpdClientChannelOutputDataSize returns the number of output bytes waiting,
// or a negative status.
func EpdClientChannelOutputDataSize(h Handle) int {
	var n int
	if st := withEpd(h, func(d *epd.Detector) (err error) {
		n, err = d.OutputDataSize()
		return err
	}); st != engine.StatusOK {
		return st
	}
	return n
}

// EpdClientChannelOutputData moves up to len(p) waiting output bytes into p
// and returns the number moved, or a negative status.
func EpdClientChannelOutputData(h Handle, p []byte) int {
	var n int
	if st := withEpd(h, func(d *epd.Detector) (err error) {
		n, err = d.ReadOutputData(p)
		return err
	}); st != engine.StatusOK {
		return st
	}
	return n
}

// EpdClientChannelSignalAmplitude returns the peak sample of the last frame.
func EpdClientChannelSignalAmplitude(h Handle) int {
	return intResult(h, (*epd.Detector).SignalAmplitude)
}

// EpdClientChannelSpeechAmplitude returns the peak sample of the last speech
// frame, or zero when it was not speech.
func EpdClientChannelSpeechAmplitude(h Handle) int {
	return intResult(h, (*epd.Detector).SpeechAmplitude)
}

func intResult(h Handle, get func(*epd.Detector) (int, error)) int {
	var v int
	if st := withEpd(h, func(d *epd.Detector) (err error) {
		v, err = get(d)
		return err
	}); st != engine.StatusOK {
		return st
	}
	return v
}

func offsetResult(h Handle, get func(*epd.Detector) (int64, error)) int64 {
	var v int64
	if st := withEpd(h, func(d *epd.Detector) (err error) {
		v, err = get(d)
		return err
	}); st != engine.StatusOK {
		return int64(st)
	}
	return v
}

// EpdClientChannelSpeechBoundary returns the current episode's speech
// boundary in samples, widened by the margins. status is
// [engine.StatusBoundaryNotAvailable] until speech has started.
func EpdClientChannelSpeechBoundary(h Handle, marginStartMs, marginEndMs int) (start, end int64, st int) {
	st = withEpd(h, func(d *epd.Detector) (err error) {
		start, end, err = d.SpeechBoundary(fromMs(marginStartMs), fromMs(marginEndMs))
		return err
	})
	if st != engine.StatusOK {
		return -1, -1, st
	}
	return start, end, st
}

// EpdClientSpeechStartPoint returns the speech start minus margin, in
// samples, or a negative status.
func EpdClientSpeechStartPoint(h Handle, marginMs int) int64 {
	return offsetResult(h, func(d *epd.Detector) (int64, error) { return d.SpeechStartPoint(fromMs(marginMs)) })
}

// EpdClientSpeechEndPoint returns the speech end plus margin, in samples, or
// a negative status.
func EpdClientSpeechEndPoint(h Handle, marginMs int) int64 {
	return offsetResult(h, func(d *epd.Detector) (int64, error) { return d.SpeechEndPoint(fromMs(marginMs)) })
}

// EpdClientSpeechStartDetectPoint returns where the start of speech was
// recognised, in samples, or a negative status.
func EpdClientSpeechStartDetectPoint(h Handle) int64 {
	return offsetResult(h, (*epd.Detector).SpeechStartDetectPoint)
}

// EpdClientSpeechEndDetectPoint returns where the episode ended, in samples,
// or a negative status.
func EpdClientSpeechEndDetectPoint(h Handle) int64 {
	return offsetResult(h, (*epd.Detector).SpeechEndDetectPoint)
}

// EpdClientSaveRecordedSpeechData writes the recorded input to dir/file.
func EpdClientSaveRecordedSpeechData(h Handle, dir, file string) int {
	return withEpd(h, func(d *epd.Detector) error { return d.SaveRecordedSpeechData(dir, file) })
}

// EpdClientSaveEpdSpeechData writes the current episode's speech to dir/file.
func EpdClientSaveEpdSpeechData(h Handle, dir, file string) int {
	return withEpd(h, func(d *epd.Detector) error { return d.SaveEpdSpeechData(dir, file) })
}

// EpdClientConsecutivePauseLength returns the current pause in milliseconds.
func EpdClientConsecutivePauseLength(h Handle) int {
	var v int
	if st := withEpd(h, func(d *epd.Detector) error {
		p, err := d.ConsecutivePauseLength()
		v = ms(p)
		return err
	}); st != engine.StatusOK {
		return st
	}
	return v
}

// EpdClientInputDataSize returns the size in bytes of the recorded input as
// PCM16.
func EpdClientInputDataSize(h Handle) int {
	var v int
	if st := withEpd(h, func(d *epd.Detector) error {
		n, err := d.InputDataSize()
		v = n * 2
		return err
	}); st != engine.StatusOK {
		return st
	}
	return v
}

// EpdClientInputData copies recorded input as little-endian PCM16 into p,
// starting offset bytes into the recording. It returns the number of bytes
// copied, or a negative status.
func EpdClientInputData(h Handle, p []byte, offset int) int {
	if offset < 0 {
		return engine.StatusInvalidConfig
	}
	var v int
	if st := withEpd(h, func(d *epd.Detector) error {
		samples, _, err := d.InputData()
		if err != nil {
			return err
		}
		b := audio.SamplesToBytes(samples)
		if offset > len(b) {
			return fmt.Errorf("api: input data offset %d beyond %d bytes: %w", offset, len(b), engine.ErrInvalidConfig)
		}
		v = copy(p, b[offset:])
		return nil
	}); st != engine.StatusOK {
		return st
	}
	return v
}

// EpdClientSetNoiseMaskingLevel sets the noise floor lower bound in dB.
func EpdClientSetNoiseMaskingLevel(h Handle, db float64) int {
	return withEpd(h, func(d *epd.Detector) error { return d.SetNoiseMaskingLevel(db) })
}

// EpdClientSetModelName switches the detector profile.
func EpdClientSetModelName(h Handle, name string) int {
	return withEpd(h, func(d *epd.Detector) error { return d.SetModelName(name) })
}

// EpdClientVADInfo returns the diagnostics of the last analysed frame.
func EpdClientVADInfo(h Handle) (epd.VADInfo, int) {
	var info epd.VADInfo
	st := withEpd(h, func(d *epd.Detector) (err error) {
		info, err = d.VADInfo()
		return err
	})
	return info, st
}

// EpdClientSOSThreshold returns the start-of-speech threshold, or a negative
// status.
func EpdClientSOSThreshold(h Handle) float64 {
	return floatResult(h, (*epd.Detector).SOSThreshold)
}

// EpdClientEOSThreshold returns the end-of-speech threshold, or a negative
// status.
func EpdClientEOSThreshold(h Handle) float64 {
	return floatResult(h, (*epd.Detector).EOSThreshold)
}

// EpdClientSetSOSThreshold sets the start-of-speech threshold and returns the
// previous one, or a negative status.
func EpdClientSetSOSThreshold(h Handle, v float64) float64 {
	return floatResult(h, func(d *epd.Detector) (float64, error) { return d.SetSOSThreshold(v) })
}

// EpdClientSetEOSThreshold sets the end-of-speech threshold and returns the
// previous one, or a negative status.
func EpdClientSetEOSThreshold(h Handle, v float64) float64 {
	return floatResult(h, func(d *epd.Detector) (float64, error) { return d.SetEOSThreshold(v) })
}

func floatResult(h Handle, get func(*epd.Detector) (float64, error)) float64 {
	var v float64
	if st := withEpd(h, func(d *epd.Detector) (err error) {
		v, err = get(d)
		return err
	}); st != engine.StatusOK {
		return float64(st)
	}
	return v
}

// EpdClientSetMaxSpeechDuration replaces the duration guards.
func EpdClientSetMaxSpeechDuration(h Handle, maxSpeechSec, timeoutSec, pauseMs int) int {
	return withEpd(h, func(d *epd.Detector) error {
		return d.SetMaxSpeechDuration(fromSec(maxSpeechSec), fromSec(timeoutSec), fromMs(pauseMs))
	})
}

// EpdClientChannels returns the number of live channels.
func EpdClientChannels() int { return epdChannels.Len() }
