package api

import (
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

type wakeChannel struct {
	guard engine.Guard
	det   *wakeup.Detector
	buf   *audio.FrameBuffer
}

var wakeChannels engine.Table[*wakeChannel]

// WakeupCreate creates a wake-word session using the built-in model and
// returns its handle, or the zero handle on failure. mode is a
// [wakeup.Mode] code.
func WakeupCreate(sampleRate, mode int) Handle {
	return createWakeup(nil, sampleRate, mode)
}

// WakeupCreateFromFiles creates a wake-word session from a model's net and
// search files.
func WakeupCreateFromFiles(netFile, searchFile string, sampleRate, mode int) Handle {
	m, err := wakeup.LoadModel(netFile, searchFile)
	if err != nil {
		sessionLogger().Warn("wakeup model load failed", "net_file", netFile, "search_file", searchFile, "err", err)
		return 0
	}
	return createWakeup(m, sampleRate, mode)
}

func createWakeup(m *wakeup.Model, sampleRate, mode int) Handle {
	det, err := wakeup.New(wakeup.Config{
		SampleRate: sampleRate,
		Mode:       wakeup.Mode(mode),
		Model:      m,
		Logger:     sessionLogger(),
	})
	if err != nil {
		sessionLogger().Warn("wakeup create failed", "err", err)
		return 0
	}
	frameLen := det.FrameSamples()
	buf, err := audio.NewFrameBuffer(sampleRate, frameLen, sampleRate*int(wakeup.DefaultKeep/time.Second))
	if err != nil {
		_ = det.Close()
		sessionLogger().Warn("wakeup create failed", "err", err)
		return 0
	}
	return wakeChannels.Insert(&wakeChannel{det: det, buf: buf})
}

// WakeupPutAudio feeds PCM of any length and returns the [wakeup.Verdict]
// code after the last complete frame. Every failure, including an invalid
// handle, returns the Error verdict code.
func WakeupPutAudio(h Handle, pcm []int16) int {
	c, err := wakeChannels.Get(h)
	if err != nil {
		return int(wakeup.Error)
	}
	v, err := c.put(pcm)
	if err != nil {
		return int(wakeup.Error)
	}
	return int(v)
}

func (c *wakeChannel) put(pcm []int16) (wakeup.Verdict, error) {
	if err := c.guard.BeginWrite(); err != nil {
		return wakeup.Error, err
	}
	defer c.guard.EndWrite()
	if err := c.buf.Push(pcm); err != nil {
		return wakeup.Error, err
	}
	v, err := c.det.Verdict()
	if err != nil {
		return wakeup.Error, err
	}
	for f := range c.buf.Frames() {
		if v, err = c.det.PutAudio(f); err != nil {
			return wakeup.Error, err
		}
	}
	return v, nil
}

func withWakeup(h Handle, fn func(*wakeup.Detector) error) int {
	c, err := wakeChannels.Get(h)
	if err != nil {
		return status(err)
	}
	return status(fn(c.det))
}

// WakeupReset returns the session to Detecting with a zero score.
func WakeupReset(h Handle) int {
	return withWakeup(h, (*wakeup.Detector).Reset)
}

// WakeupRejectDetection forces the current episode into Rejected.
func WakeupRejectDetection(h Handle) int {
	return withWakeup(h, (*wakeup.Detector).RejectDetection)
}

// WakeupDestroy destroys the session. The handle becomes invalid.
func WakeupDestroy(h Handle) int {
	c, err := wakeChannels.Get(h)
	if err != nil {
		return status(err)
	}
	if err := c.guard.Close(); err != nil {
		return status(err)
	}
	_, _ = wakeChannels.Remove(h)
	return status(c.det.Close())
}

// WakeupScore returns the smoothed keyword score in [0, 1], or a negative
// status.
func WakeupScore(h Handle) float64 {
	return wakeFloat(h, (*wakeup.Detector).Score)
}

// WakeupPower returns the last frame's energy in dB, or a negative status.
func WakeupPower(h Handle) float64 {
	return wakeFloat(h, (*wakeup.Detector).Power)
}

func wakeFloat(h Handle, get func(*wakeup.Detector) (float64, error)) float64 {
	var v float64
	if st := withWakeup(h, func(d *wakeup.Detector) (err error) {
		v, err = get(d)
		return err
	}); st != engine.StatusOK {
		return float64(st)
	}
	return v
}

// WakeupStartTime returns the keyword start in ms, or a negative status.
func WakeupStartTime(h Handle) int {
	return wakeTiming(h, func(t wakeup.Timing) time.Duration { return t.Start })
}

// WakeupEndTime returns the keyword end in ms, or a negative status.
func WakeupEndTime(h Handle) int {
	return wakeTiming(h, func(t wakeup.Timing) time.Duration { return t.End })
}

// WakeupDetectionTime returns the detection offset in ms, or a negative status.
func WakeupDetectionTime(h Handle) int {
	return wakeTiming(h, func(t wakeup.Timing) time.Duration { return t.Detection })
}

// WakeupDelayTime returns how long after the keyword end it was detected, in ms.
func WakeupDelayTime(h Handle) int {
	return wakeTiming(h, func(t wakeup.Timing) time.Duration { return t.Delay })
}

// WakeupSmoothingTime returns the time from the first candidate frame to
// detection, in ms.
func WakeupSmoothingTime(h Handle) int {
	return wakeTiming(h, func(t wakeup.Timing) time.Duration { return t.Smoothing })
}

func wakeTiming(h Handle, pick func(wakeup.Timing) time.Duration) int {
	var v int
	if st := withWakeup(h, func(d *wakeup.Detector) error {
		t, err := d.Timing()
		v = ms(pick(t))
		return err
	}); st != engine.StatusOK {
		return st
	}
	return v
}

// WakeupStartMargin returns the keyword extraction margin in milliseconds.
func WakeupStartMargin(h Handle) int {
	var v int
	if st := withWakeup(h, func(d *wakeup.Detector) error {
		m, err := d.StartMargin()
		v = ms(m)
		return err
	}); st != engine.StatusOK {
		return st
	}
	return v
}

// WakeupSetStartMargin sets the keyword extraction margin and returns the
// previous one in milliseconds, or a negative status.
func WakeupSetStartMargin(h Handle, marginMs int) int {
	var v int
	if st := withWakeup(h, func(d *wakeup.Detector) error {
		prev, err := d.SetStartMargin(fromMs(marginMs))
		v = ms(prev)
		return err
	}); st != engine.StatusOK {
		return st
	}
	return v
}

// WakeupDetectedAudio returns the audio of the detected keyword.
func WakeupDetectedAudio(h Handle) (wakeup.Keyword, int) {
	var kw wakeup.Keyword
	st := withWakeup(h, func(d *wakeup.Detector) (err error) {
		kw, err = d.DetectedAudio()
		return err
	})
	return kw, st
}

// WakeupSessions returns the number of live wake-word sessions.
func WakeupSessions() int { return wakeChannels.Len() }
