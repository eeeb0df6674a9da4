// Package audio provides the sample-level building blocks of the earshot
// pipeline: immutable analysis [Frame] values, the [FrameBuffer] that
// re-chunks variable-length pushes into fixed-size frames, the [RingBuffer]
// that retains recent history for keyword extraction and segment saving, and
// decoders for every supported input [DataType].
//
// All PCM in this package is mono, signed 16-bit, held as []int16. Byte-level
// PCM is always little-endian.
package audio

import (
	"math"
	"time"
)

// SupportedSampleRates lists the sample rates accepted by the detectors.
var SupportedSampleRates = []int{8000, 16000, 32000, 48000}

// ValidSampleRate reports whether rate is one of [SupportedSampleRates].
func ValidSampleRate(rate int) bool {
	for _, r := range SupportedSampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Frame is a fixed-length slice of mono PCM plus its position in the stream.
// Frames are treated as immutable once produced; producers always hand out
// copies so a consumer may retain a frame indefinitely.
type Frame struct {
	// Offset is the sample index of Samples[0], counted from session start.
	Offset int64

	// Samples holds the frame's PCM. Empty for feature-stream frames.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// Feature is a precomputed per-frame energy in dB, set only when the
	// input data type is [FeatureStream].
	Feature float64

	// HasFeature reports whether Feature is valid.
	HasFeature bool

	// FeatureLen is the number of samples a feature frame stands for.
	FeatureLen int
}

// Len returns the number of samples the frame covers.
func (f Frame) Len() int {
	if f.HasFeature && len(f.Samples) == 0 {
		return f.FeatureLen
	}
	return len(f.Samples)
}

// End returns the sample index one past the frame's last sample.
func (f Frame) End() int64 {
	return f.Offset + int64(f.Len())
}

// Duration returns the frame's playback duration.
func (f Frame) Duration() time.Duration {
	return DurationOf(int64(f.Len()), f.SampleRate)
}

// EnergyDB returns the frame's mean power in decibels relative to one LSB of
// 16-bit PCM. Digital silence yields 0 and a full-scale square wave yields
// about 90.3. Feature frames return their precomputed value.
func (f Frame) EnergyDB() float64 {
	if f.HasFeature {
		return f.Feature
	}
	return EnergyDB(f.Samples)
}

// Peak returns the largest absolute sample value in the frame.
func (f Frame) Peak() int {
	peak := 0
	for _, s := range f.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// EnergyDB returns the mean power of samples in decibels relative to one LSB.
func EnergyDB(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return 10 * math.Log10(sum/float64(len(samples))+1)
}

// SamplesFor converts d into a sample count at rate, rounding down.
func SamplesFor(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

// SamplesForMs converts a millisecond count into a sample count at rate.
func SamplesForMs(ms int, rate int) int64 {
	return int64(ms) * int64(rate) / 1000
}

// DurationOf converts a sample count at rate into a duration.
func DurationOf(samples int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples * int64(time.Second) / int64(rate))
}
