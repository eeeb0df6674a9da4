package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/earshot/pkg/engine"
)

// Format describes the sample rate and channel count of an interleaved PCM16
// stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter turns interleaved PCM16 bytes in a client's [Format] into
// mono samples at the detector sample rate. It logs once on the first
// conversion and carries odd trailing bytes over to the next call.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Source Format
	Target int

	carry          []byte
	warnedMismatch sync.Once
}

// NewFormatConverter validates src and returns a converter to mono at target.
func NewFormatConverter(src Format, target int) (*FormatConverter, error) {
	if src.SampleRate <= 0 || target <= 0 {
		return nil, fmt.Errorf("audio: convert %s to %dHz: %w", formatString(src.SampleRate, src.Channels), target, engine.ErrInvalidConfig)
	}
	if src.Channels != 1 && src.Channels != 2 {
		return nil, fmt.Errorf("audio: convert: %d channels unsupported: %w", src.Channels, engine.ErrInvalidConfig)
	}
	return &FormatConverter{Source: src, Target: target}, nil
}

// Convert converts one chunk. Conversion order: downmix first, then resample.
// Resampling is per chunk, so chunk boundaries may shift interpolation by at
// most one sample.
func (c *FormatConverter) Convert(pcm []byte) []int16 {
	if len(c.carry) > 0 {
		pcm = append(c.carry, pcm...)
		c.carry = nil
	}
	align := 2 * c.Source.Channels
	if rem := len(pcm) % align; rem != 0 {
		c.carry = append([]byte(nil), pcm[len(pcm)-rem:]...)
		pcm = pcm[:len(pcm)-rem]
	}

	if c.Source.Channels == 1 && c.Source.SampleRate == c.Target {
		return BytesToSamples(pcm)
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format converter: converting input",
			"from", formatString(c.Source.SampleRate, c.Source.Channels),
			"to", formatString(c.Target, 1),
		)
	})

	if c.Source.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return BytesToSamples(ResampleMono16(pcm, c.Source.SampleRate, c.Target))
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		rSample := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		avg := max(min((lSample+rSample)/2, 32767), -32768)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToSamples(pcm)
	return SamplesToBytes(Resample(src, srcRate, dstRate))
}

// Resample converts mono samples from srcRate to dstRate with linear
// interpolation.
func Resample(src []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(src) == 0 {
		return src
	}
	dstLen := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// BytesToSamples converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func BytesToSamples(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
