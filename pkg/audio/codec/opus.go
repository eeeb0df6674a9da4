// Package codec adapts the Opus codec to the earshot pipeline. The codec is
// treated as an opaque collaborator: this package only frames PCM into
// fixed-duration packets and maps codec failures onto the engine error
// taxonomy.
package codec

import (
	"fmt"
	"slices"

	"layeh.com/gopus"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
)

// Version is the codec adapter's compatibility version.
const Version = 1

// FrameMs is the packet duration. Opus supports 2.5 to 60 ms; 20 ms is the
// usual voice setting.
const FrameMs = 20

// maxPacketBytes bounds a single encoded packet.
const maxPacketBytes = 4000

// SupportedRates lists the sample rates Opus accepts.
var SupportedRates = []int{8000, 12000, 16000, 24000, 48000}

var _ audio.PacketCodec = (*Opus)(nil)

// Opus encodes and decodes mono PCM. Encoder and decoder state is kept
// across calls, so one Opus value serves exactly one stream direction per
// use. It is not safe for concurrent use.
type Opus struct {
	rate      int
	frameSize int
	enc       *gopus.Encoder
	dec       *gopus.Decoder
}

// New returns an Opus adapter for mono audio at rate.
func New(rate int) (*Opus, error) {
	if !slices.Contains(SupportedRates, rate) {
		return nil, fmt.Errorf("codec: opus sample rate %d: %w", rate, engine.ErrInvalidConfig)
	}
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(rate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{
		rate:      rate,
		frameSize: rate * FrameMs / 1000,
		enc:       enc,
		dec:       dec,
	}, nil
}

// Bitrate limits in bits per second.
const (
	MinBitrate = 6000
	MaxBitrate = 510000
)

// SetBitrate sets the encoder's target bitrate.
func (o *Opus) SetBitrate(bps int) error {
	if bps < MinBitrate || bps > MaxBitrate {
		return fmt.Errorf("codec: opus bitrate %d: %w", bps, engine.ErrInvalidConfig)
	}
	o.enc.SetBitrate(bps)
	return nil
}

// SampleRate returns the codec's sample rate.
func (o *Opus) SampleRate() int { return o.rate }

// FrameSize returns the number of samples per packet.
func (o *Opus) FrameSize() int { return o.frameSize }

// Encode compresses samples into 20 ms packets. A trailing partial packet is
// zero-padded, so decoding yields a multiple of [Opus.FrameSize] samples.
func (o *Opus) Encode(samples []int16) ([][]byte, error) {
	var packets [][]byte
	for i := 0; i < len(samples); i += o.frameSize {
		chunk := samples[i:min(i+o.frameSize, len(samples))]
		if len(chunk) < o.frameSize {
			padded := make([]int16, o.frameSize)
			copy(padded, chunk)
			chunk = padded
		}
		p, err := o.enc.Encode(chunk, o.frameSize, maxPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode: %w", err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// Decode expands one packet. Empty or corrupt packets wrap
// [engine.ErrDecode].
func (o *Opus) Decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("codec: opus decode: empty packet: %w", engine.ErrDecode)
	}
	// 120 ms is the longest frame an Opus packet can carry.
	pcm, err := o.dec.Decode(packet, o.rate*120/1000, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %v: %w", err, engine.ErrDecode)
	}
	return pcm, nil
}

// EncodeStream compresses samples into the length-prefixed stream format of
// the [audio.Compressed] data type.
func (o *Opus) EncodeStream(samples []int16) ([]byte, error) {
	return audio.Encode(audio.Compressed, samples, o, 0)
}

// DecodeStream expands a complete length-prefixed stream. Trailing bytes that
// do not form a whole packet wrap [engine.ErrDecode].
func (o *Opus) DecodeStream(stream []byte) ([]int16, error) {
	packets, rest := audio.SplitPackets(stream)
	if len(rest) > 0 {
		return nil, fmt.Errorf("codec: opus stream: %d trailing bytes: %w", len(rest), engine.ErrDecode)
	}
	var out []int16
	for _, p := range packets {
		pcm, err := o.Decode(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pcm...)
	}
	return out, nil
}
