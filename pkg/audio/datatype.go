package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zaf/g711"

	"github.com/MrWong99/earshot/pkg/engine"
)

// DataType tags how raw input or output bytes are to be interpreted.
type DataType int

const (
	// PCM16 is signed 16-bit little-endian linear PCM.
	PCM16 DataType = iota
	// PCM8 is unsigned 8-bit linear PCM, 128 being silence.
	PCM8
	// ALaw is ITU-T G.711 A-law.
	ALaw
	// MuLaw is ITU-T G.711 mu-law.
	MuLaw
	// Compressed is a stream of length-prefixed Opus packets.
	Compressed
	// FeatureStream is a stream of little-endian float32 per-frame energies
	// in dB, one value per analysis frame.
	FeatureStream
)

var dataTypeNames = map[DataType]string{
	PCM16:         "pcm16",
	PCM8:          "pcm8",
	ALaw:          "alaw",
	MuLaw:         "mulaw",
	Compressed:    "compressed",
	FeatureStream: "feature",
}

// String returns the configuration name of t.
func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// IsValid reports whether t is a known data type.
func (t DataType) IsValid() bool {
	_, ok := dataTypeNames[t]
	return ok
}

// ParseDataType resolves a configuration name such as "pcm16" or "mulaw".
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("audio: unknown data type %q: %w", s, engine.ErrInvalidConfig)
}

// PacketCodec is the compressed-stream collaborator used for the
// [Compressed] data type. Package codec provides the Opus implementation.
type PacketCodec interface {
	// Encode compresses samples into one or more packets.
	Encode(samples []int16) ([][]byte, error)
	// Decode expands a single packet. Corrupt packets wrap engine.ErrDecode.
	Decode(packet []byte) ([]int16, error)
}

// maxPacketLen is the largest packet representable by the 2-byte prefix.
const maxPacketLen = math.MaxUint16

// AppendPacket appends packet to dst with its 2-byte big-endian length prefix.
func AppendPacket(dst, packet []byte) ([]byte, error) {
	if len(packet) > maxPacketLen {
		return dst, fmt.Errorf("audio: packet of %d bytes exceeds %d", len(packet), maxPacketLen)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(packet)))
	return append(dst, packet...), nil
}

// SplitPackets parses length-prefixed packets from data. It returns the
// complete packets and the unconsumed tail, which holds a partial packet to be
// completed by the next chunk.
func SplitPackets(data []byte) (packets [][]byte, rest []byte) {
	for len(data) >= 2 {
		n := int(binary.BigEndian.Uint16(data))
		if len(data) < 2+n {
			break
		}
		packets = append(packets, data[2:2+n])
		data = data[2+n:]
	}
	return packets, data
}

// Input converts raw input bytes of one [DataType] into PCM samples or, for
// [FeatureStream], into per-frame energies. Bytes that do not complete a
// sample, float or packet are carried over to the next call, so callers may
// split a stream at arbitrary byte boundaries.
//
// An Input is not safe for concurrent use.
type Input struct {
	typ   DataType
	codec PacketCodec
	carry []byte
}

// NewInput returns an Input for typ. codec is required for [Compressed] and
// ignored otherwise.
func NewInput(typ DataType, codec PacketCodec) (*Input, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("audio: input type %d: %w", int(typ), engine.ErrInvalidConfig)
	}
	if typ == Compressed && codec == nil {
		return nil, fmt.Errorf("audio: compressed input requires a codec: %w", engine.ErrInvalidConfig)
	}
	return &Input{typ: typ, codec: codec}, nil
}

// Type returns the input's data type.
func (in *Input) Type() DataType { return in.typ }

// Decode converts data into PCM samples. It must not be used with
// [FeatureStream]; use [Input.DecodeFeatures] instead.
func (in *Input) Decode(data []byte) ([]int16, error) {
	switch in.typ {
	case PCM16:
		buf := in.join(data)
		n := len(buf) &^ 1
		in.keep(buf[n:])
		return BytesToSamples(buf[:n]), nil
	case PCM8:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = int16(int(b)-128) << 8
		}
		return out, nil
	case ALaw:
		return BytesToSamples(g711.DecodeAlaw(data)), nil
	case MuLaw:
		return BytesToSamples(g711.DecodeUlaw(data)), nil
	case Compressed:
		packets, rest := SplitPackets(in.join(data))
		in.keep(rest)
		var out []int16
		for _, p := range packets {
			pcm, err := in.codec.Decode(p)
			if err != nil {
				return out, fmt.Errorf("audio: compressed input: %w", err)
			}
			out = append(out, pcm...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("audio: %s input carries no samples: %w", in.typ, engine.ErrInvalidConfig)
	}
}

// DecodeFeatures converts a [FeatureStream] chunk into per-frame energies.
// Non-finite values wrap engine.ErrDecode.
func (in *Input) DecodeFeatures(data []byte) ([]float64, error) {
	if in.typ != FeatureStream {
		return nil, fmt.Errorf("audio: %s input carries no features: %w", in.typ, engine.ErrInvalidConfig)
	}
	buf := in.join(data)
	n := len(buf) &^ 3
	in.keep(buf[n:])
	out := make([]float64, 0, n/4)
	for i := 0; i < n; i += 4 {
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, fmt.Errorf("audio: feature %d is not finite: %w", i/4, engine.ErrDecode)
		}
		out = append(out, v)
	}
	return out, nil
}

// Reset drops any carried partial input.
func (in *Input) Reset() { in.carry = in.carry[:0] }

func (in *Input) join(data []byte) []byte {
	if len(in.carry) == 0 {
		return data
	}
	return append(in.carry, data...)
}

func (in *Input) keep(rest []byte) {
	in.carry = append(in.carry[:0:0], rest...)
}

// FeatureFrames wraps feature values as frames starting at offset, each
// standing for frameLen samples at rate.
func FeatureFrames(values []float64, offset int64, frameLen, rate int) []Frame {
	out := make([]Frame, len(values))
	for i, v := range values {
		out[i] = Frame{
			Offset:     offset + int64(i*frameLen),
			SampleRate: rate,
			Feature:    v,
			HasFeature: true,
			FeatureLen: frameLen,
		}
	}
	return out
}

// Encode converts samples into typ's byte representation. For [Compressed]
// the packets produced by codec are length-prefixed; for [FeatureStream] one
// float32 energy is written per frameLen samples.
func Encode(typ DataType, samples []int16, codec PacketCodec, frameLen int) ([]byte, error) {
	switch typ {
	case PCM16:
		return SamplesToBytes(samples), nil
	case PCM8:
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = byte(int(s>>8) + 128)
		}
		return out, nil
	case ALaw:
		return g711.EncodeAlaw(SamplesToBytes(samples)), nil
	case MuLaw:
		return g711.EncodeUlaw(SamplesToBytes(samples)), nil
	case Compressed:
		if codec == nil {
			return nil, fmt.Errorf("audio: compressed output requires a codec: %w", engine.ErrInvalidConfig)
		}
		packets, err := codec.Encode(samples)
		if err != nil {
			return nil, fmt.Errorf("audio: compressed output: %w", err)
		}
		var out []byte
		for _, p := range packets {
			if out, err = AppendPacket(out, p); err != nil {
				return nil, err
			}
		}
		return out, nil
	case FeatureStream:
		if frameLen <= 0 {
			return nil, fmt.Errorf("audio: feature output frame length %d: %w", frameLen, engine.ErrInvalidConfig)
		}
		var out []byte
		for i := 0; i < len(samples); i += frameLen {
			e := EnergyDB(samples[i:min(i+frameLen, len(samples))])
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(e)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("audio: output type %d: %w", int(typ), engine.ErrInvalidConfig)
	}
}
