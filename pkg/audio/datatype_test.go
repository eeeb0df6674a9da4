package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/engine"
)

// fakeCodec passes samples through as PCM16 bytes, one packet per call.
type fakeCodec struct{}

func (fakeCodec) Encode(samples []int16) ([][]byte, error) {
	return [][]byte{samplesToBytes(samples)}, nil
}

func (fakeCodec) Decode(packet []byte) ([]int16, error) {
	if len(packet)%2 != 0 {
		return nil, engine.ErrDecode
	}
	return bytesToSamples(packet), nil
}

func within(a, b, tol int16) bool {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d <= int(tol)
}

func TestParseDataType(t *testing.T) {
	t.Parallel()
	for _, typ := range []audio.DataType{audio.PCM16, audio.PCM8, audio.ALaw, audio.MuLaw, audio.Compressed, audio.FeatureStream} {
		got, err := audio.ParseDataType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParseDataType(%q) = (%v, %v), want %v", typ.String(), got, err, typ)
		}
	}
	if _, err := audio.ParseDataType("speex"); !errors.Is(err, engine.ErrInvalidConfig) {
		t.Errorf("ParseDataType(speex) = %v, want ErrInvalidConfig", err)
	}
}

func TestInput_PCM16SplitsAnywhere(t *testing.T) {
	t.Parallel()
	in, err := audio.NewInput(audio.PCM16, nil)
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	raw := samplesToBytes([]int16{-5, 300, 1200})
	var got []int16
	for _, chunk := range [][]byte{raw[:1], raw[1:4], raw[4:]} {
		s, err := in.Decode(chunk)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = append(got, s...)
	}
	want := []int16{-5, 300, 1200}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestInput_PCM8(t *testing.T) {
	t.Parallel()
	in, _ := audio.NewInput(audio.PCM8, nil)
	got, _ := in.Decode([]byte{128, 255, 0})
	want := []int16{0, 127 << 8, -128 << 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCompandedRoundTrip(t *testing.T) {
	t.Parallel()
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000}
	for _, typ := range []audio.DataType{audio.ALaw, audio.MuLaw} {
		enc, err := audio.Encode(typ, samples, nil, 0)
		if err != nil {
			t.Fatalf("%s Encode: %v", typ, err)
		}
		if len(enc) != len(samples) {
			t.Fatalf("%s encoded %d bytes, want %d", typ, len(enc), len(samples))
		}
		in, _ := audio.NewInput(typ, nil)
		got, err := in.Decode(enc)
		if err != nil {
			t.Fatalf("%s Decode: %v", typ, err)
		}
		for i, s := range samples {
			tol := int16(abs(int(s))/16 + 40)
			if !within(got[i], s, tol) {
				t.Errorf("%s sample %d: got %d, want %d±%d", typ, i, got[i], s, tol)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestInput_CompressedCarriesPartialPacket(t *testing.T) {
	t.Parallel()
	stream, err := audio.Encode(audio.Compressed, []int16{1, 2, 3}, fakeCodec{}, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	in, err := audio.NewInput(audio.Compressed, fakeCodec{})
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	first, err := in.Decode(stream[:4])
	if err != nil || len(first) != 0 {
		t.Fatalf("partial Decode = (%v, %v), want no samples", first, err)
	}
	second, err := in.Decode(stream[4:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(second) != 3 || second[2] != 3 {
		t.Errorf("decoded %v, want [1 2 3]", second)
	}
}

func TestInput_CompressedCorrupt(t *testing.T) {
	t.Parallel()
	in, _ := audio.NewInput(audio.Compressed, fakeCodec{})
	bad, _ := audio.AppendPacket(nil, []byte{1, 2, 3})
	if _, err := in.Decode(bad); !errors.Is(err, engine.ErrDecode) {
		t.Errorf("Decode(corrupt) = %v, want ErrDecode", err)
	}
}

func TestNewInput_CompressedNeedsCodec(t *testing.T) {
	t.Parallel()
	if _, err := audio.NewInput(audio.Compressed, nil); !errors.Is(err, engine.ErrInvalidConfig) {
		t.Errorf("NewInput = %v, want ErrInvalidConfig", err)
	}
	if _, err := audio.NewInput(audio.DataType(42), nil); !errors.Is(err, engine.ErrInvalidConfig) {
		t.Errorf("NewInput(42) = %v, want ErrInvalidConfig", err)
	}
}

func TestInput_Features(t *testing.T) {
	t.Parallel()
	in, _ := audio.NewInput(audio.FeatureStream, nil)
	var raw []byte
	for _, v := range []float32{12.5, 40} {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	got, err := in.DecodeFeatures(raw[:5])
	if err != nil || len(got) != 1 || got[0] != 12.5 {
		t.Fatalf("first DecodeFeatures = (%v, %v), want [12.5]", got, err)
	}
	got, err = in.DecodeFeatures(raw[5:])
	if err != nil || len(got) != 1 || got[0] != 40 {
		t.Fatalf("second DecodeFeatures = (%v, %v), want [40]", got, err)
	}

	nan := binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(math.NaN())))
	if _, err := in.DecodeFeatures(nan); !errors.Is(err, engine.ErrDecode) {
		t.Errorf("DecodeFeatures(NaN) = %v, want ErrDecode", err)
	}
	if _, err := in.Decode(raw); !errors.Is(err, engine.ErrInvalidConfig) {
		t.Errorf("Decode on feature input = %v, want ErrInvalidConfig", err)
	}

	frames := audio.FeatureFrames([]float64{1, 2}, 160, 160, 16000)
	if frames[1].Offset != 320 || frames[1].Len() != 160 || frames[1].EnergyDB() != 2 {
		t.Errorf("unexpected feature frame %+v", frames[1])
	}
}

func TestEnergyDB(t *testing.T) {
	t.Parallel()
	if got := audio.EnergyDB(make([]int16, 160)); got != 0 {
		t.Errorf("EnergyDB(silence) = %f, want 0", got)
	}
	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 10000
	}
	if got := audio.EnergyDB(loud); got < 79.9 || got > 80.1 {
		t.Errorf("EnergyDB(10000) = %f, want ~80", got)
	}
}

func TestEncode_FeatureStream(t *testing.T) {
	t.Parallel()
	out, err := audio.Encode(audio.FeatureStream, make([]int16, 400), nil, 160)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out) != 12 {
		t.Errorf("encoded %d bytes, want 12", len(out))
	}
}
