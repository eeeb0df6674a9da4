package epd

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/wav"
	"github.com/MrWong99/earshot/pkg/engine"
)

// chunk is the sample count the output encoder consumes at once, or 0 when
// any length encodes without padding.
func (d *Detector) chunk() int {
	switch d.outTyp {
	case audio.Compressed:
		if fs, ok := d.codec.(interface{ FrameSize() int }); ok {
			return fs.FrameSize()
		}
		return int(audio.SamplesForMs(20, d.rate))
	case audio.FeatureStream:
		return d.frameLen
	}
	return 0
}

func (d *Detector) emit(samples []int16) error {
	d.outPending = append(d.outPending, samples...)
	n := len(d.outPending)
	if c := d.chunk(); c > 0 {
		n -= n % c
	}
	if n == 0 {
		return nil
	}
	if err := d.encode(d.outPending[:n]); err != nil {
		return err
	}
	d.outPending = append(d.outPending[:0], d.outPending[n:]...)
	return nil
}

func (d *Detector) emitFrame(f audio.Frame) error {
	if f.HasFeature && len(f.Samples) == 0 {
		if d.outTyp == audio.FeatureStream {
			d.out = binary.LittleEndian.AppendUint32(d.out, math.Float32bits(float32(f.Feature)))
		}
		return nil
	}
	return d.emit(f.Samples)
}

// flushOutput encodes whatever is pending; the codec pads a short tail.
func (d *Detector) flushOutput() error {
	if len(d.outPending) == 0 {
		return nil
	}
	err := d.encode(d.outPending)
	d.outPending = d.outPending[:0]
	return err
}

func (d *Detector) encode(samples []int16) error {
	b, err := audio.Encode(d.outTyp, samples, d.codec, d.frameLen)
	if err != nil {
		return fmt.Errorf("epd: encode output: %w", err)
	}
	d.out = append(d.out, b...)
	return nil
}

// OutputDataSize returns the number of encoded speech bytes waiting to be
// read.
func (d *Detector) OutputDataSize() (int, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: output data size: %w", err)
	}
	defer d.guard.EndRead()
	return len(d.out), nil
}

// ReadOutputData moves up to len(p) waiting bytes into p and returns the
// number moved. A buffer of OutputDataSize bytes takes everything.
func (d *Detector) ReadOutputData(p []byte) (int, error) {
	if err := d.guard.BeginWrite(); err != nil {
		return 0, fmt.Errorf("epd: read output data: %w", err)
	}
	defer d.guard.EndWrite()
	n := copy(p, d.out)
	d.out = append(d.out[:0], d.out[n:]...)
	return n, nil
}

// OutputData returns and drains all waiting output.
func (d *Detector) OutputData() ([]byte, error) {
	if err := d.guard.BeginWrite(); err != nil {
		return nil, fmt.Errorf("epd: output data: %w", err)
	}
	defer d.guard.EndWrite()
	out := d.out
	d.out = nil
	return out, nil
}

// InputDataSize returns the number of recorded input samples.
func (d *Detector) InputDataSize() (int, error) {
	if err := d.guard.BeginRead(); err != nil {
		return 0, fmt.Errorf("epd: input data size: %w", err)
	}
	defer d.guard.EndRead()
	return d.rec.Len(), nil
}

// InputData returns a copy of the recorded input and the stream offset of
// its first sample.
func (d *Detector) InputData() ([]int16, int64, error) {
	if err := d.guard.BeginRead(); err != nil {
		return nil, 0, fmt.Errorf("epd: input data: %w", err)
	}
	defer d.guard.EndRead()
	return d.rec.Slice(d.rec.Oldest(), d.rec.End()), d.rec.Oldest(), nil
}

// SaveRecordedSpeechData writes the recorded input to dir/file as a WAV file.
// Detector state is not modified.
func (d *Detector) SaveRecordedSpeechData(dir, file string) error {
	samples, _, err := d.InputData()
	if err != nil {
		return err
	}
	return d.save("save recorded speech", dir, file, samples)
}

// SaveEpdSpeechData writes the current episode's speech, from its start to
// its end (or to the newest input while speech is still active), to
// dir/file as a WAV file. It fails with engine.ErrBoundaryNotAvailable when
// no speech has started. Detector state is not modified.
func (d *Detector) SaveEpdSpeechData(dir, file string) error {
	if err := d.guard.BeginRead(); err != nil {
		return fmt.Errorf("epd: save speech: %w", err)
	}
	if d.start < 0 {
		d.guard.EndRead()
		return fmt.Errorf("epd: save speech: %w", engine.ErrBoundaryNotAvailable)
	}
	end := d.end
	if end < 0 {
		end = d.rec.End()
	}
	samples := d.rec.Slice(d.start, end)
	d.guard.EndRead()
	return d.save("save speech", dir, file, samples)
}

func (d *Detector) save(op, dir, file string, samples []int16) error {
	if file == "" {
		return fmt.Errorf("epd: %s: empty file name: %w", op, engine.ErrIO)
	}
	if err := wav.WriteFile(filepath.Join(dir, file), samples, d.rate); err != nil {
		return fmt.Errorf("epd: %s: %w: %w", op, engine.ErrIO, err)
	}
	return nil
}
