// Package wav reads and writes 16-bit PCM RIFF/WAVE files. Writes go through
// a temporary file that is synced and renamed into place, so a reader never
// observes a half-written file.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrFormat is returned for files that are not 16-bit PCM WAVE.
var ErrFormat = errors.New("wav: unsupported format")

// Header describes the audio stored in a WAVE file.
type Header struct {
	SampleRate    int
	NumChannels   int
	BitsPerSample int
	DataSize      int
}

// Format returns the header's sample rate and channel count.
func (h Header) Format() audio.Format {
	return audio.Format{SampleRate: h.SampleRate, Channels: h.NumChannels}
}

const headerSize = 44

// Encode returns a complete mono 16-bit WAVE file holding samples.
func Encode(samples []int16, rate int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, headerSize, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(rate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return append(buf, audio.SamplesToBytes(samples)...)
}

// Decode parses a WAVE stream and returns its header and raw interleaved
// little-endian PCM. Chunks other than "fmt " and "data" are skipped.
func Decode(r io.Reader) (Header, []byte, error) {
	var h Header

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return h, nil, fmt.Errorf("wav: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return h, nil, fmt.Errorf("wav: not a RIFF/WAVE stream: %w", ErrFormat)
	}

	sawFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return h, nil, fmt.Errorf("wav: read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return h, nil, fmt.Errorf("wav: fmt chunk of %d bytes: %w", size, ErrFormat)
			}
			var f [16]byte
			if _, err := io.ReadFull(r, f[:]); err != nil {
				return h, nil, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(f[0:2]); format != 1 {
				return h, nil, fmt.Errorf("wav: audio format %d: %w", format, ErrFormat)
			}
			h.NumChannels = int(binary.LittleEndian.Uint16(f[2:4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			if h.BitsPerSample != 16 {
				return h, nil, fmt.Errorf("wav: %d-bit samples: %w", h.BitsPerSample, ErrFormat)
			}
			if err := skip(r, size-16+size%2); err != nil {
				return h, nil, err
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return h, nil, fmt.Errorf("wav: data chunk before fmt chunk: %w", ErrFormat)
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return h, nil, fmt.Errorf("wav: read data chunk: %w", err)
			}
			// Streams written without a final size patch are cut short; keep
			// what is there.
			h.DataSize = n
			return h, data[:n], nil
		default:
			if err := skip(r, size+size%2); err != nil {
				return h, nil, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("wav: skip %d bytes: %w", n, err)
	}
	return nil
}

// ReadFile decodes the WAVE file at path.
func ReadFile(path string) (Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("wav: open %q: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// WriteFile atomically writes samples to path as a mono WAVE file, creating
// parent directories as needed.
func WriteFile(path string, samples []int16, rate int) error {
	return writeAtomic(path, Encode(samples, rate))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("wav: create directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("wav: create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("wav: write %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("wav: sync %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("wav: close %q: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("wav: rename into %q: %w", path, err)
	}
	return nil
}
