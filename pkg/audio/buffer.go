package audio

import (
	"fmt"
	"iter"

	"github.com/MrWong99/earshot/pkg/engine"
)

// FrameBuffer accumulates variable-length PCM pushes and re-chunks them into
// fixed-size analysis frames. Samples are stored in a fixed-capacity ring so
// steady-state operation does not allocate beyond the frames handed out.
//
// Sample offsets are continuous across pushes: the first sample of every
// yielded frame immediately follows the last sample of the previous frame.
//
// A FrameBuffer is not safe for concurrent use.
type FrameBuffer struct {
	rate     int
	frameLen int

	ring []int16
	head int // index of the oldest pending sample
	size int // number of pending samples

	// offset is the stream sample index of ring[head].
	offset int64
}

// NewFrameBuffer returns a buffer that yields frames of frameLen samples at
// rate and holds at most capacity pending samples. capacity must be at least
// one frame.
func NewFrameBuffer(rate, frameLen, capacity int) (*FrameBuffer, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("audio: frame buffer: sample rate %d: %w", rate, engine.ErrInvalidConfig)
	}
	if frameLen <= 0 {
		return nil, fmt.Errorf("audio: frame buffer: frame length %d: %w", frameLen, engine.ErrInvalidConfig)
	}
	if capacity < frameLen {
		return nil, fmt.Errorf("audio: frame buffer: capacity %d below frame length %d: %w", capacity, frameLen, engine.ErrInvalidConfig)
	}
	return &FrameBuffer{
		rate:     rate,
		frameLen: frameLen,
		ring:     make([]int16, capacity),
	}, nil
}

// Push appends samples. Push is all-or-nothing: when the pending samples plus
// len(samples) would exceed capacity, nothing is stored and the error wraps
// [engine.ErrBufferOverflow].
func (b *FrameBuffer) Push(samples []int16) error {
	if b.size+len(samples) > len(b.ring) {
		return fmt.Errorf("audio: frame buffer: %d pending + %d pushed exceeds capacity %d: %w",
			b.size, len(samples), len(b.ring), engine.ErrBufferOverflow)
	}
	tail := (b.head + b.size) % len(b.ring)
	n := copy(b.ring[tail:], samples)
	copy(b.ring, samples[n:])
	b.size += len(samples)
	return nil
}

// Frames returns a sequence over every complete frame pending at the time of
// the call. Each yielded frame is consumed from the buffer as it is produced,
// so stopping the iteration early leaves the remaining frames pending.
func (b *FrameBuffer) Frames() iter.Seq[Frame] {
	avail := b.size / b.frameLen
	return func(yield func(Frame) bool) {
		for range avail {
			if b.size < b.frameLen {
				return
			}
			if !yield(b.take(b.frameLen)) {
				return
			}
		}
	}
}

// Flush returns the trailing partial frame zero-padded to full length. It
// reports false when no samples are pending. Call it at end of stream, after
// draining [FrameBuffer.Frames].
func (b *FrameBuffer) Flush() (Frame, bool) {
	if b.size == 0 {
		return Frame{}, false
	}
	if b.size >= b.frameLen {
		return b.take(b.frameLen), true
	}
	n := b.size
	f := b.take(n)
	padded := make([]int16, b.frameLen)
	copy(padded, f.Samples)
	f.Samples = padded
	// Padding is not stream audio; keep offsets continuous for the next push.
	b.offset += int64(b.frameLen - n)
	return f, true
}

// take removes n samples from the head. It must only be called with
// n <= b.size.
func (b *FrameBuffer) take(n int) Frame {
	out := make([]int16, n)
	m := copy(out, b.ring[b.head:min(b.head+n, len(b.ring))])
	copy(out[m:], b.ring[:n-m])
	f := Frame{Offset: b.offset, Samples: out, SampleRate: b.rate}
	b.head = (b.head + n) % len(b.ring)
	b.size -= n
	b.offset += int64(n)
	return f
}

// Pending returns the number of samples not yet yielded as frames.
func (b *FrameBuffer) Pending() int { return b.size }

// Capacity returns the maximum number of pending samples.
func (b *FrameBuffer) Capacity() int { return len(b.ring) }

// FrameLen returns the number of samples per frame.
func (b *FrameBuffer) FrameLen() int { return b.frameLen }

// SampleRate returns the buffer's sample rate.
func (b *FrameBuffer) SampleRate() int { return b.rate }

// Offset returns the stream sample index of the next frame to be yielded.
func (b *FrameBuffer) Offset() int64 { return b.offset }

// Reset drops pending samples and rewinds the stream offset to zero.
func (b *FrameBuffer) Reset() {
	b.head, b.size, b.offset = 0, 0, 0
}
