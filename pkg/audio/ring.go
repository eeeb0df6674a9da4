package audio

// RingBuffer retains the most recent samples of a stream together with their
// absolute sample offsets. Older samples are overwritten as new ones arrive.
// It is not safe for concurrent use.
type RingBuffer struct {
	buf   []int16
	start int   // index of the oldest retained sample
	size  int   // retained sample count
	end   int64 // stream offset one past the newest retained sample
}

// NewRingBuffer returns a ring retaining up to capacity samples.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]int16, capacity)}
}

// Write appends samples that begin at stream offset. A write that is not
// contiguous with the retained data discards the retained data first.
func (r *RingBuffer) Write(offset int64, samples []int16) {
	if offset != r.end {
		r.Reset(offset)
	}
	if len(samples) >= len(r.buf) {
		drop := len(samples) - len(r.buf)
		copy(r.buf, samples[drop:])
		r.start, r.size = 0, len(r.buf)
		r.end = offset + int64(len(samples))
		return
	}
	for _, s := range samples {
		idx := (r.start + r.size) % len(r.buf)
		r.buf[idx] = s
		if r.size < len(r.buf) {
			r.size++
		} else {
			r.start = (r.start + 1) % len(r.buf)
		}
	}
	r.end = offset + int64(len(samples))
}

// Slice returns a copy of the retained samples in [from, to). The range is
// clipped to what is still retained; an empty or fully evicted range returns
// nil.
func (r *RingBuffer) Slice(from, to int64) []int16 {
	from = max(from, r.Oldest())
	to = min(to, r.end)
	if to <= from {
		return nil
	}
	n := int(to - from)
	out := make([]int16, n)
	first := (r.start + int(from-r.Oldest())) % len(r.buf)
	m := copy(out, r.buf[first:min(first+n, len(r.buf))])
	copy(out[m:], r.buf[:n-m])
	return out
}

// Oldest returns the stream offset of the oldest retained sample.
func (r *RingBuffer) Oldest() int64 { return r.end - int64(r.size) }

// End returns the stream offset one past the newest retained sample.
func (r *RingBuffer) End() int64 { return r.end }

// Len returns the number of retained samples.
func (r *RingBuffer) Len() int { return r.size }

// Cap returns the retention capacity in samples.
func (r *RingBuffer) Cap() int { return len(r.buf) }

// Reset discards all samples; the next contiguous write starts at offset.
func (r *RingBuffer) Reset(offset int64) {
	r.start, r.size, r.end = 0, 0, offset
}
