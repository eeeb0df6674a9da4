package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

// SpeechSegmentEvent reports one completed speech episode on a channel.
type SpeechSegmentEvent struct {
	// ID identifies the segment.
	ID uuid.UUID

	// SessionID identifies the session that produced it.
	SessionID uuid.UUID

	// Channel is the logical audio channel name.
	Channel string

	// Seq numbers the segments of a session from 1.
	Seq int

	// Start and End are sample offsets from session start, margins included.
	Start int64
	End   int64

	SampleRate int

	// Confidence is the wake-word score when a keyword opened the episode,
	// otherwise the episode's peak SNR scaled to [0, 1].
	Confidence float64

	// Keyword is the detected wake word, or empty.
	Keyword     string
	WakeVerdict wakeup.Verdict

	// State is SpeechEnded, or TimedOut with Reason MaxLength.
	State  epd.State
	Reason epd.TimeoutReason

	// Samples is the segment's PCM.
	Samples []int16

	// Output is the end-point detector's speech output in its configured
	// data type.
	Output []byte

	// Encoded holds Opus packets of Samples when encoding is enabled.
	Encoded [][]byte

	DetectedAt time.Time
}

// StartTime returns Start as a duration from session start.
func (e SpeechSegmentEvent) StartTime() time.Duration {
	return audio.DurationOf(e.Start, e.SampleRate)
}

// EndTime returns End as a duration from session start.
func (e SpeechSegmentEvent) EndTime() time.Duration {
	return audio.DurationOf(e.End, e.SampleRate)
}

// Duration returns the segment length.
func (e SpeechSegmentEvent) Duration() time.Duration {
	return audio.DurationOf(e.End-e.Start, e.SampleRate)
}

// Sink receives completed segments.
type Sink interface {
	Put(ctx context.Context, ev SpeechSegmentEvent) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, ev SpeechSegmentEvent) error

// Put implements [Sink].
func (f SinkFunc) Put(ctx context.Context, ev SpeechSegmentEvent) error { return f(ctx, ev) }
