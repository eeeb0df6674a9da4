// Package segment persists completed speech segments.
//
// A [Record] is the storable form of a [pipeline.SpeechSegmentEvent]: the
// boundary, the decision context and the audio, either as PCM16 or as a
// length-prefixed Opus stream. [Store] implementations must be safe for
// concurrent use; [Memory] keeps records in process and the postgres
// subpackage keeps them in PostgreSQL.
package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/pipeline"
)

// ErrNotFound is returned by [Store.Get] and [Store.Delete] for unknown IDs.
var ErrNotFound = errors.New("segment: not found")

// Encoding names the format of [Record.Audio].
type Encoding string

const (
	// PCM16 audio is little-endian signed 16-bit mono.
	PCM16 Encoding = "pcm16"

	// Opus audio is a stream of Opus packets, each prefixed with its length
	// as a 2-byte big-endian integer.
	Opus Encoding = "opus"
)

// Record is one stored speech segment.
type Record struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Channel   string
	Seq       int

	// Start and End are sample offsets from session start.
	Start      int64
	End        int64
	SampleRate int

	Confidence float64
	Keyword    string

	// State and Reason are the end-point detector's final state and timeout
	// reason names.
	State  string
	Reason string

	Encoding Encoding
	Audio    []byte

	DetectedAt time.Time
}

// Duration returns the segment length.
func (r Record) Duration() time.Duration {
	return audio.DurationOf(r.End-r.Start, r.SampleRate)
}

// Samples decodes PCM16 audio. Opus records return an error.
func (r Record) Samples() ([]int16, error) {
	if r.Encoding != PCM16 {
		return nil, fmt.Errorf("segment: %s audio has no raw samples", r.Encoding)
	}
	return audio.BytesToSamples(r.Audio), nil
}

// FromEvent converts ev into a Record. Opus packets are preferred over PCM
// when the event carries them.
func FromEvent(ev pipeline.SpeechSegmentEvent) (Record, error) {
	r := Record{
		ID:         ev.ID,
		SessionID:  ev.SessionID,
		Channel:    ev.Channel,
		Seq:        ev.Seq,
		Start:      ev.Start,
		End:        ev.End,
		SampleRate: ev.SampleRate,
		Confidence: ev.Confidence,
		Keyword:    ev.Keyword,
		State:      ev.State.String(),
		Reason:     ev.Reason.String(),
		Encoding:   PCM16,
		DetectedAt: ev.DetectedAt,
	}
	if len(ev.Encoded) == 0 {
		r.Audio = audio.SamplesToBytes(ev.Samples)
		return r, nil
	}
	r.Encoding = Opus
	for _, p := range ev.Encoded {
		var err error
		if r.Audio, err = audio.AppendPacket(r.Audio, p); err != nil {
			return Record{}, fmt.Errorf("segment: %w", err)
		}
	}
	return r, nil
}

// Query selects records. All non-zero fields are applied as AND conditions;
// results are ordered by detection time, oldest first.
type Query struct {
	// Channel restricts results to one channel.
	Channel string

	// SessionID restricts results to one session.
	SessionID uuid.UUID

	// Keyword restricts results to segments opened by this wake word.
	Keyword string

	// After and Before bound DetectedAt, exclusive.
	After  time.Time
	Before time.Time

	// Limit caps the number of results; 0 means no cap.
	Limit int
}

// Match reports whether r satisfies every condition in q.
func (q Query) Match(r Record) bool {
	switch {
	case q.Channel != "" && r.Channel != q.Channel:
		return false
	case q.SessionID != uuid.Nil && r.SessionID != q.SessionID:
		return false
	case q.Keyword != "" && r.Keyword != q.Keyword:
		return false
	case !q.After.IsZero() && !r.DetectedAt.After(q.After):
		return false
	case !q.Before.IsZero() && !r.DetectedAt.Before(q.Before):
		return false
	}
	return true
}

// Store persists records.
type Store interface {
	// Put stores r, replacing any record with the same ID.
	Put(ctx context.Context, r Record) error

	// Get returns the record with the given ID or [ErrNotFound].
	Get(ctx context.Context, id uuid.UUID) (Record, error)

	// List returns the records matching q.
	List(ctx context.Context, q Query) ([]Record, error)

	// Delete removes the record with the given ID or returns [ErrNotFound].
	Delete(ctx context.Context, id uuid.UUID) error
}

// Sink returns a [pipeline.Sink] that stores every event in s.
func Sink(s Store) pipeline.Sink {
	return pipeline.SinkFunc(func(ctx context.Context, ev pipeline.SpeechSegmentEvent) error {
		r, err := FromEvent(ev)
		if err != nil {
			return err
		}
		return s.Put(ctx, r)
	})
}
