package segment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/pipeline"
	"github.com/MrWong99/earshot/pkg/segment"
	"github.com/MrWong99/earshot/pkg/segment/mock"
)

func event(channel string, seq int, at time.Time) pipeline.SpeechSegmentEvent {
	return pipeline.SpeechSegmentEvent{
		ID:         uuid.New(),
		SessionID:  uuid.New(),
		Channel:    channel,
		Seq:        seq,
		Start:      1600,
		End:        17600,
		SampleRate: 16000,
		Confidence: 0.9,
		Keyword:    "hey earshot",
		State:      epd.SpeechEnded,
		Samples:    []int16{1, -2, 3},
		DetectedAt: at,
	}
}

func TestFromEvent_PCM(t *testing.T) {
	t.Parallel()
	ev := event("kitchen", 1, time.Now())
	r, err := segment.FromEvent(ev)
	if err != nil {
		t.Fatalf("FromEvent: %v", err)
	}
	if r.Encoding != segment.PCM16 {
		t.Errorf("encoding = %s, want pcm16", r.Encoding)
	}
	if r.State != "speech-ended" || r.Reason != "none" {
		t.Errorf("state %q reason %q", r.State, r.Reason)
	}
	if r.Duration() != time.Second {
		t.Errorf("duration = %v, want 1s", r.Duration())
	}
	samples, err := r.Samples()
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(samples) != 3 || samples[1] != -2 {
		t.Errorf("samples = %v, want [1 -2 3]", samples)
	}
}

func TestFromEvent_Opus(t *testing.T) {
	t.Parallel()
	ev := event("kitchen", 1, time.Now())
	ev.Encoded = [][]byte{{1, 2, 3}, {4}}
	r, err := segment.FromEvent(ev)
	if err != nil {
		t.Fatalf("FromEvent: %v", err)
	}
	if r.Encoding != segment.Opus {
		t.Errorf("encoding = %s, want opus", r.Encoding)
	}
	packets, rest := audio.SplitPackets(r.Audio)
	if len(packets) != 2 || len(rest) != 0 || len(packets[0]) != 3 {
		t.Errorf("packets = %v rest = %v", packets, rest)
	}
	if _, err := r.Samples(); err == nil {
		t.Error("Samples on opus record: expected error")
	}

	ev.Encoded = [][]byte{make([]byte, 70000)}
	if _, err := segment.FromEvent(ev); err == nil {
		t.Error("oversized packet: expected error")
	}
}

func TestMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := segment.NewMemory()
	base := time.Now()

	var ids []uuid.UUID
	for i, ch := range []string{"a", "b", "a", "a"} {
		r, _ := segment.FromEvent(event(ch, i+1, base.Add(time.Duration(i)*time.Second)))
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
		ids = append(ids, r.ID)
	}
	if store.Len() != 4 {
		t.Fatalf("Len = %d, want 4", store.Len())
	}

	got, err := store.Get(ctx, ids[1])
	if err != nil || got.Channel != "b" {
		t.Errorf("Get = (%q, %v), want channel b", got.Channel, err)
	}
	got.Audio[0] = 99
	if again, _ := store.Get(ctx, ids[1]); again.Audio[0] == 99 {
		t.Error("Get returned shared audio")
	}

	list, err := store.List(ctx, segment.Query{Channel: "a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].Seq != 1 || list[2].Seq != 4 {
		t.Errorf("List(a) = %d records, want seqs 1, 3, 4 in order", len(list))
	}
	list, _ = store.List(ctx, segment.Query{Channel: "a", After: base, Limit: 1})
	if len(list) != 1 || list[0].Seq != 3 {
		t.Errorf("List(a, after, limit 1) = %+v, want seq 3", list)
	}
	list, _ = store.List(ctx, segment.Query{Before: base.Add(time.Second)})
	if len(list) != 1 || list[0].Seq != 1 {
		t.Errorf("List(before) = %d records, want seq 1", len(list))
	}

	if err := store.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, ids[0]); !errors.Is(err, segment.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, ids[0]); !errors.Is(err, segment.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.Put(cancelled, segment.Record{ID: uuid.New()}); !errors.Is(err, context.Canceled) {
		t.Errorf("Put with cancelled context = %v", err)
	}
}

func TestQuery_Match(t *testing.T) {
	t.Parallel()
	now := time.Now()
	r := segment.Record{Channel: "a", SessionID: uuid.New(), Keyword: "hey earshot", DetectedAt: now}
	tests := []struct {
		name string
		q    segment.Query
		want bool
	}{
		{"empty", segment.Query{}, true},
		{"channel", segment.Query{Channel: "a"}, true},
		{"other channel", segment.Query{Channel: "b"}, false},
		{"session", segment.Query{SessionID: r.SessionID}, true},
		{"other session", segment.Query{SessionID: uuid.New()}, false},
		{"keyword", segment.Query{Keyword: "computer"}, false},
		{"after is exclusive", segment.Query{After: now}, false},
		{"before is exclusive", segment.Query{Before: now}, false},
		{"window", segment.Query{After: now.Add(-time.Second), Before: now.Add(time.Second)}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.q.Match(r); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSink(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	sink := segment.Sink(store)
	ev := event("hall", 7, time.Now())
	if err := sink.Put(context.Background(), ev); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := store.CallCount("Put"); got != 1 {
		t.Fatalf("Put calls = %d, want 1", got)
	}
	recs := store.Records()
	if recs[0].ID != ev.ID || recs[0].Seq != 7 || recs[0].Keyword != "hey earshot" {
		t.Errorf("stored %+v", recs[0])
	}

	store.PutErr = errors.New("down")
	if err := sink.Put(context.Background(), ev); !errors.Is(err, store.PutErr) {
		t.Errorf("Put with failing store = %v", err)
	}
}
