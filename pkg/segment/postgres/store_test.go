package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/pkg/segment"
	"github.com/MrWong99/earshot/pkg/segment/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if EARSHOT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EARSHOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EARSHOT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a store on a freshly dropped schema and closes it when
// the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS speech_segments CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func record(channel string, seq int, at time.Time) segment.Record {
	return segment.Record{
		ID:         uuid.New(),
		SessionID:  uuid.New(),
		Channel:    channel,
		Seq:        seq,
		Start:      1600,
		End:        17600,
		SampleRate: 16000,
		Confidence: 0.87,
		Keyword:    "hey earshot",
		State:      "speech-ended",
		Reason:     "none",
		Encoding:   segment.PCM16,
		Audio:      []byte{1, 0, 254, 255},
		DetectedAt: at.UTC().Truncate(time.Microsecond),
	}
}

func TestStore_PutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := record("kitchen", 1, time.Now())
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != want.ID || got.SessionID != want.SessionID || got.Channel != want.Channel {
		t.Errorf("identity mismatch: got %+v", got)
	}
	if got.Start != want.Start || got.End != want.End || got.Confidence != want.Confidence {
		t.Errorf("boundary mismatch: got %d-%d (%v)", got.Start, got.End, got.Confidence)
	}
	if string(got.Audio) != string(want.Audio) || got.Encoding != segment.PCM16 {
		t.Errorf("audio mismatch: got %v (%s)", got.Audio, got.Encoding)
	}
	if !got.DetectedAt.Equal(want.DetectedAt) {
		t.Errorf("DetectedAt = %v, want %v", got.DetectedAt, want.DetectedAt)
	}

	// Put with an existing ID replaces the record.
	want.Keyword = ""
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if got, _ := store.Get(ctx, want.ID); got.Keyword != "" {
		t.Errorf("Keyword after replace = %q, want empty", got.Keyword)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, segment.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, ch := range []string{"a", "b", "a", "a"} {
		if err := store.Put(ctx, record(ch, i+1, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	list, err := store.List(ctx, segment.Query{Channel: "a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].Seq != 1 || list[1].Seq != 3 || list[2].Seq != 4 {
		t.Errorf("List(a) = %d records, want seqs 1, 3, 4", len(list))
	}

	list, err = store.List(ctx, segment.Query{After: base, Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Seq != 2 {
		t.Errorf("List(after, limit 2) = %d records", len(list))
	}

	list, err = store.List(ctx, segment.Query{Channel: "none"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("List(none) = %v, want empty non-nil slice", list)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := record("a", 1, time.Now())
	if err := store.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, r.ID); !errors.Is(err, segment.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
