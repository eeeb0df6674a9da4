package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/pkg/segment"
)

var _ segment.Store = (*Store)(nil)

// Store is a [segment.Store] backed by the speech_segments table. All
// methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("segment store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("segment store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("segment store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("segment store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("segment store: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

const columns = `id, session_id, channel, seq, start_sample, end_sample, sample_rate,
       confidence, keyword, state, reason, encoding, audio, detected_at`

// Put implements [segment.Store].
func (s *Store) Put(ctx context.Context, r segment.Record) error {
	const q = `
		INSERT INTO speech_segments (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
		    session_id   = EXCLUDED.session_id,
		    channel      = EXCLUDED.channel,
		    seq          = EXCLUDED.seq,
		    start_sample = EXCLUDED.start_sample,
		    end_sample   = EXCLUDED.end_sample,
		    sample_rate  = EXCLUDED.sample_rate,
		    confidence   = EXCLUDED.confidence,
		    keyword      = EXCLUDED.keyword,
		    state        = EXCLUDED.state,
		    reason       = EXCLUDED.reason,
		    encoding     = EXCLUDED.encoding,
		    audio        = EXCLUDED.audio,
		    detected_at  = EXCLUDED.detected_at`

	_, err := s.pool.Exec(ctx, q,
		r.ID,
		r.SessionID,
		r.Channel,
		r.Seq,
		r.Start,
		r.End,
		r.SampleRate,
		r.Confidence,
		r.Keyword,
		r.State,
		r.Reason,
		string(r.Encoding),
		r.Audio,
		r.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("segment store: put: %w", err)
	}
	return nil
}

// Get implements [segment.Store].
func (s *Store) Get(ctx context.Context, id uuid.UUID) (segment.Record, error) {
	const q = `SELECT ` + columns + ` FROM speech_segments WHERE id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return segment.Record{}, fmt.Errorf("segment store: get: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return segment.Record{}, fmt.Errorf("segment store: get %s: %w", id, segment.ErrNotFound)
	}
	if err != nil {
		return segment.Record{}, fmt.Errorf("segment store: get: %w", err)
	}
	return r, nil
}

// List implements [segment.Store].
func (s *Store) List(ctx context.Context, q segment.Query) ([]segment.Record, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"TRUE"}
	if q.Channel != "" {
		conditions = append(conditions, "channel = "+next(q.Channel))
	}
	if q.SessionID != uuid.Nil {
		conditions = append(conditions, "session_id = "+next(q.SessionID))
	}
	if q.Keyword != "" {
		conditions = append(conditions, "keyword = "+next(q.Keyword))
	}
	if !q.After.IsZero() {
		conditions = append(conditions, "detected_at > "+next(q.After))
	}
	if !q.Before.IsZero() {
		conditions = append(conditions, "detected_at < "+next(q.Before))
	}

	query := "SELECT " + columns + "\n" +
		"FROM   speech_segments\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY detected_at, seq"
	if q.Limit > 0 {
		query += "\nLIMIT " + next(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("segment store: list: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("segment store: scan rows: %w", err)
	}
	if records == nil {
		records = []segment.Record{}
	}
	return records, nil
}

// Delete implements [segment.Store].
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM speech_segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("segment store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("segment store: delete %s: %w", id, segment.ErrNotFound)
	}
	return nil
}

func scanRecord(row pgx.CollectableRow) (segment.Record, error) {
	var (
		r   segment.Record
		enc string
	)
	err := row.Scan(
		&r.ID,
		&r.SessionID,
		&r.Channel,
		&r.Seq,
		&r.Start,
		&r.End,
		&r.SampleRate,
		&r.Confidence,
		&r.Keyword,
		&r.State,
		&r.Reason,
		&enc,
		&r.Audio,
		&r.DetectedAt,
	)
	r.Encoding = segment.Encoding(enc)
	return r, err
}
