// Package postgres provides a PostgreSQL-backed [segment.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Put(ctx, record)
//	recent, _ := store.List(ctx, segment.Query{Channel: "kitchen", Limit: 20})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSegments = `
CREATE TABLE IF NOT EXISTS speech_segments (
    id           UUID              PRIMARY KEY,
    session_id   UUID              NOT NULL,
    channel      TEXT              NOT NULL,
    seq          INTEGER           NOT NULL,
    start_sample BIGINT            NOT NULL,
    end_sample   BIGINT            NOT NULL,
    sample_rate  INTEGER           NOT NULL,
    confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    keyword      TEXT              NOT NULL DEFAULT '',
    state        TEXT              NOT NULL,
    reason       TEXT              NOT NULL DEFAULT '',
    encoding     TEXT              NOT NULL,
    audio        BYTEA             NOT NULL,
    detected_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speech_segments_channel_detected
    ON speech_segments (channel, detected_at);

CREATE INDEX IF NOT EXISTS idx_speech_segments_session
    ON speech_segments (session_id, seq);

CREATE INDEX IF NOT EXISTS idx_speech_segments_detected_at
    ON speech_segments (detected_at);
`

// Migrate creates the segment table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSegments); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
