// Package postgres stores wake events in PostgreSQL.
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, ev)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/eventlog"
)

var (
	_ eventlog.Sink   = (*Store)(nil)
	_ eventlog.Pinger = (*Store)(nil)
)

const ddlWakeEvents = `
CREATE TABLE IF NOT EXISTS wake_events (
    id            UUID              PRIMARY KEY,
    kind          TEXT              NOT NULL,
    detection_id  UUID              NOT NULL,
    user_id       TEXT              NOT NULL DEFAULT '',
    wake_word     TEXT              NOT NULL,
    transcript    TEXT              NOT NULL DEFAULT '',
    score         DOUBLE PRECISION  NOT NULL DEFAULT 0,
    method        TEXT              NOT NULL DEFAULT '',
    confirmed     BOOLEAN           NOT NULL DEFAULT false,
    error         TEXT              NOT NULL DEFAULT '',
    at            TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_wake_events_at
    ON wake_events (at DESC);

CREATE INDEX IF NOT EXISTS idx_wake_events_detection
    ON wake_events (detection_id);
`

// Store is a PostgreSQL event sink. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, pings the server and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the wake_events table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlWakeEvents); err != nil {
		return fmt.Errorf("eventlog postgres: migrate: %w", err)
	}
	return nil
}

// Append implements [eventlog.Sink].
func (s *Store) Append(ctx context.Context, ev eventlog.Event) error {
	const q = `
		INSERT INTO wake_events
		    (id, kind, detection_id, user_id, wake_word, transcript, score, method, confirmed, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		ev.ID,
		string(ev.Kind),
		ev.DetectionID,
		ev.UserID,
		ev.WakeWord,
		ev.Transcript,
		ev.Score,
		ev.Method,
		ev.Confirmed,
		ev.Error,
		ev.At,
	)
	if err != nil {
		return fmt.Errorf("eventlog postgres: append: %w", err)
	}
	return nil
}

// Recent implements [eventlog.Sink].
func (s *Store) Recent(ctx context.Context, limit int) ([]eventlog.Event, error) {
	if limit <= 0 {
		limit = eventlog.DefaultLogSinkSize
	}
	const q = `
		SELECT id, kind, detection_id, user_id, wake_word, transcript, score, method, confirmed, error, at
		FROM   wake_events
		ORDER  BY at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: recent: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (eventlog.Event, error) {
		var (
			ev   eventlog.Event
			kind string
		)
		err := row.Scan(&ev.ID, &kind, &ev.DetectionID, &ev.UserID, &ev.WakeWord, &ev.Transcript,
			&ev.Score, &ev.Method, &ev.Confirmed, &ev.Error, &ev.At)
		ev.Kind = eventlog.Kind(kind)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: scan rows: %w", err)
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	return events, nil
}

// Ping implements [eventlog.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
