// Package store provides an optional PostgreSQL-backed audit log of final
// transcripts and extracted intents.
//
// The log is append-only: the gateway records each finished utterance and the
// intent derived from it, keyed by session id. An empty DSN disables the store
// entirely; relay behaviour never depends on it.
//
// Usage:
//
//	s, err := store.New(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	_ = s.WriteUtterance(ctx, sessionID, u)
//	recent, _ := s.Recent(ctx, sessionID, 50)
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxcart/voxcart/pkg/types"
)

// Kind distinguishes the two record types in the utterances table.
type Kind string

const (
	// KindTranscript records a final transcript with no structured intent.
	KindTranscript Kind = "transcript"

	// KindIntent records an extracted shopping intent together with the
	// transcript it was derived from.
	KindIntent Kind = "intent"
)

// Utterance is one row of the audit log.
type Utterance struct {
	// Kind is [KindTranscript] or [KindIntent].
	Kind Kind

	// Text is the final transcript text.
	Text string

	// Intent is the extracted intent name. Empty for transcript rows.
	Intent string

	// Entities maps entity kinds to surface forms. Nil for transcript rows.
	Entities map[string]string

	// Parameters holds structured intent arguments. Nil for transcript rows.
	Parameters map[string]any

	// Confidence is the transcript confidence score, when reported.
	Confidence float64

	// Timestamp marks when the utterance was recorded. Zero means now().
	Timestamp time.Time
}

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    kind        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    intent      TEXT         NOT NULL DEFAULT '',
    entities    JSONB        NOT NULL DEFAULT '{}',
    parameters  JSONB        NOT NULL DEFAULT '{}',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_utterances_session_id
    ON utterances (session_id);

CREATE INDEX IF NOT EXISTS idx_utterances_session_timestamp
    ON utterances (session_id, timestamp);
`

// Store is the PostgreSQL-backed utterance log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn and runs [Migrate]
// to ensure the utterances table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("utterance store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("utterance store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("utterance store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("utterance store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the utterances table and its indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUtterances); err != nil {
		return fmt.Errorf("utterance store migrate: %w", err)
	}
	return nil
}

// WriteUtterance appends u to the log under sessionID.
func (s *Store) WriteUtterance(ctx context.Context, sessionID string, u Utterance) error {
	const q = `
		INSERT INTO utterances
		    (session_id, kind, text, intent, entities, parameters, confidence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	entities := u.Entities
	if entities == nil {
		entities = map[string]string{}
	}
	parameters := u.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		string(u.Kind),
		u.Text,
		u.Intent,
		entities,
		parameters,
		u.Confidence,
		ts,
	)
	if err != nil {
		return fmt.Errorf("utterance store: write: %w", err)
	}
	return nil
}

// Recent returns up to limit utterances for sessionID, newest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Utterance, error) {
	const q = `
		SELECT kind, text, intent, entities, parameters, confidence, timestamp
		FROM   utterances
		WHERE  session_id = $1
		ORDER  BY timestamp DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("utterance store: recent: %w", err)
	}
	return collectUtterances(rows)
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectUtterances scans pgx rows into a slice of Utterance values.
func collectUtterances(rows pgx.Rows) ([]Utterance, error) {
	utterances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Utterance, error) {
		var (
			u    Utterance
			kind string
		)
		if err := row.Scan(
			&kind,
			&u.Text,
			&u.Intent,
			&u.Entities,
			&u.Parameters,
			&u.Confidence,
			&u.Timestamp,
		); err != nil {
			return Utterance{}, err
		}
		u.Kind = Kind(kind)
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("utterance store: scan rows: %w", err)
	}
	if utterances == nil {
		utterances = []Utterance{}
	}
	return utterances, nil
}

// FromIntent builds an intent [Utterance] from an extracted intent.
func FromIntent(in types.Intent) Utterance {
	return Utterance{
		Kind:       KindIntent,
		Text:       in.FinalTranscript,
		Intent:     in.Name,
		Entities:   in.Entities,
		Parameters: in.Parameters,
	}
}

// FromTranscript builds a transcript [Utterance] from a final transcript.
func FromTranscript(tr types.Transcript) Utterance {
	return Utterance{
		Kind:       KindTranscript,
		Text:       tr.Text,
		Confidence: tr.Confidence,
	}
}
