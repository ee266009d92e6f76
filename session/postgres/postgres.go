// Package postgres implements fathom.SessionStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fathom-ai/fathom"
)

// Store implements fathom.SessionStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ fathom.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the sessions table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fathom_sessions (
			id         TEXT PRIMARY KEY,
			record     BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("postgres: init: %w", err)
	}
	return nil
}

// Save upserts the record for id.
func (s *Store) Save(ctx context.Context, id string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fathom_sessions (id, record, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		id, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: save session %q: %w", id, err)
	}
	return nil
}

// Load reads the record for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM fathom_sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: %q: %w", id, fathom.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load session %q: %w", id, err)
	}
	return data, nil
}

// Delete removes the record for id. Missing records are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM fathom_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session %q: %w", id, err)
	}
	return nil
}

// List returns all stored session ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM fathom_sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: list sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
