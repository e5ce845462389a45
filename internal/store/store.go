// Package store provides the PostgreSQL persistence layer for conversations
// and their audio chunks.
//
// A conversation document accumulates transcript versions as the pipeline
// refines it: the streaming pass writes the first version, batch
// re-transcription and speaker recognition replace or amend it. The active
// version pointer decides what downstream consumers read. Audio chunks are
// stored as Opus-compressed rows keyed by (conversation_id, chunk_index).
//
// All operations share a single [pgxpool.Pool] and are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a conversation id resolves to no row.
var ErrNotFound = errors.New("store: conversation not found")

// Store is the PostgreSQL-backed conversation store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection, and ensures
// the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool without running migrations. Used by
// tests that manage their own schema lifecycle.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
