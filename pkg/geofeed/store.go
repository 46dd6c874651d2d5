package geofeed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the connection pool a Session acquires its transaction from.
// Pool acquisition/sizing is an external collaborator's concern; Store
// only wraps what the core needs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-configured pgxpool.Pool. It does not take
// ownership of the pool's lifecycle beyond what Close does.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies connectivity, surfacing StoreUnavailable on failure.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &StoreUnavailable{GeofeedError{Op: "Store.Ping", Err: err}}
	}
	return nil
}

// BeginTx opens a new transaction, surfacing StoreUnavailable on failure.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &StoreUnavailable{GeofeedError{Op: "Store.BeginTx", Err: fmt.Errorf("begin transaction: %w", err)}}
	}
	return tx, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }
