package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists pipeline cursors in a Postgres table, one row per
// named pipeline instance. Used when several pipelines share an operator
// database instead of local files.
type PostgresStore struct {
	pool *pgxpool.Pool
	name string
}

func NewPostgresStore(ctx context.Context, dsn, name string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if name == "" {
		return nil, fmt.Errorf("cursor name is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool, name: name}
	if err := store.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_cursor (
			name TEXT PRIMARY KEY,
			last_safe_block BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure cursor table: %w", err)
	}
	return nil
}

// Load returns the last safe block for this pipeline, if one was saved.
func (s *PostgresStore) Load(ctx context.Context) (uint64, bool, error) {
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_safe_block FROM pipeline_cursor WHERE name=$1`, s.name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	return uint64(block), true, nil
}

// Save upserts the last safe block for this pipeline.
func (s *PostgresStore) Save(ctx context.Context, lastSafeBlock uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_cursor (name, last_safe_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_safe_block = EXCLUDED.last_safe_block, updated_at = now()
	`, s.name, int64(lastSafeBlock))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
