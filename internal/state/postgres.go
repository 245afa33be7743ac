package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const snapshotsTable = "crowdqc_snapshots"

// PostgresStore keeps snapshots in a Postgres table, one row per key.
type PostgresStore struct {
	pool *pgxpool.Pool
	key  string
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn, key string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect state database: %w", err)
	}
	s := NewPostgresStoreWithPool(pool, key)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool wraps an existing pool.
func NewPostgresStoreWithPool(pool *pgxpool.Pool, key string) *PostgresStore {
	if key == "" {
		key = "default"
	}
	return &PostgresStore{pool: pool, key: key}
}

// EnsureSchema creates the snapshots table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("state store not initialized")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    key TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, snapshotsTable))
	if err != nil {
		return fmt.Errorf("ensure state schema: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("state store not initialized")
	}
	var data []byte
	row := s.pool.QueryRow(ctx, `SELECT data FROM `+snapshotsTable+` WHERE key = $1`, s.key)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeSnapshot(data)
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("state store not initialized")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO `+snapshotsTable+` (key, data, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key)
DO UPDATE SET data = EXCLUDED.data,
              updated_at = EXCLUDED.updated_at
`, s.key, data, updatedAt)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Delete removes the snapshot row.
func (s *PostgresStore) Delete(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("state store not initialized")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+snapshotsTable+` WHERE key = $1`, s.key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
