package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists state entries to PostgreSQL.
// It is suitable for deployments where several processes share breaker state.
type PostgresStore struct {
	pool   *pgxpool.Pool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects to dsn, applies the schema migrations and
// returns a ready store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The schema must already
// be migrated; Close closes the pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// GetState implements Store.
func (s *PostgresStore) GetState(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		value, metadata []byte
		entry           Entry
	)
	err := s.pool.QueryRow(ctx, `
		SELECT value, metadata, version, updated_at
		FROM flowguard_state_entries
		WHERE key = $1
	`, key).Scan(&value, &metadata, &entry.Version, &entry.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}

	decoded, err := decodeEntry(key, value, metadata)
	if err != nil {
		return nil, err
	}
	decoded.Version = entry.Version
	decoded.UpdatedAt = entry.UpdatedAt.UTC()
	return decoded, nil
}

// SetState implements Store.
func (s *PostgresStore) SetState(ctx context.Context, key string, value, metadata map[string]any) error {
	v, err := encodeObject(value)
	if err != nil {
		return err
	}
	md, err := encodeObject(metadata)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flowguard_state_entries (key, value, metadata, version, updated_at)
		VALUES ($1, $2::jsonb, $3::jsonb, 1, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			metadata = EXCLUDED.metadata,
			version = flowguard_state_entries.version + 1,
			updated_at = now()
	`, key, string(v), string(md))
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// DeleteState implements Store.
func (s *PostgresStore) DeleteState(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM flowguard_state_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// GetKeysByPrefix implements Store.
func (s *PostgresStore) GetKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT key FROM flowguard_state_entries
		WHERE left(key, length($1::text)) = $1::text
		ORDER BY key
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list state keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan state keys: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.pool.Close()
	return nil
}
