package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PostgresStore persists cache entries in PostgreSQL, for deployments where
// several instances share one cache.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewPostgresStore connects to the given DSN and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at TIMESTAMPTZ
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate cache table: %w", err)
	}

	return &PostgresStore{pool: pool, clock: clockwork.NewRealClock()}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		key, s.clock.Now()); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM cache_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := s.clock.Now().Add(ttl)
		expiresAt = &t
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, data, expiresAt)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		s.clock.Now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
