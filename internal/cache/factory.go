package cache

import (
	"context"
	"fmt"
)

// Options selects and configures a cache backend.
type Options struct {
	Backend       string // "sqlite", "postgres", "redis" or "memory"
	SQLitePath    string
	PostgresDSN   string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

// New builds a Store for the configured backend.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "sqlite", "":
		return NewSQLiteStore(opts.SQLitePath)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, opts.PostgresDSN)
	case "redis":
		return NewRedisStore(ctx, opts.RedisAddress, opts.RedisPassword, opts.RedisDB)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
