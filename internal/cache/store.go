// Package cache provides the shared key/value store every enrichment adapter
// reads through and writes through. Entries carry an optional absolute expiry;
// a read past the expiry is treated as absent and the stale row is purged.
// Backends: SQLite (default), PostgreSQL, Redis, in-memory.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store defines the cache-aside contract. Set is an unconditional upsert
// (last write wins); a ttl <= 0 means the entry never expires. All
// implementations must be safe for concurrent use.
type Store interface {
	// Get returns the raw serialized value for key, or found=false when the
	// key is absent or expired. Storage I/O errors propagate to the caller.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set serializes value as JSON and upserts it under key.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Delete removes the entry for key if present.
	Delete(ctx context.Context, key string) error
	// PurgeExpired removes expired rows eagerly and reports how many went.
	// Backends with native expiry may report zero.
	PurgeExpired(ctx context.Context) (int64, error)
	Close() error
}

// Lookup reads key from the store and unmarshals it into dest. It returns
// found=false on absence and passes storage errors through so the caller can
// decide whether to degrade to a direct upstream call.
func Lookup(ctx context.Context, s Store, key string, dest interface{}) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// A corrupt row behaves like a miss; the next Set overwrites it.
		return false, nil
	}
	return true, nil
}

func marshalValue(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}
