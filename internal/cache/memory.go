package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore wraps patrickmn/go-cache for tests and single-node dev runs.
// Contents do not survive a restart.
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore creates an in-memory store with a background janitor.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found := s.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	return val.([]byte), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.cache.Set(key, data, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	before := s.cache.ItemCount()
	s.cache.DeleteExpired()
	return int64(before - s.cache.ItemCount()), nil
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
