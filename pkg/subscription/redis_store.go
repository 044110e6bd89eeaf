package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/redis"
)

// RedisSnapshotStore persists cache entries as JSON in Redis.
// The storage prefix should be dedicated to snapshots since DeleteAll resets it.
type RedisSnapshotStore struct {
	storage *redis.Storage
}

// NewRedisSnapshotStore wraps a prefixed redis storage.
func NewRedisSnapshotStore(storage *redis.Storage) *RedisSnapshotStore {
	return &RedisSnapshotStore{storage: storage}
}

func (s *RedisSnapshotStore) Load(ctx context.Context, userID uuid.UUID) (*CacheEntry, error) {
	data, err := s.storage.Get(ctx, userID.String())
	if err != nil {
		return nil, errors.Join(ErrPersistenceFailure, err)
	}
	if data == nil {
		return nil, nil
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.Join(ErrPersistenceFailure, err)
	}
	return &entry, nil
}

// Save writes the entry with a Redis expiry matching the cache TTL,
// so abandoned entries do not accumulate.
func (s *RedisSnapshotStore) Save(ctx context.Context, entry CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Join(ErrPersistenceFailure, err)
	}
	if err := s.storage.Set(ctx, entry.UserID.String(), data, ttl); err != nil {
		return errors.Join(ErrPersistenceFailure, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, userID uuid.UUID) error {
	if err := s.storage.Delete(ctx, userID.String()); err != nil {
		return errors.Join(ErrPersistenceFailure, err)
	}
	return nil
}

func (s *RedisSnapshotStore) DeleteAll(ctx context.Context) error {
	if err := s.storage.Reset(ctx); err != nil {
		return errors.Join(ErrPersistenceFailure, err)
	}
	return nil
}
