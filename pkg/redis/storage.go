package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage is a byte-level key-value store confined to a key prefix.
// Reset only touches keys under the prefix, never the whole database.
type Storage struct {
	db            redis.UniversalClient
	prefix        string
	scanBatchSize int64
}

// NewStorage wraps a client. An empty prefix is allowed but makes Reset scan every key.
func NewStorage(client redis.UniversalClient, prefix string, scanBatchSize int64) *Storage {
	if scanBatchSize <= 0 {
		scanBatchSize = 500
	}
	return &Storage{db: client, prefix: prefix, scanBatchSize: scanBatchSize}
}

// Get returns nil, nil for missing keys.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.db.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Set stores a value. Zero exp means no expiration.
func (s *Storage) Set(ctx context.Context, key string, val []byte, exp time.Duration) error {
	return s.db.Set(ctx, s.prefix+key, val, exp).Err()
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.db.Del(ctx, s.prefix+key).Err()
}

// Reset deletes every key under the prefix using SCAN, so Redis is never blocked by KEYS.
func (s *Storage) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		batch, next, err := s.db.Scan(ctx, cursor, s.prefix+"*", s.scanBatchSize).Result()
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := s.db.Del(ctx, batch...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
