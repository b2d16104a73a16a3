// Package cache keeps the last saved comment snapshot of each document in Redis
// so a reload does not have to hit Postgres.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronicle/comments/internal/persist"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when no snapshot is cached for a document.
var ErrMiss = errors.New("snapshot not cached")

// RedisStore implements snapshot caching using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed snapshot cache
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a cache from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "comments:snapshot:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

// Put stores the encoded snapshot, replacing any previous one.
func (s *RedisStore) Put(ctx context.Context, snapshot persist.Snapshot) error {
	payload, err := persist.Encode(snapshot)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(snapshot.DocumentID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

// Get returns ErrMiss when nothing is cached. A snapshot that fails its
// checksum is evicted and reported as a miss.
func (s *RedisStore) Get(ctx context.Context, documentID string) (persist.Snapshot, error) {
	key := s.key(documentID)
	payload, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return persist.Snapshot{}, ErrMiss
	}
	if err != nil {
		return persist.Snapshot{}, fmt.Errorf("lookup snapshot: %w", err)
	}

	snapshot, err := persist.Decode(payload)
	if err != nil {
		_ = s.client.Del(ctx, key).Err()
		return persist.Snapshot{}, fmt.Errorf("%w: %v", ErrMiss, err)
	}
	return snapshot, nil
}

// Invalidate deletes a cached snapshot
func (s *RedisStore) Invalidate(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
