package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/backstage/services/catalog/config"
)

const redisKeyPrefix = "catalog:idempotency:"

// RedisStore implements Store on Redis. Expiry is delegated to key TTLs.
type RedisStore struct {
	client *redis.Client
	opts   options
}

var _ Store = (*RedisStore)(nil)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}
	return client, nil
}

// NewRedisStore creates a Redis-backed idempotency store
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: newOptions(opts)}
}

// CheckIdempotency returns the record for key if its TTL has not elapsed
func (s *RedisStore) CheckIdempotency(ctx context.Context, key string) (Record, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrap(err, "failed to get idempotency key from Redis")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, errors.Wrap(err, "failed to unmarshal idempotency record")
	}
	return rec, true, nil
}

// RecordProcessedCommand stores rec with ttl unless the key is already set
func (s *RedisStore) RecordProcessedCommand(ctx context.Context, rec Record, ttl time.Duration) error {
	now := s.opts.now()
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = now
	}
	rec.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal idempotency record")
	}

	if err := s.client.SetNX(ctx, redisKeyPrefix+rec.Key, data, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store idempotency key in Redis")
	}
	return nil
}

// PurgeExpired is a no-op; Redis evicts expired keys itself
func (s *RedisStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
