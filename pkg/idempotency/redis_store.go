package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tradebot:idem:"

// RedisStore keeps records as JSON values with a TTL matching ExpiresAt.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	return &RedisStore{client: client}
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}
