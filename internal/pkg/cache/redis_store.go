package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps JSON snapshots in Redis so replicas share one cache.
// Expiry is left to Redis.
type RedisStore[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore[V any](client *redis.Client, prefix string, ttl time.Duration) *RedisStore[V] {
	return &RedisStore[V]{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, bool) {
	var v V
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnw("[Cache] redis get failed", "key", s.prefix+key, "error", err)
		}
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warnw("[Cache] dropping undecodable entry", "key", s.prefix+key, "error", err)
		_ = s.client.Del(ctx, s.prefix+key).Err()
		return v, false
	}
	return v, true
}

func (s *RedisStore[V]) Set(ctx context.Context, key string, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Warnw("[Cache] cannot encode entry", "key", s.prefix+key, "error", err)
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		log.Warnw("[Cache] redis set failed", "key", s.prefix+key, "error", err)
	}
}

func (s *RedisStore[V]) Delete(ctx context.Context, key string) {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		log.Warnw("[Cache] redis delete failed", "key", s.prefix+key, "error", err)
	}
}
