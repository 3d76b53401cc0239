package sharedstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis client.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisStore wraps client. Keys are namespaced under prefix and every call is
// bounded by timeout (DefaultTimeout when zero or negative).
func NewRedisStore(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:payouts"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &RedisStore{
		client:  client,
		prefix:  trimmedPrefix,
		timeout: timeout,
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

// SetNX implements Store.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	created, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return created, nil
}

// Del implements Store.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// AddToWindow implements Store. The prune, insert, count and expiry refresh run in
// one MULTI/EXEC so concurrent workers never observe a half-applied window.
func (s *RedisStore) AddToWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (WindowResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fullKey := s.key(key)
	nowMs := now.UnixMilli()
	cutoff := strconv.FormatInt(nowMs-window.Milliseconds(), 10)

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, fullKey, "-inf", cutoff)
		pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, fullKey)
		oldest = pipe.ZRangeWithScores(ctx, fullKey, 0, 0)
		pipe.PExpire(ctx, fullKey, 2*window)
		return nil
	})
	if err != nil {
		return WindowResult{}, unavailable("window", err)
	}

	result := WindowResult{Count: card.Val(), Oldest: now}
	if entries := oldest.Val(); len(entries) > 0 {
		result.Oldest = time.UnixMilli(int64(entries[0].Score))
	}
	return result, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
