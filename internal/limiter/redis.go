package limiter

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the part of *redis.Client the limiter needs.
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis keeps failure counters and locks as expiring keys.
type Redis struct {
	rdb      redisClient
	prefix   string
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// NewRedis constructs a Redis-backed limiter. Keys are namespaced by prefix.
func NewRedis(rdb redisClient, prefix string, window time.Duration, maxFails int, blockFor time.Duration) *Redis {
	if prefix == "" {
		prefix = "outpass:scan"
	}
	return &Redis{rdb: rdb, prefix: prefix, window: window, maxFails: maxFails, blockFor: blockFor}
}

// NewRedisFromURL parses a redis:// URL and connects lazily.
func NewRedisFromURL(url string, window time.Duration, maxFails int, blockFor time.Duration) (*Redis, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	c := redis.NewClient(opt)
	return NewRedis(c, "", window, maxFails, blockFor), c, nil
}

func (l *Redis) keys(subject string, srcHash []byte) (fails, lock string) {
	base := l.prefix + ":" + subject + ":" + hex.EncodeToString(srcHash)
	return base + ":fails", base + ":lock"
}

// Allow reports whether a lock key is live.
func (l *Redis) Allow(ctx context.Context, subject string, srcHash []byte) (bool, time.Duration, error) {
	_, lock := l.keys(subject, srcHash)
	ttl, err := l.rdb.PTTL(ctx, lock).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, err
	}
	if ttl > 0 {
		return false, ttl, nil
	}
	return true, 0, nil
}

// Success drops the counter and any lock.
func (l *Redis) Success(ctx context.Context, subject string, srcHash []byte) error {
	fails, lock := l.keys(subject, srcHash)
	return l.rdb.Del(ctx, fails, lock).Err()
}

// Failure bumps the windowed counter and locks once it reaches maxFails.
func (l *Redis) Failure(ctx context.Context, subject string, srcHash []byte) (bool, time.Duration, error) {
	fails, lock := l.keys(subject, srcHash)
	n, err := l.rdb.Incr(ctx, fails).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, fails, l.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if n < int64(l.maxFails) {
		return false, 0, nil
	}
	if err := l.rdb.Set(ctx, lock, "1", l.blockFor).Err(); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
