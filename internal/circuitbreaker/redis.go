package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisService = "catalog-cache"

// RedisWrapper guards a Redis client with a breaker. A missing key is not a
// failure.
type RedisWrapper struct {
	client redis.Cmdable
	cb     *CircuitBreaker
}

// NewRedisWrapper wraps client using RedisSettings.
func NewRedisWrapper(client redis.Cmdable, logger *zap.Logger) *RedisWrapper {
	cb := New("redis", RedisSettings().ToConfig(), logger)
	Instrument(cb, redisService)
	return &RedisWrapper{client: client, cb: cb}
}

// Breaker exposes the wrapped breaker.
func (rw *RedisWrapper) Breaker() *CircuitBreaker { return rw.cb }

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
	RecordRequest(rw.cb, redisService, err == nil)
	return err
}

// Get returns the value for key. redis.Nil is returned for a missing key.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		val    []byte
		getErr error
	)
	err := rw.cb.Execute(ctx, func() error {
		val, getErr = rw.client.Get(ctx, key).Bytes()
		if errors.Is(getErr, redis.Nil) {
			return nil
		}
		return getErr
	})
	RecordRequest(rw.cb, redisService, err == nil)
	if err != nil {
		return nil, err
	}
	return val, getErr
}

// Set stores value under key with ttl.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, ttl).Err()
	})
	RecordRequest(rw.cb, redisService, err == nil)
	return err
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Del(ctx, keys...).Err()
	})
	RecordRequest(rw.cb, redisService, err == nil)
	return err
}
