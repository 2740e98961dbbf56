package catalog

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/circuitbreaker"
)

// Cache stores raw /object_info documents.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, raw []byte, ttl time.Duration)
}

// DefaultLocalCapacity bounds the in-process cache. One entry per backend.
const DefaultLocalCapacity = 8

// LocalLRU is a simple in-process LRU with TTL
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	now  func() time.Time
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	raw []byte
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}
	return &LocalLRU{cap: capacity, now: time.Now, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(l.now()) {
			l.list.MoveToFront(el)
			return ent.raw, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, raw []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: key, raw: raw, exp: l.now().Add(ttl)}
	if el, ok := l.m[key]; ok {
		el.Value = ent
		l.list.MoveToFront(el)
		return
	}
	l.m[key] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			delete(l.m, lru.Value.(lruEntry).key)
			l.list.Remove(lru)
		}
	}
}

// Len returns the number of live and expired entries held.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisCache uses circuit-breaker wrapped Redis
type RedisCache struct {
	cli    *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// NewRedisCache connects to the Redis instance at url (redis://host:port/db)
// and pings it once.
func NewRedisCache(ctx context.Context, url string, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisCacheFromClient(ctx, redis.NewClient(opts), logger)
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(ctx context.Context, client redis.Cmdable, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wrapper := circuitbreaker.NewRedisWrapper(client, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(pingCtx); err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper, logger: logger}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.cli.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Catalog cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return b, true
}

func (r *RedisCache) Set(ctx context.Context, key string, raw []byte, ttl time.Duration) {
	if err := r.cli.Set(ctx, key, raw, ttl); err != nil {
		r.logger.Warn("Catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping checks the Redis connection through the breaker.
func (r *RedisCache) Ping(ctx context.Context) error { return r.cli.Ping(ctx) }

// Breaker exposes the breaker guarding Redis calls.
func (r *RedisCache) Breaker() *circuitbreaker.CircuitBreaker { return r.cli.Breaker() }
