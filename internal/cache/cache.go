// Package cache provides the lookaside store for derived authorization
// context. A cache is never authoritative: every caller must behave
// correctly, only slower, when it always misses or fails.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
)

var (
	hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_cache_hits_total",
		Help: "Lookaside cache hits by backend.",
	}, []string{"backend"})
	missesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_cache_misses_total",
		Help: "Lookaside cache misses by backend.",
	}, []string{"backend"})
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_cache_errors_total",
		Help: "Lookaside cache backend failures.",
	}, []string{"backend"})
)

// Store is a byte-oriented key-value cache
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// NullStore always misses
type NullStore struct{}

func (NullStore) Get(context.Context, string) ([]byte, bool, error) {
	missesTotal.WithLabelValues("null").Inc()
	return nil, false, nil
}

func (NullStore) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NullStore) Delete(context.Context, ...string) error { return nil }

// MemoryStore is a per-instance LRU with a fixed TTL. The ttl argument of
// Set is ignored in favour of the TTL given at construction.
type MemoryStore struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryStore creates an LRU holding at most size entries for ttl
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	return &MemoryStore{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	if ok {
		hitsTotal.WithLabelValues("memory").Inc()
		return v, true, nil
	}
	missesTotal.WithLabelValues("memory").Inc()
	return nil, false, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.lru.Add(key, value)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}

// RedisStore is a shared cache backed by Redis
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client; keys are namespaced by prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		missesTotal.WithLabelValues("redis").Inc()
		return nil, false, nil
	case err != nil:
		errorsTotal.WithLabelValues("redis").Inc()
		return nil, false, err
	}
	hitsTotal.WithLabelValues("redis").Inc()
	return b, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		errorsTotal.WithLabelValues("redis").Inc()
		return err
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		errorsTotal.WithLabelValues("redis").Inc()
		return err
	}
	return nil
}

// GetJSON decodes a cached value. Backend and decode failures are logged and
// reported as a miss.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool) {
	var zero T
	b, ok, err := s.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "cache get failed", logger.Component("cache"), logger.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		slog.WarnContext(ctx, "cache entry undecodable", logger.Component("cache"), logger.Error(err))
		return zero, false
	}
	return v, true
}

// SetJSON encodes and stores v; failures are logged, never returned.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.WarnContext(ctx, "cache encode failed", logger.Component("cache"), logger.Error(err))
		return
	}
	if err := s.Set(ctx, key, b, ttl); err != nil {
		slog.WarnContext(ctx, "cache set failed", logger.Component("cache"), logger.Error(err))
	}
}

// Invalidate removes keys; failures are logged, never returned.
func Invalidate(ctx context.Context, s Store, keys ...string) {
	if err := s.Delete(ctx, keys...); err != nil {
		slog.WarnContext(ctx, "cache invalidate failed", logger.Component("cache"), logger.Error(err))
	}
}

// ContextKey is the cache key of a user's derived authorization context in a group
func ContextKey(userID, groupID int64) string {
	return "authctx:" + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(groupID, 10)
}

// ContextInvalidator drops cached authorization context when bindings change
type ContextInvalidator struct {
	Store Store
}

// InvalidateContext removes the cached context of userID in groupID
func (c ContextInvalidator) InvalidateContext(ctx context.Context, userID, groupID int64) {
	Invalidate(ctx, c.Store, ContextKey(userID, groupID))
}

// Options selects and sizes a backend for Open
type Options struct {
	Backend   string
	RedisAddr string
	RedisDB   int
	Password  string
	Prefix    string
	Size      int
	TTL       time.Duration
}

// Open builds the configured backend. It never fails: an unreachable Redis
// is kept and degrades to misses per call until it comes back.
func Open(ctx context.Context, opts Options) Store {
	switch opts.Backend {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{opts.RedisAddr},
			DB:       opts.RedisDB,
			Password: opts.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			errorsTotal.WithLabelValues("redis").Inc()
			slog.WarnContext(ctx, "redis unreachable, cache will miss until it recovers",
				logger.Component("cache"), slog.String("addr", opts.RedisAddr), logger.Error(err))
		}
		slog.InfoContext(ctx, "authorization context cache", logger.Component("cache"), slog.String("backend", "redis"))
		return NewRedisStore(client, opts.Prefix)
	case "none":
		slog.InfoContext(ctx, "authorization context cache", logger.Component("cache"), slog.String("backend", "none"))
		return NullStore{}
	default:
		slog.WarnContext(ctx, "memory cache invalidates only this instance; use redis when running replicas",
			logger.Component("cache"), slog.String("backend", "memory"))
		return NewMemoryStore(opts.Size, opts.TTL)
	}
}
