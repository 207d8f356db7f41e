// Package hotstore wraps the key-value store's SETEX/GET/KEYS/DEL/PING/
// INFO surface (§6), named only by the interface it presents since it is
// an external collaborator per §1. Grounded on the teacher's minimal
// RedisCache wrapper, widened to the full verb set C8 needs.
package hotstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HotStore is the interface C8 writes features through and obshealth
// probes for liveness.
type HotStore interface {
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Info(ctx context.Context) (string, error)
}

// RedisStore is the production HotStore backed by go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func (r *RedisStore) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("hotstore: setex %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hotstore: get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("hotstore: keys %s: %w", pattern, err)
	}
	return keys, nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("hotstore: del %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("hotstore: ping: %w", err)
	}
	return nil
}

func (r *RedisStore) Info(ctx context.Context) (string, error) {
	info, err := r.client.Info(ctx).Result()
	if err != nil {
		return "", fmt.Errorf("hotstore: info: %w", err)
	}
	return info, nil
}

// FeatureKey builds the "features:<symbol>:<unix_seconds>" key per §6.
func FeatureKey(symbol string, unixSeconds int64) string {
	return fmt.Sprintf("features:%s:%d", symbol, unixSeconds)
}

// LatestKey builds the companion "features:<symbol>:latest" pointer.
func LatestKey(symbol string) string {
	return fmt.Sprintf("features:%s:latest", symbol)
}
