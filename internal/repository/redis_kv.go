package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores each namespace as a Redis hash.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps an existing client.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (r *RedisKV) Put(ctx context.Context, namespace, field string, payload []byte) error {
	if err := r.rdb.HSet(ctx, namespace, field, payload).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", namespace, err)
	}
	return nil
}

func (r *RedisKV) Get(ctx context.Context, namespace, field string) ([]byte, error) {
	v, err := r.rdb.HGet(ctx, namespace, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget %s: %w", namespace, err)
	}
	return v, nil
}

func (r *RedisKV) Delete(ctx context.Context, namespace, field string) error {
	if err := r.rdb.HDel(ctx, namespace, field).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", namespace, err)
	}
	return nil
}

func (r *RedisKV) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	m, err := r.rdb.HGetAll(ctx, namespace).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", namespace, err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisKV) Namespaces(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}
