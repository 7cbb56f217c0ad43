package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV adapts a Redis client to the KV contract.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV connects to Redis. addr is "host:port"; db selects the
// database index.
func NewRedisKV(addr string, db int) *RedisKV {
	return &RedisKV{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
	}
}

// NewRedisKVFromClient wraps an existing client; the caller owns its
// lifetime.
func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// SetIfAbsent implements KV.
func (r *RedisKV) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	set, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if set {
		return value, true, nil
	}
	existing, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The holder expired between SetNX and Get; report contention with
		// no winner so the caller retries.
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// Set implements KV.
func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get implements KV.
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Refresh implements KV.
func (r *RedisKV) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// Delete implements KV.
func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Publish implements KV.
func (r *RedisKV) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Subscribe implements KV.
func (r *RedisKV) Subscribe(ctx context.Context, channel string, handler func(string)) (func(), error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	go func() {
		for msg := range sub.Channel() {
			handler(msg.Payload)
		}
	}()
	return func() { sub.Close() }, nil
}

// Close releases the underlying client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
