package state

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds the connection settings for shared leases
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCooldowns stores leases as expiring keys so that every instance
// sharing the Redis server sees the same cool-down.
type RedisCooldowns struct {
	client *redis.Client
	prefix string
}

// NewRedisCooldowns connects and pings the server
func NewRedisCooldowns(ctx context.Context, cfg RedisConfig) (*RedisCooldowns, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Addr, err)
	}
	return NewRedisCooldownsFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisCooldownsFromClient wraps an existing client
func NewRedisCooldownsFromClient(client *redis.Client, prefix string) *RedisCooldowns {
	return &RedisCooldowns{client: client, prefix: prefix}
}

func (r *RedisCooldowns) key(id string) string { return r.prefix + id }

func (r *RedisCooldowns) Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, r.key(id), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire cooldown %s: %w", id, err)
	}
	return ok, nil
}

func (r *RedisCooldowns) Release(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("release cooldown %s: %w", id, err)
	}
	return nil
}

func (r *RedisCooldowns) Close() error { return r.client.Close() }
