package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "gridwork:lease:"

// RedisRegistry stores each lease as a key with an expiry, so leases are
// shared by every feeder and dispatcher pointed at the same server.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// DialRedis connects to url (redis://host:port/db) and verifies the connection.
func DialRedis(ctx context.Context, url, password, prefix string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRegistry(client, prefix), nil
}

// NewRedisRegistry wraps an existing client.
func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisRegistry{client: client, prefix: prefix}
}

func (r *RedisRegistry) key(owner string) string {
	return r.prefix + owner
}

func (r *RedisRegistry) Renew(ctx context.Context, owner string, ttl time.Duration) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	if err := r.client.Set(ctx, r.key(owner), time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("renew lease %s: %w", owner, err)
	}
	return nil
}

func (r *RedisRegistry) Alive(ctx context.Context, owner string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(owner)).Result()
	if err != nil {
		return false, fmt.Errorf("check lease %s: %w", owner, err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) Revoke(ctx context.Context, owner string) error {
	if err := r.client.Del(ctx, r.key(owner)).Err(); err != nil {
		return fmt.Errorf("revoke lease %s: %w", owner, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
