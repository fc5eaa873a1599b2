package identity

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const blockedKeyPrefix = "cadence:blocked:"

// RedisBlocklist shares disabled-account state between server instances so a
// block issued by one node is enforced by all of them without a database read.
type RedisBlocklist struct {
	client *redis.Client
}

// NewRedisBlocklist parses a redis URL (redis://[:password@]host:port/db).
func NewRedisBlocklist(url string) (*RedisBlocklist, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBlocklist{client: redis.NewClient(opts)}, nil
}

// NewRedisBlocklistFromClient wraps an existing client.
func NewRedisBlocklistFromClient(client *redis.Client) *RedisBlocklist {
	return &RedisBlocklist{client: client}
}

func (b *RedisBlocklist) Block(ctx context.Context, username string) error {
	return b.client.Set(ctx, blockedKeyPrefix+username, "1", 0).Err()
}

func (b *RedisBlocklist) Unblock(ctx context.Context, username string) error {
	return b.client.Del(ctx, blockedKeyPrefix+username).Err()
}

func (b *RedisBlocklist) IsBlocked(ctx context.Context, username string) (bool, error) {
	n, err := b.client.Exists(ctx, blockedKeyPrefix+username).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping checks connectivity for health reporting.
func (b *RedisBlocklist) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (b *RedisBlocklist) Close() error {
	return b.client.Close()
}
