package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the keys written by RedisDetector
const DefaultKeyPrefix = "phase4:received:"

// RedisConfig holds the connection settings of a RedisDetector
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisDetector shares duplicate detection between several receiver
// instances. Each message ID is a key set with SETNX and expiring after the
// window.
type RedisDetector struct {
	client *redis.Client
	prefix string
}

// NewRedisDetector connects to Redis and checks the connection
func NewRedisDetector(ctx context.Context, cfg *RedisConfig) (*RedisDetector, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisDetectorWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisDetectorWithClient wraps an existing client. An empty prefix
// means DefaultKeyPrefix.
func NewRedisDetectorWithClient(client *redis.Client, prefix string) *RedisDetector {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisDetector{client: client, prefix: prefix}
}

// SeenBefore implements DuplicateDetector
func (d *RedisDetector) SeenBefore(ctx context.Context, messageID string, window time.Duration) (bool, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	stored, err := d.client.SetNX(ctx, d.prefix+messageID, time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed for message %s: %w", messageID, err)
	}
	return !stored, nil
}

// Forget implements DuplicateDetector
func (d *RedisDetector) Forget(ctx context.Context, messageID string) error {
	if err := d.client.Del(ctx, d.prefix+messageID).Err(); err != nil {
		return fmt.Errorf("redis del failed for message %s: %w", messageID, err)
	}
	return nil
}

// Close closes the Redis client
func (d *RedisDetector) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// Ping checks that Redis is reachable
func (d *RedisDetector) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
