package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store for Redis. Counters map directly onto Redis
// integer keys, which gives atomic INCRBY across all queue nodes.
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis counter store.
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379
	}
	return &Redis{config: config}
}

// Connect establishes a connection to Redis.
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis.
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return err
	}
	r.connected = false
	return nil
}

func (r *Redis) Name() string { return r.config.Name }

func (r *Redis) Type() string { return "redis" }

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}
	value, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return value, err
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}
	return r.client.IncrBy(ctx, key, delta).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		// -2 means the key does not exist, -1 means no expiry.
		if ttl == -2*time.Second {
			return 0, ErrNotFound
		}
		return 0, nil
	}
	return ttl, nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Del(ctx, key).Err()
}
