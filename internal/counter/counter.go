// Package counter provides the shared counter store used by rate limiters
// and queue quotas. Counters are the only mutable state shared across
// concurrent deliveries, so every backend must implement atomic
// increment semantics.
package counter

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in counter store")
	ErrNotConnected = errors.New("not connected to counter store")
)

// Store defines the operations the queue core needs from a counter backend.
type Store interface {
	// Connect establishes a connection to the backend.
	Connect() error

	// Close closes the connection to the backend.
	Close() error

	// Name returns the configured name of this store instance.
	Name() string

	// Type returns the backend type ("redis", "memcached", "memory").
	Type() string

	// Get retrieves the current value of a counter. Missing keys return
	// ErrNotFound.
	Get(ctx context.Context, key string) (int64, error)

	// IncrBy atomically adds delta to a counter and returns the new value,
	// creating the counter at delta if it does not exist.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a time-to-live on a key. Rate limiter windows rely on
	// key expiry to reset.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time-to-live of a key, or zero when the
	// key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SetNX stores a value only if the key does not exist. Used for
	// distributed message locks.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error
}

// Config describes a counter store instance.
type Config struct {
	Type     string // "redis", "memcached" or "memory"
	Name     string
	Host     string
	Port     int
	Password string
	Database int // Redis database number
}

// Factory creates a counter store from configuration.
func Factory(config Config) (Store, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported counter store type: " + config.Type)
	}
}
