package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Store for Memcached. Memcached decrements saturate
// at zero and increments require an existing key, so IncrBy falls back to
// an Add when the counter does not exist yet.
type Memcached struct {
	client    *memcache.Client
	config    Config
	connected bool
}

// NewMemcached creates a new Memcached counter store.
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server.
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	m.client = memcache.New(fmt.Sprintf("%s:%d", host, m.config.Port))

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close releases the client. The memcache client has no explicit close.
func (m *Memcached) Close() error {
	m.client = nil
	m.connected = false
	return nil
}

func (m *Memcached) Name() string { return m.config.Name }

func (m *Memcached) Type() string { return "memcached" }

func (m *Memcached) Get(_ context.Context, key string) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	it, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(it.Value), 10, 64)
}

func (m *Memcached) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	if delta >= 0 {
		value, err := m.client.Increment(key, uint64(delta))
		if errors.Is(err, memcache.ErrCacheMiss) {
			err = m.client.Add(&memcache.Item{Key: key, Value: []byte(strconv.FormatInt(delta, 10))})
			if errors.Is(err, memcache.ErrNotStored) {
				// Lost the race with another writer, retry as increment.
				value, err = m.client.Increment(key, uint64(delta))
			} else if err == nil {
				return delta, nil
			}
		}
		return int64(value), err
	}
	value, err := m.client.Decrement(key, uint64(-delta))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, ErrNotFound
	}
	return int64(value), err
}

func (m *Memcached) Expire(_ context.Context, key string, ttl time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}
	return m.client.Touch(key, int32(ttl.Seconds()))
}

// TTL is not supported by the memcached protocol; rate limiter callers fall
// back to the configured window period.
func (m *Memcached) TTL(_ context.Context, _ string) (time.Duration, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	return 0, nil
}

func (m *Memcached) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}
	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: int32(ttl.Seconds()),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	return err == nil, err
}

func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
