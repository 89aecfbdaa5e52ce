package counter

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      int64
	str        string
	expiration int64 // Unix timestamp in nanoseconds, 0 means no expiry
}

func (it item) expired(now int64) bool {
	return it.expiration > 0 && now > it.expiration
}

// Memory implements Store with an in-process map. It is the default backend
// for single-node deployments and for tests.
type Memory struct {
	config    Config
	items     map[string]item
	mu        sync.Mutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan bool
}

// NewMemory creates a new in-memory counter store.
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]item),
	}
}

// Connect initializes the store and starts the expiry janitor.
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan bool)

	go func(stop <-chan bool) {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-stop:
				m.janitor.Stop()
				return
			}
		}
	}(m.stopChan)

	m.connected = true
	return nil
}

// Close stops the janitor and clears all counters.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	// Close, never send: a janitor pass waiting on m.mu would leave a
	// send with no receiver and deadlock the shutdown.
	close(m.stopChan)

	m.items = make(map[string]item)
	m.connected = false
	return nil
}

func (m *Memory) Name() string { return m.config.Name }

func (m *Memory) Type() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	it, found := m.items[key]
	if !found || it.expired(time.Now().UnixNano()) {
		return 0, ErrNotFound
	}
	return it.value, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	it, found := m.items[key]
	if !found || it.expired(time.Now().UnixNano()) {
		it = item{}
	}
	it.value += delta
	m.items[key] = it
	return it.value, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	it, found := m.items[key]
	if !found {
		return ErrNotFound
	}
	it.expiration = time.Now().Add(ttl).UnixNano()
	m.items[key] = it
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	it, found := m.items[key]
	now := time.Now().UnixNano()
	if !found || it.expired(now) {
		return 0, ErrNotFound
	}
	if it.expiration == 0 {
		return 0, nil
	}
	return time.Duration(it.expiration - now), nil
}

func (m *Memory) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}
	it, found := m.items[key]
	if found && !it.expired(time.Now().UnixNano()) {
		return false, nil
	}
	var expiration int64
	if ttl > 0 {
		expiration = time.Now().Add(ttl).UnixNano()
	}
	m.items[key] = item{str: value, expiration: expiration}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for key, it := range m.items {
		if it.expired(now) {
			delete(m.items, key)
		}
	}
}
