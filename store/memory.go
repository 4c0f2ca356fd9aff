package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type MemoryConfig struct {
	MaxEntries int `json:"max_entries"`
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore keeps entries in process. Expired entries are dropped lazily.
type MemoryStore struct {
	logger  types.Logger
	config  *MemoryConfig
	data    map[string]memoryEntry
	now     types.Clock
	mu      sync.RWMutex
	running atomic.Bool
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now types.Clock) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

func NewMemoryStore(logger types.Logger, config *types.StoreConfig, opts ...MemoryOption) (*MemoryStore, error) {
	memConfig := &MemoryConfig{}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	m := &MemoryStore{
		logger: logger,
		config: memConfig,
		data:   make(map[string]memoryEntry),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *MemoryStore) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return types.ErrServiceIsRunning
	}
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return types.ErrServiceIsNotRunning
	}
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.running.Load()
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()

	if !ok || m.expired(entry) {
		return nil, types.ErrStoreNotFound
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists && m.config.MaxEntries > 0 && len(m.data) >= m.config.MaxEntries {
		m.evictExpiredLocked()
		if len(m.data) >= m.config.MaxEntries {
			return types.Errorf(types.ErrStoreOperationFailed, "memory store is full (%d entries)", m.config.MaxEntries)
		}
	}

	m.data[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

// Scan visits live entries in key order. fn runs without the lock held.
func (m *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key, entry := range m.data {
		if strings.HasPrefix(key, prefix) && !m.expired(entry) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		value, err := m.Get(ctx, key)
		if types.IsError(err, types.ErrStoreNotFound) {
			continue
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}

	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt)
}

func (m *MemoryStore) evictExpiredLocked() {
	for key, entry := range m.data {
		if m.expired(entry) {
			delete(m.data, key)
		}
	}
}
