package livesync

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// CacheKey describes a cached resource. An ID of 0 addresses every entry of
// the resource.
type CacheKey struct {
	Resource string
	ID       int64
}

func (k CacheKey) String() string {
	if k.ID == 0 {
		return k.Resource
	}
	return k.Resource + ":" + strconv.FormatInt(k.ID, 10)
}

// matches reports whether k addresses other.
func (k CacheKey) matches(other CacheKey) bool {
	return k.Resource == other.Resource && (k.ID == 0 || k.ID == other.ID)
}

// Invalidator marks cached data stale so the data layer refetches it.
type Invalidator interface {
	Invalidate(keys ...CacheKey)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(keys ...CacheKey)

func (f InvalidatorFunc) Invalidate(keys ...CacheKey) { f(keys...) }

// ============================================================================
// MemoryCache
// ============================================================================

// CacheEntry is one cached value.
type CacheEntry struct {
	Value     any
	Stale     bool
	UpdatedAt time.Time
}

// MemoryCache is a goroutine-safe in-memory Invalidator. Invalidated entries
// are kept but flagged stale, and OnStale listeners are told which keys to
// refetch.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[CacheKey]*CacheEntry
	listeners []func(keys []CacheKey)
	now       func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[CacheKey]*CacheEntry),
		now:     time.Now,
	}
}

// Put stores a fresh value.
func (m *MemoryCache) Put(key CacheKey, value any) {
	if key.Resource == "" {
		panic(fmt.Sprintf("livesync: invalid cache key %v", key))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &CacheEntry{Value: value, UpdatedAt: m.now()}
}

// Get returns the entry for key.
func (m *MemoryCache) Get(key CacheKey) (CacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	return *e, true
}

// Delete removes the entry for key.
func (m *MemoryCache) Delete(key CacheKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of entries.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// StaleKeys returns every stale key, sorted.
func (m *MemoryCache) StaleKeys() []CacheKey {
	m.mu.RLock()
	var keys []CacheKey
	for k, e := range m.entries {
		if e.Stale {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// OnStale registers a listener called with the descriptors passed to each
// Invalidate, whether or not entries exist for them yet.
func (m *MemoryCache) OnStale(fn func(keys []CacheKey)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Invalidate flags every entry addressed by keys as stale.
func (m *MemoryCache) Invalidate(keys ...CacheKey) {
	if len(keys) == 0 {
		return
	}

	m.mu.Lock()
	for k, e := range m.entries {
		for _, want := range keys {
			if want.matches(k) {
				e.Stale = true
				break
			}
		}
	}
	listeners := append([]func([]CacheKey){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(keys)
	}
}
