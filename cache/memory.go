package cache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process LRU Store. It serves as the degraded fallback
// for the pure caching namespaces and as the backend in tests. Capacity is a
// max entry count; inserting past it evicts the least recently used entry.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	now      func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore holding at most capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

func (m *MemoryStore) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

// lookup returns a live entry, pruning it if expired. Caller holds the lock.
func (m *MemoryStore) lookup(key string) (*memoryEntry, bool) {
	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if m.expired(entry) {
		m.order.Remove(elem)
		delete(m.entries, key)
		return nil, false
	}
	m.order.MoveToFront(elem)
	return entry, true
}

// put inserts or replaces an entry, evicting LRU entries over capacity.
// Caller holds the lock.
func (m *MemoryStore) put(key string, value []byte, ttl time.Duration) *memoryEntry {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		m.order.MoveToFront(elem)
		return entry
	}
	entry := &memoryEntry{key: key, value: value, expiresAt: expiresAt}
	m.entries[key] = m.order.PushFront(entry)
	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
	return entry
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value, ttl)
	return nil
}

// SetNX implements Store.
func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.lookup(key); exists {
		return false, nil
	}
	m.put(key, value, ttl)
	return true, nil
}

// Incr implements Store. Counters are stored as decimal strings so Get
// interoperates.
func (m *MemoryStore) Incr(_ context.Context, key string, amount int64, ttlOnCreate time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookup(key)
	if !ok {
		m.put(key, []byte(strconv.FormatInt(amount, 10)), ttlOnCreate)
		return amount, nil
	}
	cur, _ := strconv.ParseInt(string(entry.value), 10, 64)
	cur += amount
	entry.value = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

// IncrFloat implements Store.
func (m *MemoryStore) IncrFloat(_ context.Context, key string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur float64
	entry, ok := m.lookup(key)
	if ok {
		cur, _ = strconv.ParseFloat(string(entry.value), 64)
	}
	cur += amount
	if ok {
		entry.value = []byte(strconv.FormatFloat(cur, 'f', -1, 64))
	} else {
		m.put(key, []byte(strconv.FormatFloat(cur, 'f', -1, 64)), 0)
	}
	return cur, nil
}

// DecrBounded implements Store. The single mutex makes the check-and-write
// atomic within the process.
func (m *MemoryStore) DecrBounded(_ context.Context, key string, amount, floor float64) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur float64
	entry, ok := m.lookup(key)
	if ok {
		cur, _ = strconv.ParseFloat(string(entry.value), 64)
	}
	next := cur - amount
	if next < floor {
		return cur, false, nil
	}
	if ok {
		entry.value = []byte(strconv.FormatFloat(next, 'f', -1, 64))
	} else {
		m.put(key, []byte(strconv.FormatFloat(next, 'f', -1, 64)), 0)
	}
	return next, true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[key]; ok {
		m.order.Remove(elem)
		delete(m.entries, key)
	}
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of live entries. Expired entries still resident
// count until touched.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
