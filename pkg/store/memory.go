package store

import (
	"sort"
	"sync"

	"github.com/convertly/convertly/pkg/status"
)

// MemoryStore is an in-process Store. Writes are serialized by a single
// mutex and observers are notified synchronously inside the writing
// call, so no two observers of a key can ever diverge at rest.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]status.EntityRecord
	nextID   int
	watchers map[string]map[int]Observer // key ("" = all) -> id -> observer
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]status.EntityRecord),
		watchers: make(map[string]map[int]Observer),
	}
}

// Get returns a snapshot of the record for key.
func (s *MemoryStore) Get(key string) (status.EntityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Set writes the record and synchronously notifies observers of its key
// and the wildcard observers, in registration order.
func (s *MemoryStore) Set(key string, record status.EntityRecord) {
	s.mu.Lock()
	s.records[key] = record
	targets := s.observersLocked(key)
	s.mu.Unlock()

	// Outside the lock so an observer may Get or Subscribe, but still
	// inside the Set call: delivery is per-write and in write order.
	for _, obs := range targets {
		obs(key, record)
	}
}

// Delete removes the record and notifies observers of its key with a
// record holding only the key, so a removal is as observable as a write.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	_, existed := s.records[key]
	delete(s.records, key)
	var targets []Observer
	if existed {
		targets = s.observersLocked(key)
	}
	s.mu.Unlock()

	for _, obs := range targets {
		obs(key, status.EntityRecord{Key: key})
	}
}

// Keys returns a snapshot of all present keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe registers an observer for one key ("" watches every key).
func (s *MemoryStore) Subscribe(key string, obs Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]Observer)
	}
	id := s.nextID
	s.nextID++
	s.watchers[key][id] = obs

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[key], id)
		})
	}
}

// observersLocked collects the observers to notify for a write to key,
// in stable registration order.
func (s *MemoryStore) observersLocked(key string) []Observer {
	collect := func(set map[int]Observer) []int {
		ids := make([]int, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		return ids
	}

	var out []Observer
	for _, id := range collect(s.watchers[key]) {
		out = append(out, s.watchers[key][id])
	}
	if key != "" {
		for _, id := range collect(s.watchers[""]) {
			out = append(out, s.watchers[""][id])
		}
	}
	return out
}
