// Package approval holds the short-lived keyed registries used by the
// conversation channel: pending confirmations and pending parameter
// collections. Entries expire after a fixed TTL and are swept in the background.
package approval

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTLStore is a process-scoped keyed store whose entries expire after ttl.
// Operations on different keys share one mutex held only for map access.
type TTLStore[V any] struct {
	mu      sync.Mutex
	items   map[string]entry[V]
	ttl     time.Duration
	now     func() time.Time
	done    chan struct{}
	closeMu sync.Once
}

// NewTTLStore creates a store and starts its sweeper. Call Close to stop it.
func NewTTLStore[V any](ttl time.Duration) *TTLStore[V] {
	s := &TTLStore[V]{
		items: make(map[string]entry[V]),
		ttl:   ttl,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put stores v under key, replacing any previous value and resetting its TTL.
func (s *TTLStore[V]) Put(key string, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry[V]{value: v, expires: s.now().Add(s.ttl)}
}

// Get returns the live value for key.
func (s *TTLStore[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || !s.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take removes key and returns its value if it was still live.
// Of two concurrent Takes for one key, at most one succeeds.
func (s *TTLStore[V]) Take(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	delete(s.items, key)
	if !ok || !s.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (s *TTLStore[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *TTLStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep drops expired entries and returns how many were removed.
func (s *TTLStore[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.items {
		if !now.Before(e.expires) {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

func (s *TTLStore[V]) sweepLoop() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *TTLStore[V]) Close() {
	s.closeMu.Do(func() { close(s.done) })
}
