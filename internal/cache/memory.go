package cache

import (
	"context"
	"sync"
	"time"
)

// Bus is a process-local invalidation channel for redis-less deployments
// and tests. Delivery is synchronous: Publish returns after every
// subscriber has applied the pattern, which also gives tests a
// deterministic ordering guarantee.
type Bus struct {
	mu   sync.RWMutex
	subs []func(pattern string)
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish fans the pattern out to every subscriber.
func (b *Bus) Publish(pattern string) {
	b.mu.RLock()
	subs := make([]func(string), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(pattern)
	}
}

// Subscribe registers a handler for published patterns.
func (b *Bus) Subscribe(handler func(pattern string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, handler)
}

// MemoryStore implements Store with an in-process map. It subscribes
// itself to the bus so invalidation follows the same publish path as the
// redis backend.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	bus     *Bus
	now     func() time.Time
}

// NewMemoryStore constructs a memory cache attached to a bus. A nil bus
// gets a private one.
func NewMemoryStore(bus *Bus) *MemoryStore {
	if bus == nil {
		bus = NewBus()
	}
	s := &MemoryStore{
		entries: make(map[string]Entry),
		bus:     bus,
		now:     func() time.Time { return time.Now().UTC() },
	}
	bus.Subscribe(s.dropMatching)
	return s
}

// SetClock overrides the clock, for freshness tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get classifies and returns the entry under key.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, Freshness, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()

	if !ok {
		return Entry{}, Missing, nil
	}
	state := entry.StateAt(now)
	if state == Missing {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return Entry{}, Missing, nil
	}
	return entry, state, nil
}

// Set stores an envelope under key.
func (s *MemoryStore) Set(_ context.Context, key string, payload []byte, freshTTL, hardTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = newEntry(payload, s.now(), freshTTL, hardTTL)
	return nil
}

// Invalidate publishes the pattern on the bus.
func (s *MemoryStore) Invalidate(_ context.Context, pattern string) error {
	s.bus.Publish(pattern)
	return nil
}

// Len reports the live entry count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) dropMatching(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if MatchKey(pattern, key) {
			delete(s.entries, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
