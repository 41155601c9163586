// Package cache implements the stale-while-revalidate cache layer: entries
// carry their own freshness metadata, and invalidation travels over a
// broadcast channel so writers never couple to cache topology.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable indicates the cache backend cannot be reached. Readers
// treat it as a universal MISS and fall through to the backing store.
var ErrUnavailable = errors.New("cache: store unavailable")

// Freshness is the three-state outcome of a cache read.
type Freshness int

const (
	// Missing means no usable entry: never set, or past hard expiry.
	Missing Freshness = iota
	// Fresh means the entry is within its freshness window.
	Fresh
	// Stale means past fresh_until but within hard_expiry; the value is
	// still served while a background refresh is due.
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

// Entry is the serialized envelope stored per key.
type Entry struct {
	Payload    json.RawMessage `json:"payload"`
	CachedAt   time.Time       `json:"cached_at"`
	FreshUntil time.Time       `json:"fresh_until"`
	HardExpiry time.Time       `json:"hard_expiry"`
}

// StateAt classifies the entry relative to now.
func (e Entry) StateAt(now time.Time) Freshness {
	if e.CachedAt.IsZero() || !now.Before(e.HardExpiry) {
		return Missing
	}
	if now.Before(e.FreshUntil) {
		return Fresh
	}
	return Stale
}

// Store is the cache contract. Get never fails on staleness; a Missing
// freshness with nil error is the normal cold-cache outcome.
type Store interface {
	Get(ctx context.Context, key string) (Entry, Freshness, error)
	Set(ctx context.Context, key string, payload []byte, freshTTL, hardTTL time.Duration) error
	Invalidator
}

// Invalidator publishes a key pattern on the invalidation channel. It never
// deletes remote entries directly; every cache instance subscribes and
// removes its own matching keys.
type Invalidator interface {
	Invalidate(ctx context.Context, pattern string) error
}

func newEntry(payload []byte, now time.Time, freshTTL, hardTTL time.Duration) Entry {
	return Entry{
		Payload:    payload,
		CachedAt:   now,
		FreshUntil: now.Add(freshTTL),
		HardExpiry: now.Add(hardTTL),
	}
}
