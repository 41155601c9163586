// Package readpath implements the cache-first read façade: fresh hits are
// returned as-is, stale hits are served while one background refresh runs,
// and misses coalesce onto a single loader call.
package readpath

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"shelfwatch/internal/cache"
)

// Loader fetches the authoritative payload from the fact/mart store.
type Loader func(ctx context.Context) ([]byte, error)

// TTL pairs the freshness window with the hard expiry for one key class.
type TTL struct {
	Fresh time.Duration
	Hard  time.Duration
}

// Result is what a read returns. Staleness is a degraded-but-valid state:
// callers only see an error when the value is missing AND the loader fails.
type Result struct {
	Payload   json.RawMessage
	Cached    bool
	Freshness cache.Freshness
	StaleAt   time.Time
}

// Options tune coordinator timeouts.
type Options struct {
	LoaderTimeout  time.Duration
	RefreshTimeout time.Duration
}

// Coordinator drives the SWR state machine per key.
type Coordinator struct {
	store  cache.Store
	opts   Options
	logger zerolog.Logger

	misses singleflight.Group

	mu         sync.Mutex
	refreshing map[string]struct{}
}

// New constructs a Coordinator over a cache store.
func New(store cache.Store, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.LoaderTimeout <= 0 {
		opts.LoaderTimeout = 3 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 5 * time.Second
	}
	return &Coordinator{
		store:      store,
		opts:       opts,
		logger:     logger.With().Str("component", "readpath").Logger(),
		refreshing: make(map[string]struct{}),
	}
}

// Read resolves one key. FRESH returns immediately; STALE returns the old
// value and schedules at most one background refresh; MISS invokes the
// loader once for all concurrent callers and populates the cache. A cache
// outage degrades to a direct loader call instead of failing the read.
func (c *Coordinator) Read(ctx context.Context, key string, ttl TTL, loader Loader) (Result, error) {
	entry, state, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			c.logger.Warn().Str("key", key).Msg("cache unavailable; serving from backing store")
			payload, loadErr := c.load(ctx, loader)
			if loadErr != nil {
				return Result{}, loadErr
			}
			return Result{Payload: payload, Freshness: cache.Missing}, nil
		}
		return Result{}, err
	}

	switch state {
	case cache.Fresh:
		return Result{Payload: entry.Payload, Cached: true, Freshness: cache.Fresh, StaleAt: entry.FreshUntil}, nil
	case cache.Stale:
		c.scheduleRefresh(key, ttl, loader)
		return Result{Payload: entry.Payload, Cached: true, Freshness: cache.Stale, StaleAt: entry.FreshUntil}, nil
	}

	payload, err := c.loadAndStore(ctx, key, ttl, loader)
	if err != nil {
		return Result{}, err
	}
	return Result{Payload: payload, Freshness: cache.Missing, StaleAt: time.Now().UTC().Add(ttl.Fresh)}, nil
}

// loadAndStore coalesces concurrent misses for one key onto a single
// loader invocation; every waiter shares the result or the failure.
func (c *Coordinator) loadAndStore(ctx context.Context, key string, ttl TTL, loader Loader) ([]byte, error) {
	v, err, _ := c.misses.Do(key, func() (any, error) {
		// Detach from the first caller's cancellation so one impatient
		// client cannot fail every coalesced waiter.
		loadCtx := context.WithoutCancel(ctx)
		payload, loadErr := c.load(loadCtx, loader)
		if loadErr != nil {
			return nil, loadErr
		}
		if setErr := c.store.Set(loadCtx, key, payload, ttl.Fresh, ttl.Hard); setErr != nil {
			c.logger.Warn().Str("key", key).Err(setErr).Msg("cache populate failed")
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// scheduleRefresh starts a background refresh unless one is already in
// flight for the key.
func (c *Coordinator) scheduleRefresh(key string, ttl TTL, loader Loader) {
	c.mu.Lock()
	if _, busy := c.refreshing[key]; busy {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
		defer cancel()

		payload, err := loader(ctx)
		if err != nil {
			// The stale value keeps serving; the next stale hit retries.
			c.logger.Warn().Str("key", key).Err(err).Msg("background refresh failed")
			return
		}
		if err := c.store.Set(ctx, key, payload, ttl.Fresh, ttl.Hard); err != nil {
			c.logger.Warn().Str("key", key).Err(err).Msg("background refresh store failed")
			return
		}
		c.logger.Debug().Str("key", key).Msg("background refresh completed")
	}()
}

func (c *Coordinator) load(ctx context.Context, loader Loader) ([]byte, error) {
	loadCtx, cancel := context.WithTimeout(ctx, c.opts.LoaderTimeout)
	defer cancel()
	return loader(loadCtx)
}
