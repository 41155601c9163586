package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"shelfwatch/internal/config"
)

// InvalidateChannel is the broadcast channel invalidation patterns travel
// on. Every cache instance subscribes; publishers never touch remote keys.
const InvalidateChannel = "shelfwatch.cache.invalidate"

// RedisStore implements Store backed by Redis/Valkey.
type RedisStore struct {
	client *goredis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore dials redis from runtime settings.
func NewRedisStore(cfg config.RedisConfig, logger zerolog.Logger) *RedisStore {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "shelfwatch:"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "cache_redis").Logger(),
	}
}

// NewRedisStoreFromClient wraps an existing client (useful for testing).
func NewRedisStoreFromClient(client *goredis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "shelfwatch:"
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// Client exposes the underlying connection for components that share it,
// such as the alert event publisher.
func (r *RedisStore) Client() *goredis.Client {
	return r.client
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Get fetches and classifies an entry. Past hard expiry the key is removed
// best-effort and Missing is returned.
func (r *RedisStore) Get(ctx context.Context, key string) (Entry, Freshness, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == goredis.Nil {
		return Entry{}, Missing, nil
	}
	if err != nil {
		return Entry{}, Missing, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Corrupt envelope; drop it and treat as a miss.
		r.logger.Warn().Str("key", key).Err(err).Msg("dropping undecodable cache entry")
		r.client.Del(ctx, r.prefix+key)
		return Entry{}, Missing, nil
	}

	state := entry.StateAt(time.Now().UTC())
	if state == Missing {
		r.client.Del(ctx, r.prefix+key)
		return Entry{}, Missing, nil
	}
	return entry, state, nil
}

// Set stores an envelope; the redis expiry mirrors the hard expiry so dead
// entries do not linger.
func (r *RedisStore) Set(ctx context.Context, key string, payload []byte, freshTTL, hardTTL time.Duration) error {
	entry := newEntry(payload, time.Now().UTC(), freshTTL, hardTTL)
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, hardTTL).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Invalidate publishes the pattern; deletion happens in the subscribers.
func (r *RedisStore) Invalidate(ctx context.Context, pattern string) error {
	if err := r.client.Publish(ctx, InvalidateChannel, pattern).Err(); err != nil {
		return fmt.Errorf("%w: publish invalidate %s: %v", ErrUnavailable, pattern, err)
	}
	return nil
}

// Subscribe runs the invalidation listener until ctx is cancelled, deleting
// local keys that match each received pattern.
func (r *RedisStore) Subscribe(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: invalidation channel closed", ErrUnavailable)
			}
			if err := r.dropMatching(ctx, msg.Payload); err != nil {
				r.logger.Error().Err(err).Str("pattern", msg.Payload).Msg("invalidation sweep failed")
			}
		}
	}
}

func (r *RedisStore) dropMatching(ctx context.Context, pattern string) error {
	// Escape glob metacharacters that could appear in entity ids; '*' stays
	// meaningful because it is part of the pattern grammar itself.
	match := redisPatternEscaper.Replace(r.prefix + pattern)
	iter := r.client.Scan(ctx, 0, match, 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 256 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
	}
	r.logger.Debug().Str("pattern", pattern).Msg("invalidation applied")
	return nil
}

var redisPatternEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`, `?`, `\?`)

var _ Store = (*RedisStore)(nil)
