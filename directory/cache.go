package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"trainsync-relay/domain"
)

const keyPrefix = "directory:profile:"

var errCacheMiss = errors.New("cache miss")

type store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisStore struct {
	client *redis.Client
}

func (s redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errCacheMiss
	}
	return v, err
}

func (s redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Cached is a read-through cache in front of another Directory. Cache
// failures fall through to the backing directory.
type Cached struct {
	next  domain.Directory
	store store
	ttl   time.Duration
}

func NewCached(next domain.Directory, client *redis.Client, ttl time.Duration) *Cached {
	return newCached(next, redisStore{client: client}, ttl)
}

func newCached(next domain.Directory, s store, ttl time.Duration) *Cached {
	return &Cached{next: next, store: s, ttl: ttl}
}

func (c *Cached) Lookup(ctx context.Context, identity string) (domain.Profile, error) {
	key := keyPrefix + identity

	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var p domain.Profile
		if jerr := json.Unmarshal([]byte(raw), &p); jerr == nil {
			return p, nil
		}
		slog.Warn("corrupt directory cache entry", "key", key)
	case !errors.Is(err, errCacheMiss):
		slog.Warn("directory cache read failed", "key", key, "error", err)
	}

	p, err := c.next.Lookup(ctx, identity)
	if err != nil {
		return domain.Profile{}, err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return p, nil
	}
	if err := c.store.Set(ctx, key, string(data), c.ttl); err != nil {
		slog.Warn("directory cache write failed", "key", key, "error", err)
	}
	return p, nil
}

// ConnectRedis parses url and verifies the server is reachable.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("connected to Redis", "addr", opts.Addr)
	return client, nil
}
