package wot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// CachedFollowSource layers a shared redis cache, with an in-process hot
// cache, over a FollowSource. Consecutive crawls fetch mostly the same
// contact lists, so the cache turns those into one relay round-trip per
// pubkey per TTL, shared across replicas. Fetch errors are never cached;
// the next crawl retries.
type CachedFollowSource struct {
	Inner FollowSource
	TTL   time.Duration

	cache *cache.Cache
}

var _ FollowSource = (*CachedFollowSource)(nil)

func NewCachedFollowSource(inner FollowSource, redisURL string, ttl time.Duration, lruSize int) (*CachedFollowSource, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis follow cache: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, fmt.Errorf("could not connect to redis follow cache: %w", err)
	}
	return &CachedFollowSource{
		Inner: inner,
		TTL:   ttl,
		cache: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(lruSize, ttl),
		}),
	}, nil
}

func (s *CachedFollowSource) Follows(ctx context.Context, pubkey string) ([]string, error) {
	key := followCacheKey(pubkey)

	var follows []string
	err := s.cache.Get(ctx, key, &follows)
	if err == nil {
		followCacheHits.Inc()
		return follows, nil
	}
	if err != cache.ErrCacheMiss {
		// degraded: a cache outage should not abort the crawl
		slog.Warn("follow cache read failed", "pubkey", pubkey, "err", err)
	}
	followCacheMisses.Inc()

	follows, err = s.Inner.Follows(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: follows,
		TTL:   s.TTL,
	}); err != nil {
		slog.Warn("follow cache write failed", "pubkey", pubkey, "err", err)
	}
	return follows, nil
}

func followCacheKey(pubkey string) string {
	return "lookout/follows/" + pubkey
}
