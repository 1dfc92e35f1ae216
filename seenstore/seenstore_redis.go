package seenstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisSeenPrefix string = "seen/"

// RedisSeenStore shares the seen-set across processes. SETNX makes the
// mark-and-check a single atomic round-trip.
type RedisSeenStore struct {
	Client *redis.Client
	TTL    time.Duration
}

var _ SeenStore = (*RedisSeenStore)(nil)

func NewRedisSeenStore(redisURL string, ttl time.Duration) (*RedisSeenStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisSeenStore{
		Client: rdb,
		TTL:    ttl,
	}, nil
}

func (s *RedisSeenStore) Seen(ctx context.Context, id string) (bool, error) {
	set, err := s.Client.SetNX(ctx, redisSeenPrefix+id, 1, s.TTL).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
