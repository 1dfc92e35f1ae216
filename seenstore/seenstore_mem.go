package seenstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type MemSeenStore struct {
	Data *expirable.LRU[string, bool]
}

var _ SeenStore = (*MemSeenStore)(nil)

func NewMemSeenStore(capacity int, ttl time.Duration) *MemSeenStore {
	return &MemSeenStore{
		Data: expirable.NewLRU[string, bool](capacity, nil, ttl),
	}
}

func (s *MemSeenStore) Seen(ctx context.Context, id string) (bool, error) {
	if _, ok := s.Data.Get(id); ok {
		return true, nil
	}
	s.Data.Add(id, true)
	return false, nil
}
