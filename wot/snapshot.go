package wot

import (
	"sort"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the trust graph at one point in time.
// Lookups are safe from any goroutine; the graph changes only by building a
// replacement snapshot and swapping it through a Provider.
type Snapshot struct {
	version int64
	root    string
	depth   int
	builtAt time.Time
	members map[string]int
}

func NewSnapshot(version int64, root string, depth int, builtAt time.Time, members map[string]int) *Snapshot {
	if members == nil {
		members = make(map[string]int)
	}
	return &Snapshot{
		version: version,
		root:    root,
		depth:   depth,
		builtAt: builtAt,
		members: members,
	}
}

// EmptySnapshot admits nobody. Its zero BuiltAt makes it stale against any
// TTL, so a Provider seeded with it rebuilds at the first opportunity.
func EmptySnapshot() *Snapshot {
	return NewSnapshot(0, "", 0, time.Time{}, nil)
}

func (s *Snapshot) Contains(pubkey string) bool {
	_, ok := s.members[pubkey]
	return ok
}

// Hop returns the follow distance from the root, or -1 for non-members.
// The root itself is at hop 0.
func (s *Snapshot) Hop(pubkey string) int {
	if d, ok := s.members[pubkey]; ok {
		return d
	}
	return -1
}

func (s *Snapshot) Size() int {
	return len(s.members)
}

func (s *Snapshot) Version() int64 {
	return s.version
}

func (s *Snapshot) Root() string {
	return s.root
}

func (s *Snapshot) Depth() int {
	return s.depth
}

func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

func (s *Snapshot) Age() time.Duration {
	return time.Since(s.builtAt)
}

func (s *Snapshot) Stale(ttl time.Duration) bool {
	return s.Age() > ttl
}

// Members returns the membership sorted by pubkey.
func (s *Snapshot) Members() []string {
	out := make([]string, 0, len(s.members))
	for pk := range s.members {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// Provider publishes the current snapshot. Readers always observe either
// the previous or the next complete snapshot, never a partial build.
type Provider struct {
	current atomic.Pointer[Snapshot]
}

func NewProvider() *Provider {
	p := &Provider{}
	p.current.Store(EmptySnapshot())
	return p
}

func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

func (p *Provider) Swap(next *Snapshot) {
	p.current.Store(next)
}
