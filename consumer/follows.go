package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-net/lookup-moderator/wot"
)

// FollowFetcher resolves a pubkey's follow list from its latest contact
// list event, asking every configured relay and keeping the freshest
// answer. Relay connections are cached across calls; a failed query drops
// the connection so the next call redials.
type FollowFetcher struct {
	Logger *slog.Logger
	Relays []string
	// QueryTimeout bounds one contact list lookup across all relays.
	QueryTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*nostr.Relay
}

var _ wot.FollowSource = (*FollowFetcher)(nil)

func NewFollowFetcher(relays []string) *FollowFetcher {
	return &FollowFetcher{
		Logger:       slog.Default().With("system", "follow-fetcher"),
		Relays:       relays,
		QueryTimeout: 20 * time.Second,
		conns:        make(map[string]*nostr.Relay),
	}
}

func (f *FollowFetcher) Follows(ctx context.Context, pubkey string) ([]string, error) {
	timeout := f.QueryTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{nostr.KindContactList},
		Authors: []string{pubkey},
		Limit:   1,
	}

	// kind 3 is replaceable; across relays the newest copy wins
	var newest *nostr.Event
	var lastErr error
	for _, url := range f.Relays {
		relay, err := f.relay(ctx, url)
		if err != nil {
			lastErr = err
			f.Logger.Warn("relay unavailable for contact list", "relay", url, "err", err)
			continue
		}
		evts, err := relay.QuerySync(ctx, filter)
		if err != nil {
			lastErr = err
			f.drop(url)
			continue
		}
		for _, evt := range evts {
			if evt == nil || evt.Kind != nostr.KindContactList || evt.PubKey != pubkey {
				continue
			}
			if newest == nil || evt.CreatedAt > newest.CreatedAt {
				newest = evt
			}
		}
	}
	if newest == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("fetching contact list for %s: %w", pubkey, lastErr)
		}
		// never published one; a member with no follows is still a member
		return nil, nil
	}

	return contactsFrom(newest), nil
}

// contactsFrom pulls the deduplicated "p" tag pubkeys off a contact list
// event, dropping anything that is not a well-formed key.
func contactsFrom(evt *nostr.Event) []string {
	follows := make([]string, 0, len(evt.Tags))
	seen := make(map[string]bool, len(evt.Tags))
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" && nostr.IsValid32ByteHex(tag[1]) && !seen[tag[1]] {
			seen[tag[1]] = true
			follows = append(follows, tag[1])
		}
	}
	return follows
}

func (f *FollowFetcher) relay(ctx context.Context, url string) (*nostr.Relay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.conns[url]; ok {
		return r, nil
	}
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	f.conns[url] = r
	return r, nil
}

func (f *FollowFetcher) drop(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.conns[url]; ok {
		r.Close()
		delete(f.conns, url)
	}
}

func (f *FollowFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for url, r := range f.conns {
		r.Close()
		delete(f.conns, url)
	}
}
