package wot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// FollowSource yields the follow list for a pubkey, usually the "p" tags of
// its latest contact list event.
type FollowSource interface {
	Follows(ctx context.Context, pubkey string) ([]string, error)
}

type BuilderConfig struct {
	// Root is the pubkey the BFS starts from; always a member at hop 0.
	Root string
	// Depth is the maximum follow distance from the root.
	Depth int
	// MaxMembers caps the graph size; the crawl stops once reached.
	MaxMembers int
	// RefreshInterval is how old a snapshot may grow before a rebuild.
	RefreshInterval time.Duration
	// FetchConcurrency bounds parallel follow-list fetches within one hop.
	FetchConcurrency int
	// FetchTimeout bounds each individual follow-list fetch.
	FetchTimeout time.Duration
	// FetchPerSecond rate-limits follow-list fetches across the whole build.
	FetchPerSecond int
}

func DefaultBuilderConfig(root string) BuilderConfig {
	return BuilderConfig{
		Root:             root,
		Depth:            2,
		MaxMembers:       10_000,
		RefreshInterval:  24 * time.Hour,
		FetchConcurrency: 4,
		FetchTimeout:     30 * time.Second,
		FetchPerSecond:   20,
	}
}

// Builder runs breadth-first crawls over follow relations and publishes the
// result through a Provider. Builds are serialized; readers of the Provider
// never wait on a build.
type Builder struct {
	source   FollowSource
	store    *Store
	provider *Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
	config   BuilderConfig

	buildMu     sync.Mutex
	nextVersion int64
}

// NewBuilder wires a builder. store may be nil to skip persistence.
func NewBuilder(source FollowSource, store *Store, provider *Provider, config BuilderConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	defs := DefaultBuilderConfig(config.Root)
	if config.Depth <= 0 {
		config.Depth = defs.Depth
	}
	if config.MaxMembers <= 0 {
		config.MaxMembers = defs.MaxMembers
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defs.RefreshInterval
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = defs.FetchConcurrency
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defs.FetchTimeout
	}
	if config.FetchPerSecond <= 0 {
		config.FetchPerSecond = defs.FetchPerSecond
	}
	return &Builder{
		source:      source,
		store:       store,
		provider:    provider,
		limiter:     rate.NewLimiter(rate.Limit(config.FetchPerSecond), 1),
		logger:      logger.With("system", "wot"),
		config:      config,
		nextVersion: 1,
	}
}

func (b *Builder) Provider() *Provider {
	return b.provider
}

// Startup restores the last persisted membership so decisions can flow
// before any crawl completes. A missing or expired snapshot triggers one
// synchronous build; a build failure at startup is logged and tolerated,
// leaving whatever was restored (possibly nothing) in place.
func (b *Builder) Startup(ctx context.Context) error {
	if b.store != nil {
		snap, err := b.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("restoring trust graph: %w", err)
		}
		if snap != nil {
			b.provider.Swap(snap)
			b.buildMu.Lock()
			if snap.Version() >= b.nextVersion {
				b.nextVersion = snap.Version() + 1
			}
			b.buildMu.Unlock()
			b.logger.Info("restored trust graph", "members", snap.Size(), "version", snap.Version(), "age", snap.Age().Round(time.Second))
		}
	}
	if b.provider.Current().Stale(b.config.RefreshInterval) {
		if err := b.Rebuild(ctx); err != nil {
			b.logger.Error("initial trust graph build failed", "err", err)
		}
	}
	return nil
}

// RunRefresh rebuilds whenever the published snapshot outlives the refresh
// interval. Blocks until ctx is canceled.
func (b *Builder) RunRefresh(ctx context.Context) error {
	ticker := time.NewTicker(b.checkInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !b.provider.Current().Stale(b.config.RefreshInterval) {
				continue
			}
			if err := b.Rebuild(ctx); err != nil {
				b.logger.Error("trust graph rebuild failed", "err", err)
			}
		}
	}
}

func (b *Builder) checkInterval() time.Duration {
	iv := b.config.RefreshInterval / 10
	if iv < time.Second {
		iv = time.Second
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

// Rebuild runs one full crawl and swaps the result in. The previous
// snapshot stays published until the new one is complete; a failed or
// canceled crawl changes nothing.
func (b *Builder) Rebuild(ctx context.Context) error {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()

	start := time.Now()
	members, err := b.crawl(ctx)
	if err != nil {
		buildErrorCount.Inc()
		return fmt.Errorf("building trust graph: %w", err)
	}
	snap := NewSnapshot(b.nextVersion, b.config.Root, b.config.Depth, time.Now(), members)
	b.nextVersion++
	b.provider.Swap(snap)
	if b.store != nil {
		// persistence is a warm-start optimization; the snapshot is
		// already live either way
		if err := b.store.Save(ctx, snap); err != nil {
			b.logger.Error("persisting trust graph failed", "err", err)
		}
	}
	buildCount.Inc()
	memberGauge.Set(float64(snap.Size()))
	b.logger.Info("trust graph rebuilt", "members", snap.Size(), "version", snap.Version(), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (b *Builder) crawl(ctx context.Context) (map[string]int, error) {
	members := map[string]int{b.config.Root: 0}
	frontier := []string{b.config.Root}

	for hop := 1; hop <= b.config.Depth && len(frontier) > 0; hop++ {
		follows, err := b.fetchFollows(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, pk := range frontier {
			for _, followed := range follows[pk] {
				if _, ok := members[followed]; ok {
					continue
				}
				if len(members) >= b.config.MaxMembers {
					b.logger.Warn("trust graph capped", "max", b.config.MaxMembers, "hop", hop)
					return members, nil
				}
				members[followed] = hop
				next = append(next, followed)
			}
		}
		frontier = next
	}
	return members, nil
}

// fetchFollows pulls contact lists for one BFS hop, bounded by the
// concurrency limit and rate limiter. A pubkey whose fetch fails contributes
// no edges; only cancellation aborts the hop.
func (b *Builder) fetchFollows(ctx context.Context, frontier []string) (map[string][]string, error) {
	var mu sync.Mutex
	follows := make(map[string][]string, len(frontier))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(b.config.FetchConcurrency)
	for _, pk := range frontier {
		eg.Go(func() error {
			if err := b.limiter.Wait(gctx); err != nil {
				return err
			}
			cctx, cancel := context.WithTimeout(gctx, b.config.FetchTimeout)
			defer cancel()
			list, err := b.source.Follows(cctx, pk)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fetchErrorCount.Inc()
				b.logger.Warn("follow list fetch failed", "pubkey", pk, "err", err)
				return nil
			}
			mu.Lock()
			follows[pk] = list
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return follows, nil
}
