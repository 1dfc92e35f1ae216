package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-net/lookup-moderator/engine"
	"github.com/nostr-net/lookup-moderator/ledger"
)

// ReportConsumer subscribes to one relay's report stream and feeds every
// event into the scheduler, keyed by reported event so work for one target
// stays ordered. Reconnects with backoff until its context ends.
type ReportConsumer struct {
	Logger    *slog.Logger
	RelayURL  string
	Ledger    *ledger.Ledger
	Scheduler *engine.Scheduler

	// lastSeen is the created_at of the most recent event handed to the
	// scheduler, periodically persisted through the ledger. Handling is
	// concurrent, so the value is best-effort: resuming from it may replay
	// events, never skip them. The ledger upsert absorbs replays.
	lastSeen atomic.Int64
}

func (rc *ReportConsumer) Run(ctx context.Context) error {
	if rc.Scheduler == nil {
		return fmt.Errorf("nil scheduler")
	}

	cur, err := rc.ReadLastCursor(ctx)
	if err != nil {
		return err
	}
	rc.lastSeen.Store(cur)

	var backoff int
	for {
		if ctx.Err() != nil {
			return nil
		}
		progressed, err := rc.subscribeOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if progressed {
			backoff = 0
		}
		rc.Logger.Warn("report subscription ended, reconnecting", "relay", rc.RelayURL, "err", err)
		reconnectCount.WithLabelValues(rc.RelayURL).Inc()
		select {
		case <-time.After(sleepForBackoff(backoff)):
		case <-ctx.Done():
			return nil
		}
		backoff++
	}
}

func (rc *ReportConsumer) subscribeOnce(ctx context.Context) (bool, error) {
	relay, err := nostr.RelayConnect(ctx, rc.RelayURL)
	if err != nil {
		return false, fmt.Errorf("connecting to %s: %w", rc.RelayURL, err)
	}
	defer relay.Close()

	filter := nostr.Filter{Kinds: []int{nostr.KindReporting}}
	if since := rc.lastSeen.Load(); since > 0 {
		ts := nostr.Timestamp(since)
		filter.Since = &ts
	}
	sub, err := relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return false, fmt.Errorf("subscribing to %s: %w", rc.RelayURL, err)
	}
	defer sub.Unsub()

	rc.Logger.Info("subscribed to report stream", "relay", rc.RelayURL, "since", rc.lastSeen.Load())

	progressed := false
	for {
		select {
		case <-ctx.Done():
			return progressed, ctx.Err()
		case evt, ok := <-sub.Events:
			if !ok {
				return progressed, fmt.Errorf("event stream from %s closed", rc.RelayURL)
			}
			if evt == nil || evt.Kind != nostr.KindReporting {
				continue
			}
			progressed = true
			receivedCount.WithLabelValues(rc.RelayURL).Inc()
			if ts := int64(evt.CreatedAt); ts > rc.lastSeen.Load() {
				rc.lastSeen.Store(ts)
			}
			if err := rc.Scheduler.AddWork(ctx, scheduleKey(evt), evt); err != nil {
				return progressed, err
			}
		}
	}
}

// scheduleKey picks the scheduler affinity key: the reported event where one
// exists, else the report's own id. The gate re-validates later; this is
// only about keeping same-target work ordered.
func scheduleKey(evt *nostr.Event) string {
	if tag := evt.Tags.GetFirst([]string{"e"}); tag != nil && nostr.IsValid32ByteHex(tag.Value()) {
		return tag.Value()
	}
	return evt.ID
}

func (rc *ReportConsumer) ReadLastCursor(ctx context.Context) (int64, error) {
	cur, err := rc.Ledger.LoadCursor(ctx, rc.RelayURL)
	if err != nil {
		return 0, err
	}
	if cur == 0 {
		rc.Logger.Info("no pre-existing cursor for relay", "relay", rc.RelayURL)
	} else {
		rc.Logger.Info("resuming report stream from cursor", "relay", rc.RelayURL, "lastSeen", cur)
	}
	return cur, nil
}

func (rc *ReportConsumer) PersistCursor(ctx context.Context) error {
	last := rc.lastSeen.Load()
	if last <= 0 {
		return nil
	}
	return rc.Ledger.SaveCursor(ctx, rc.RelayURL, last)
}

// RunPersistCursor persists the cursor every few seconds, plus once more on
// the way out so a restart resumes close to where it stopped.
func (rc *ReportConsumer) RunPersistCursor(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if rc.lastSeen.Load() >= 1 {
				rc.Logger.Info("persisting final cursor", "relay", rc.RelayURL, "lastSeen", rc.lastSeen.Load())
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rc.PersistCursor(flushCtx); err != nil {
					rc.Logger.Error("failed to persist cursor", "err", err, "relay", rc.RelayURL)
				}
			}
			return nil
		case <-ticker.C:
			if rc.lastSeen.Load() >= 1 {
				if err := rc.PersistCursor(ctx); err != nil {
					rc.Logger.Error("failed to persist cursor", "err", err, "relay", rc.RelayURL)
				}
			}
		}
	}
}

func sleepForBackoff(b int) time.Duration {
	if b == 0 {
		return 0
	}
	if b < 10 {
		return time.Duration(b)*time.Second + time.Millisecond*time.Duration(rand.Intn(1000))
	}
	return time.Second * 30
}
