package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostr-net/lookup-moderator/engine"
	"github.com/nostr-net/lookup-moderator/ledger"
)

// Deleter removes one event from the relay's storage.
type Deleter interface {
	Delete(ctx context.Context, eventID string) error
}

// NoticePublisher broadcasts a signed NIP-09 deletion notice after a
// successful removal.
type NoticePublisher interface {
	PublishDeleteNotice(ctx context.Context, eventID, reason string) error
}

// Dispatcher executes the action side of a triggered verdict: at-most-once
// deletion per target with bounded retries, then a best-effort delete
// notice. Progress is persisted through the ledger, so restarts never
// repeat a completed action, while a target whose attempts all failed
// stays eligible for the next trigger.
type Dispatcher struct {
	Log      *slog.Logger
	Ledger   *ledger.Ledger
	Deleter  Deleter
	Notices  NoticePublisher       // optional
	Notifier *engine.SlackNotifier // optional

	// MaxAttempts bounds deletion tries per trigger burst.
	MaxAttempts int
	// RetryBase is the backoff unit between attempts.
	RetryBase time.Duration

	pending *xsync.MapOf[string, bool]
}

var _ engine.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(l *ledger.Ledger, d Deleter) *Dispatcher {
	return &Dispatcher{
		Log:         slog.Default().With("system", "dispatch"),
		Ledger:      l,
		Deleter:     d,
		MaxAttempts: 5,
		RetryBase:   10 * time.Second,
		pending:     xsync.NewMapOf[string, bool](),
	}
}

// Dispatch runs the action state machine for one verdict. The in-memory
// claim keeps concurrent verdicts for the same target from racing each
// other; the conditional acted flip in the ledger keeps a second process
// from repeating a completed action.
func (d *Dispatcher) Dispatch(ctx context.Context, v *engine.Verdict) error {
	if v == nil || !v.Triggered {
		return nil
	}

	if _, loaded := d.pending.LoadOrStore(v.Target, true); loaded {
		dispatchSkippedCount.WithLabelValues("in-flight").Inc()
		return nil
	}
	defer d.pending.Delete(v.Target)

	acted, err := d.Ledger.HasActed(ctx, v.Target)
	if err != nil {
		return fmt.Errorf("checking acted state for %s: %w", v.Target, err)
	}
	if acted {
		dispatchSkippedCount.WithLabelValues("already-acted").Inc()
		return nil
	}

	if err := d.Ledger.RecordTrigger(ctx, v.Target, v.Summary()); err != nil {
		return fmt.Errorf("recording trigger for %s: %w", v.Target, err)
	}

	lastErr := d.deleteWithRetries(ctx, v.Target)
	if lastErr != nil {
		dispatchFailedCount.Inc()
		d.Log.Error("deletion failed, target stays eligible", "target", v.Target, "err", lastErr)
		if d.Notifier != nil && !errors.Is(lastErr, context.Canceled) {
			if nerr := d.Notifier.SendActionFailure(ctx, v.Target, d.MaxAttempts, lastErr); nerr != nil {
				d.Log.Warn("slack notification failed", "err", nerr)
			}
		}
		return lastErr
	}

	won, err := d.Ledger.MarkActed(ctx, v.Target)
	if err != nil {
		return fmt.Errorf("marking %s acted: %w", v.Target, err)
	}
	if !won {
		// another process got there first; deletion is idempotent and the
		// notice is theirs to send
		dispatchSkippedCount.WithLabelValues("lost-race").Inc()
		return nil
	}

	dispatchActedCount.Inc()
	d.Log.Info("acted on target", "target", v.Target, "reason", v.Summary())

	if d.Notices != nil {
		if err := d.Notices.PublishDeleteNotice(ctx, v.Target, v.Summary()); err != nil {
			// the removal already happened, so the acted flag stays set
			dispatchNoticeErrors.Inc()
			d.Log.Warn("delete notice failed", "target", v.Target, "err", err)
		}
	}
	return nil
}

func (d *Dispatcher) deleteWithRetries(ctx context.Context, eventID string) error {
	maxAttempts := d.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDuration(attempt, d.RetryBase)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		dispatchAttemptsCount.Inc()
		lastErr = d.Deleter.Delete(ctx, eventID)
		if rerr := d.Ledger.RecordAttempt(ctx, eventID, lastErr); rerr != nil {
			d.Log.Warn("recording attempt failed", "target", eventID, "err", rerr)
		}
		if lastErr == nil {
			return nil
		}
		d.Log.Warn("deletion attempt failed", "target", eventID, "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

func backoffDuration(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = 10 * time.Second
	}
	return time.Duration(1<<uint(attempt)) * base
}
