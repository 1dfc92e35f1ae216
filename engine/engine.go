package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"

	"github.com/nostr-net/lookup-moderator/ledger"
	"github.com/nostr-net/lookup-moderator/seenstore"
	"github.com/nostr-net/lookup-moderator/wot"
)

// Dispatcher carries out a triggered verdict. Implementations must be safe
// for concurrent calls and idempotent per target: the engine re-dispatches
// every time a target evaluates as triggered.
type Dispatcher interface {
	Dispatch(ctx context.Context, verdict *Verdict) error
}

// Engine is the decision core: it gates raw report events, tallies trusted
// reporters, and hands threshold-crossing targets to the dispatcher.
//
// Callers must serialize reports per target (see Scheduler); everything else
// is safe for concurrent use.
type Engine struct {
	Logger     *slog.Logger
	Gate       *Gate
	Ledger     *ledger.Ledger
	Trust      *wot.Provider
	Seen       seenstore.SeenStore
	Thresholds Thresholds
	Dispatcher Dispatcher
	Notifier   *SlackNotifier

	// Window is how far back trusted reporters are counted.
	Window time.Duration
}

// ProcessReport runs one raw event through the full pipeline: duplicate
// check, validation gate, trust admission, ledger upsert, threshold
// evaluation, dispatch. Rejections and skips are counted, not errors; an
// error return means a storage or dispatch failure worth logging upstream.
func (eng *Engine) ProcessReport(ctx context.Context, evt *nostr.Event) error {
	if evt == nil {
		return nil
	}
	ctx, span := otel.Tracer("lookout").Start(ctx, "processReport")
	defer span.End()

	// similar to an HTTP server, we want to recover any panics from report handling
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("report processing exception", "err", r, "event", evt.ID)
		}
	}()
	start := time.Now()
	defer func() {
		reportProcessDuration.Observe(time.Since(start).Seconds())
	}()

	if eng.Seen != nil {
		seen, err := eng.Seen.Seen(ctx, evt.ID)
		if err != nil {
			// degraded: fall through to the idempotent ledger upsert
			eng.Logger.Warn("seen-store check failed", "err", err)
		} else if seen {
			reportSkippedCount.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	rep, err := eng.Gate.Check(evt)
	if err != nil {
		reportRejectedCount.WithLabelValues(RejectReason(err)).Inc()
		eng.Logger.Debug("rejected report", "event", evt.ID, "err", err)
		return nil
	}

	snap := eng.Trust.Current()
	if !snap.Contains(rep.Reporter) {
		reportSkippedCount.WithLabelValues("untrusted").Inc()
		eng.Logger.Debug("ignoring report from outside the trust graph", "reporter", rep.Reporter, "target", rep.Target)
		return nil
	}

	outcome, err := eng.Ledger.Upsert(ctx, rep)
	if err != nil {
		return fmt.Errorf("persisting report: %w", err)
	}
	reportStoredCount.WithLabelValues(outcome.String()).Inc()
	if outcome == ledger.UpsertSkippedOlder {
		return nil
	}

	return eng.evaluateTarget(ctx, rep.Target, snap)
}

func (eng *Engine) evaluateTarget(ctx context.Context, target string, snap *wot.Snapshot) error {
	tally, err := eng.Ledger.CountTrusted(ctx, target, snap, time.Now().Add(-eng.Window))
	if err != nil {
		return err
	}
	verdict := eng.Thresholds.Evaluate(target, tally)
	if !verdict.Triggered {
		return nil
	}

	verdictTriggeredCount.Inc()
	eng.Logger.Info("threshold reached", "target", target, "reason", verdict.Summary())
	if eng.Notifier != nil {
		if err := eng.Notifier.SendVerdict(ctx, verdict); err != nil {
			eng.Logger.Warn("slack notification failed", "err", err)
		}
	}
	if eng.Dispatcher == nil {
		return nil
	}
	if err := eng.Dispatcher.Dispatch(ctx, verdict); err != nil {
		return fmt.Errorf("dispatching action for %s: %w", target, err)
	}
	return nil
}

// CheckTarget evaluates target against the current ledger and trust
// snapshot without ingesting anything. Used by the admin API and the
// one-shot check command.
func (eng *Engine) CheckTarget(ctx context.Context, target string) (*Verdict, *ledger.TargetStatus, error) {
	snap := eng.Trust.Current()
	tally, err := eng.Ledger.CountTrusted(ctx, target, snap, time.Now().Add(-eng.Window))
	if err != nil {
		return nil, nil, err
	}
	verdict := eng.Thresholds.Evaluate(target, tally)
	status, err := eng.Ledger.GetStatus(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	return verdict, status, nil
}

// Stats merges ledger counts with the live trust snapshot, for the admin
// API and the startup/shutdown banners.
type Stats struct {
	Ledger     *ledger.Stats
	WotSize    int
	WotVersion int64
	WotBuiltAt time.Time
}

func (eng *Engine) Stats(ctx context.Context) (*Stats, error) {
	ls, err := eng.Ledger.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting ledger stats: %w", err)
	}
	snap := eng.Trust.Current()
	return &Stats{
		Ledger:     ls,
		WotSize:    snap.Size(),
		WotVersion: snap.Version(),
		WotBuiltAt: snap.BuiltAt(),
	}, nil
}

// LogStats writes the operator banner line used at startup and shutdown.
func (eng *Engine) LogStats(ctx context.Context, msg string) {
	stats, err := eng.Stats(ctx)
	if err != nil {
		eng.Logger.Warn("collecting stats failed", "err", err)
		return
	}
	eng.Logger.Info(msg,
		"totalReports", stats.Ledger.TotalReports,
		"distinctTargets", stats.Ledger.DistinctTargets,
		"distinctReporters", stats.Ledger.DistinctReporters,
		"actedTargets", stats.Ledger.ActedTargets,
		"wotMembers", stats.WotSize,
		"wotVersion", stats.WotVersion,
	)
}
