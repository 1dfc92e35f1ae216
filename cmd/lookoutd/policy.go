package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nostr-net/lookup-moderator/engine"
	"github.com/nostr-net/lookup-moderator/ledger"
	"github.com/nostr-net/lookup-moderator/wot"

	"github.com/nbd-wtf/go-nostr"
	cli "github.com/urfave/cli/v2"
)

// strfry write-policy protocol: one JSON request per line on stdin, one JSON
// decision per line on stdout. Anything we can't parse or evaluate is
// accepted, so a plugin failure never blocks the relay's write path.
type policyInput struct {
	Type  string       `json:"type"`
	Event *nostr.Event `json:"event"`
}

type policyOutput struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Msg    string `json:"msg,omitempty"`
}

// defaultRejectionMessage is shown to the publishing client; {count} is
// replaced with the distinct-reporter count of the rule that fired.
const defaultRejectionMessage = "Content has been reported {count} times by trusted network members"

var policyCmd = &cli.Command{
	Name:  "policy",
	Usage: "run as a strfry write-policy plugin, rejecting heavily reported events",
	Flags: []cli.Flag{
		&cli.IntSliceFlag{
			Name:    "monitored-kind",
			Usage:   "event kinds checked against the report ledger (can be repeated)",
			Value:   cli.NewIntSlice(30817, 31990),
			EnvVars: []string{"LOOKOUT_MONITORED_KINDS"},
		},
		&cli.IntFlag{
			Name:    "report-threshold",
			Value:   3,
			EnvVars: []string{"LOOKOUT_REPORT_THRESHOLD"},
		},
		&cli.StringSliceFlag{
			Name:    "category-threshold",
			EnvVars: []string{"LOOKOUT_CATEGORY_THRESHOLDS"},
		},
		&cli.DurationFlag{
			Name:    "window",
			Value:   30 * 24 * time.Hour,
			EnvVars: []string{"LOOKOUT_WINDOW"},
		},
		&cli.StringFlag{
			Name:    "rejection-message",
			Usage:   "message returned to publishing clients, {count} expands to the reporter count",
			Value:   defaultRejectionMessage,
			EnvVars: []string{"LOOKOUT_REJECTION_MESSAGE"},
		},
		&cli.BoolFlag{
			Name:    "verbose-rejection",
			Usage:   "append the report category that tripped the threshold to rejection messages",
			EnvVars: []string{"LOOKOUT_VERBOSE_REJECTION"},
		},
	},
	Action: func(cctx *cli.Context) error {
		// stdout carries protocol responses, so all logging goes to stderr
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		perCategory, err := parseCategoryThresholds(cctx.StringSlice("category-threshold"))
		if err != nil {
			return err
		}

		db, err := SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		led, err := ledger.NewLedger(db, logger)
		if err != nil {
			return err
		}
		store, err := wot.NewStore(db)
		if err != nil {
			return err
		}

		p := &policyRunner{
			logger: logger,
			ledger: led,
			thresholds: engine.Thresholds{
				Aggregate:   cctx.Int("report-threshold"),
				PerCategory: perCategory,
			},
			window:    cctx.Duration("window"),
			rejectMsg: cctx.String("rejection-message"),
			verbose:   cctx.Bool("verbose-rejection"),
			monitored: make(map[int]bool),
		}
		for _, k := range cctx.IntSlice("monitored-kind") {
			p.monitored[k] = true
		}

		// the trust graph is read once at startup, like the daemon does on
		// restore; an empty or missing snapshot counts every reporter rather
		// than silently never rejecting
		snap, err := store.Load(cctx.Context)
		if err != nil {
			return err
		}
		if snap != nil && snap.Size() > 0 {
			p.trusted = snap
			logger.Info("plugin initialized", "wotMembers", snap.Size(), "wotVersion", snap.Version())
		} else {
			logger.Warn("no stored trust graph, counting every reporter as trusted")
		}

		return p.run(cctx.Context, os.Stdin, os.Stdout)
	},
}

type policyRunner struct {
	logger     *slog.Logger
	ledger     *ledger.Ledger
	trusted    ledger.Membership
	thresholds engine.Thresholds
	window     time.Duration
	rejectMsg  string
	verbose    bool
	monitored  map[int]bool
}

func (p *policyRunner) run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	w := bufio.NewWriter(out)

	respond := func(id, action, msg string) {
		line, err := json.Marshal(policyOutput{ID: id, Action: action, Msg: msg})
		if err != nil {
			p.logger.Error("encoding decision failed", "err", err)
			return
		}
		w.Write(line)
		w.WriteByte('\n')
		// strfry blocks the write until it sees our line
		if err := w.Flush(); err != nil {
			p.logger.Error("writing decision failed", "err", err)
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var input policyInput
		if err := json.Unmarshal(line, &input); err != nil {
			p.logger.Error("parsing input failed", "err", err)
			respond("unknown", "accept", "")
			continue
		}
		var id string
		if input.Event != nil {
			id = input.Event.ID
		}
		if input.Type != "new" {
			p.logger.Warn("unexpected message type", "type", input.Type)
			respond(id, "accept", "")
			continue
		}
		if input.Event == nil || !p.monitored[input.Event.Kind] {
			respond(id, "accept", "")
			continue
		}

		reject, msg := p.shouldReject(ctx, input.Event)
		if reject {
			respond(id, "reject", msg)
		} else {
			respond(id, "accept", "")
		}
	}
	return scanner.Err()
}

// shouldReject checks one monitored event against the acted set and the
// thresholds. Every failure path accepts.
func (p *policyRunner) shouldReject(ctx context.Context, evt *nostr.Event) (bool, string) {
	status, err := p.ledger.GetStatus(ctx, evt.ID)
	if err != nil {
		p.logger.Error("status lookup failed", "event", evt.ID, "err", err)
		return false, ""
	}
	if status != nil && status.Acted {
		p.logger.Info("rejecting acted-on event", "event", evt.ID, "kind", evt.Kind)
		return true, "Content has been removed by network moderators"
	}

	tally, err := p.ledger.CountTrusted(ctx, evt.ID, p.trusted, time.Now().Add(-p.window))
	if err != nil {
		p.logger.Error("report tally failed", "event", evt.ID, "err", err)
		return false, ""
	}
	verdict := p.thresholds.Evaluate(evt.ID, tally)
	if !verdict.Triggered {
		return false, ""
	}
	p.logger.Info("rejecting reported event", "event", evt.ID, "kind", evt.Kind, "reason", verdict.Summary())

	// category rules sort ahead of the aggregate, so the message names the
	// most specific rule that fired
	reason := verdict.Reasons[0]
	msg := strings.ReplaceAll(p.rejectMsg, "{count}", strconv.Itoa(reason.Count))
	if p.verbose && reason.Category != engine.AggregateCategory {
		msg += fmt.Sprintf(" (type: %s)", reason.Category)
	}
	return true, msg
}
