package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nostr-net/lookup-moderator/engine"
	"github.com/nostr-net/lookup-moderator/ledger"
	"github.com/nostr-net/lookup-moderator/wot"

	"github.com/nbd-wtf/go-nostr"
	cli "github.com/urfave/cli/v2"
)

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "evaluate one event ID against stored reports and the trust graph",
	ArgsUsage: "<event-id>",
	Flags: []cli.Flag{
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
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		// result goes to stdout, logs stay on stderr
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		target := cctx.Args().First()
		if !nostr.IsValid32ByteHex(target) {
			return fmt.Errorf("expected a 64-char hex event ID argument")
		}
		perCategory, err := parseCategoryThresholds(cctx.StringSlice("category-threshold"))
		if err != nil {
			return err
		}
		thresholds := engine.Thresholds{
			Aggregate:   cctx.Int("report-threshold"),
			PerCategory: perCategory,
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

		// a missing snapshot means the daemon never completed a crawl;
		// fall back to raw counts so the operator still sees what's stored
		var trusted ledger.Membership
		snap, err := store.Load(ctx)
		if err != nil {
			return err
		}
		if snap != nil {
			trusted = snap
			logger.Info("loaded trust graph", "members", snap.Size(), "version", snap.Version(), "age", snap.Age().Round(time.Second))
		} else {
			logger.Warn("no stored trust graph, counting every reporter as trusted")
		}

		tally, err := led.CountTrusted(ctx, target, trusted, time.Now().Add(-cctx.Duration("window")))
		if err != nil {
			return err
		}
		verdict := thresholds.Evaluate(target, tally)
		status, err := led.GetStatus(ctx, target)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(newCheckResponse(verdict, status), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
