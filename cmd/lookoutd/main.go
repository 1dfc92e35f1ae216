package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/nostr-net/lookup-moderator/engine"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "lookoutd",
		Usage:   "web-of-trust report moderation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "relay",
			Usage:   "relay websocket URL to consume reports from (can be repeated)",
			Value:   cli.NewStringSlice("wss://wot.nostr.net"),
			EnvVars: []string{"LOOKOUT_RELAYS"},
		},
		&cli.StringFlag{
			Name:    "trust-root",
			Usage:   "pubkey (hex or npub) the trust graph is crawled from",
			EnvVars: []string{"LOOKOUT_TRUST_ROOT"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/lookoutd/lookout.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkCmd,
		policyCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin API",
			Value:   ":3899",
			EnvVars: []string{"LOOKOUT_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3898",
			EnvVars: []string{"LOOKOUT_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the duplicate-event cache; in-process LRU when empty",
			EnvVars: []string{"LOOKOUT_REDIS_URL"},
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit otel spans for database queries",
			EnvVars: []string{"LOOKOUT_DB_TRACING"},
		},
		&cli.IntFlag{
			Name:    "wot-depth",
			Usage:   "maximum follow distance from the trust root",
			Value:   2,
			EnvVars: []string{"LOOKOUT_WOT_DEPTH"},
		},
		&cli.DurationFlag{
			Name:    "wot-refresh",
			Usage:   "how old the trust graph may grow before a rebuild",
			Value:   24 * time.Hour,
			EnvVars: []string{"LOOKOUT_WOT_REFRESH"},
		},
		&cli.IntFlag{
			Name:    "wot-max-members",
			Usage:   "hard cap on trust graph size",
			Value:   10_000,
			EnvVars: []string{"LOOKOUT_WOT_MAX_MEMBERS"},
		},
		&cli.IntFlag{
			Name:    "wot-fetch-concurrency",
			Usage:   "parallel contact list fetches during a crawl",
			Value:   4,
			EnvVars: []string{"LOOKOUT_WOT_FETCH_CONCURRENCY"},
		},
		&cli.IntFlag{
			Name:    "wot-fetch-rate",
			Usage:   "max contact list fetches per second during a crawl",
			Value:   20,
			EnvVars: []string{"LOOKOUT_WOT_FETCH_RATE"},
		},
		&cli.DurationFlag{
			Name:    "wot-follow-cache-ttl",
			Usage:   "how long fetched contact lists are cached; needs redis-url, zero disables",
			Value:   6 * time.Hour,
			EnvVars: []string{"LOOKOUT_WOT_FOLLOW_CACHE_TTL"},
		},
		&cli.IntFlag{
			Name:    "report-threshold",
			Usage:   "distinct trusted reporters across categories that trigger action",
			Value:   3,
			EnvVars: []string{"LOOKOUT_REPORT_THRESHOLD"},
		},
		&cli.StringSliceFlag{
			Name:    "category-threshold",
			Usage:   "per-category override as category:count, e.g. spam:5 (can be repeated)",
			EnvVars: []string{"LOOKOUT_CATEGORY_THRESHOLDS"},
		},
		&cli.DurationFlag{
			Name:    "window",
			Usage:   "how far back reports count toward thresholds",
			Value:   30 * 24 * time.Hour,
			EnvVars: []string{"LOOKOUT_WINDOW"},
		},
		&cli.IntFlag{
			Name:    "retention-multiplier",
			Usage:   "keep reports for this many counting windows before pruning (min 2)",
			Value:   2,
			EnvVars: []string{"LOOKOUT_RETENTION_MULTIPLIER"},
		},
		&cli.DurationFlag{
			Name:    "cleanup-interval",
			Usage:   "how often old reports are pruned",
			Value:   24 * time.Hour,
			EnvVars: []string{"LOOKOUT_CLEANUP_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "strfry-exec",
			Usage:   "path to the strfry binary used for deletions",
			Value:   "/usr/local/bin/strfry",
			EnvVars: []string{"LOOKOUT_STRFRY_EXEC"},
		},
		&cli.StringFlag{
			Name:    "strfry-db-dir",
			Usage:   "strfry database directory; strfry's own config default when empty",
			EnvVars: []string{"LOOKOUT_STRFRY_DB_DIR"},
		},
		&cli.BoolFlag{
			Name:    "auto-delete",
			Usage:   "delete events whose targets cross the threshold",
			Value:   true,
			EnvVars: []string{"LOOKOUT_AUTO_DELETE"},
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "log actions without executing deletions or publishing notices",
			EnvVars: []string{"LOOKOUT_DRY_RUN"},
		},
		&cli.IntFlag{
			Name:    "delete-max-attempts",
			Usage:   "deletion tries per trigger before giving up until the next report",
			Value:   5,
			EnvVars: []string{"LOOKOUT_DELETE_MAX_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "delete-retry-base",
			Usage:   "backoff unit between deletion attempts",
			Value:   10 * time.Second,
			EnvVars: []string{"LOOKOUT_DELETE_RETRY_BASE"},
		},
		&cli.StringSliceFlag{
			Name:    "publish-relay",
			Usage:   "relay to publish delete notices to; defaults to the consume relays",
			EnvVars: []string{"LOOKOUT_PUBLISH_RELAYS"},
		},
		&cli.StringFlag{
			Name:    "secret-key",
			Usage:   "secret key (hex or nsec) for signing delete notices; notices disabled when empty",
			EnvVars: []string{"LOOKOUT_SECRET_KEY"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "webhook URL for moderation notifications",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.DurationFlag{
			Name:    "max-clock-skew",
			Usage:   "how far in the future a report timestamp may sit before rejection",
			Value:   5 * time.Minute,
			EnvVars: []string{"LOOKOUT_MAX_CLOCK_SKEW"},
		},
		&cli.IntFlag{
			Name:    "scheduler-parallelism",
			Usage:   "concurrent report processing workers",
			Value:   8,
			EnvVars: []string{"LOOKOUT_SCHEDULER_PARALLELISM"},
		},
		&cli.IntFlag{
			Name:    "scheduler-queue",
			Usage:   "max queued reports before relay reads block",
			Value:   1_000,
			EnvVars: []string{"LOOKOUT_SCHEDULER_QUEUE"},
		},
		&cli.IntFlag{
			Name:    "seen-cache-size",
			Usage:   "entries in the in-process duplicate-event cache",
			Value:   100_000,
			EnvVars: []string{"LOOKOUT_SEEN_CACHE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "seen-ttl",
			Usage:   "how long an event ID stays in the duplicate cache",
			Value:   24 * time.Hour,
			EnvVars: []string{"LOOKOUT_SEEN_TTL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("lookoutd"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		trustRoot, err := parseTrustRoot(cctx.String("trust-root"))
		if err != nil {
			return err
		}
		secretKey, err := parseSecretKey(cctx.String("secret-key"))
		if err != nil {
			return err
		}
		perCategory, err := parseCategoryThresholds(cctx.StringSlice("category-threshold"))
		if err != nil {
			return err
		}

		db, err := SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if cctx.Bool("db-tracing") {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return err
			}
		}

		publishRelays := cctx.StringSlice("publish-relay")
		if len(publishRelays) == 0 {
			publishRelays = cctx.StringSlice("relay")
		}

		srv, err := NewServer(
			db,
			Config{
				Logger:              logger,
				Relays:              cctx.StringSlice("relay"),
				TrustRoot:           trustRoot,
				WotDepth:            cctx.Int("wot-depth"),
				WotRefresh:          cctx.Duration("wot-refresh"),
				WotMaxMembers:       cctx.Int("wot-max-members"),
				WotFetchConcurrency: cctx.Int("wot-fetch-concurrency"),
				WotFetchPerSecond:   cctx.Int("wot-fetch-rate"),
				WotFollowCacheTTL:   cctx.Duration("wot-follow-cache-ttl"),
				Thresholds: engine.Thresholds{
					Aggregate:   cctx.Int("report-threshold"),
					PerCategory: perCategory,
				},
				Window:               cctx.Duration("window"),
				RetentionMultiplier:  cctx.Int("retention-multiplier"),
				CleanupInterval:      cctx.Duration("cleanup-interval"),
				MaxClockSkew:         cctx.Duration("max-clock-skew"),
				RedisURL:             cctx.String("redis-url"),
				SeenCacheSize:        cctx.Int("seen-cache-size"),
				SeenTTL:              cctx.Duration("seen-ttl"),
				StrfryExec:           cctx.String("strfry-exec"),
				StrfryDBDir:          cctx.String("strfry-db-dir"),
				AutoDelete:           cctx.Bool("auto-delete"),
				DryRun:               cctx.Bool("dry-run"),
				DeleteMaxAttempts:    cctx.Int("delete-max-attempts"),
				DeleteRetryBase:      cctx.Duration("delete-retry-base"),
				PublishRelays:        publishRelays,
				SecretKey:            secretKey,
				SlackWebhookURL:      cctx.String("slack-webhook-url"),
				AdminBind:            cctx.String("bind"),
				SchedulerParallelism: cctx.Int("scheduler-parallelism"),
				SchedulerQueue:       cctx.Int("scheduler-queue"),
			},
		)
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run moderation service: %w", err)
		}
		return nil
	},
}
