package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nostr-net/lookup-moderator/consumer"
	"github.com/nostr-net/lookup-moderator/dispatch"
	"github.com/nostr-net/lookup-moderator/engine"
	"github.com/nostr-net/lookup-moderator/ledger"
	"github.com/nostr-net/lookup-moderator/seenstore"
	"github.com/nostr-net/lookup-moderator/wot"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type Server struct {
	logger     *slog.Logger
	ledger     *ledger.Ledger
	engine     *engine.Engine
	scheduler  *engine.Scheduler
	builder    *wot.Builder
	follows    *consumer.FollowFetcher
	consumers  []*consumer.ReportConsumer
	dispatcher *dispatch.Dispatcher
	httpd      *http.Server

	window          time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
}

type Config struct {
	Logger *slog.Logger
	Relays []string

	TrustRoot           string
	WotDepth            int
	WotRefresh          time.Duration
	WotMaxMembers       int
	WotFetchConcurrency int
	WotFetchPerSecond   int
	WotFollowCacheTTL   time.Duration

	Thresholds          engine.Thresholds
	Window              time.Duration
	RetentionMultiplier int
	CleanupInterval     time.Duration
	MaxClockSkew        time.Duration

	RedisURL      string
	SeenCacheSize int
	SeenTTL       time.Duration

	StrfryExec        string
	StrfryDBDir       string
	AutoDelete        bool
	DryRun            bool
	DeleteMaxAttempts int
	DeleteRetryBase   time.Duration
	PublishRelays     []string
	SecretKey         string

	SlackWebhookURL string
	AdminBind       string

	SchedulerParallelism int
	SchedulerQueue       int
}

func NewServer(db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	if len(config.Relays) == 0 {
		return nil, fmt.Errorf("at least one relay is required")
	}
	if config.TrustRoot == "" {
		return nil, fmt.Errorf("a trust root pubkey is required")
	}
	if config.Window <= 0 {
		config.Window = 30 * 24 * time.Hour
	}

	led, err := ledger.NewLedger(db, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing report ledger: %w", err)
	}

	var seen seenstore.SeenStore
	if config.RedisURL != "" {
		s, err := seenstore.NewRedisSeenStore(config.RedisURL, config.SeenTTL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis seen store: %w", err)
		}
		seen = s
	} else {
		seen = seenstore.NewMemSeenStore(config.SeenCacheSize, config.SeenTTL)
	}

	store, err := wot.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("initializing trust graph store: %w", err)
	}
	follows := consumer.NewFollowFetcher(config.Relays)
	var source wot.FollowSource = follows
	if config.RedisURL != "" && config.WotFollowCacheTTL > 0 {
		cached, err := wot.NewCachedFollowSource(follows, config.RedisURL, config.WotFollowCacheTTL, 10_000)
		if err != nil {
			return nil, fmt.Errorf("initializing follow cache: %w", err)
		}
		source = cached
	}
	provider := wot.NewProvider()
	builder := wot.NewBuilder(source, store, provider, wot.BuilderConfig{
		Root:             config.TrustRoot,
		Depth:            config.WotDepth,
		MaxMembers:       config.WotMaxMembers,
		RefreshInterval:  config.WotRefresh,
		FetchConcurrency: config.WotFetchConcurrency,
		FetchPerSecond:   config.WotFetchPerSecond,
	}, logger)

	var notifier *engine.SlackNotifier
	if config.SlackWebhookURL != "" {
		notifier = engine.NewSlackNotifier(config.SlackWebhookURL)
	}

	deleter := dispatch.NewStrfryDeleter(config.StrfryExec, config.StrfryDBDir)
	deleter.DryRun = config.DryRun

	dispatcher := dispatch.NewDispatcher(led, deleter)
	dispatcher.Notifier = notifier
	if config.DeleteMaxAttempts > 0 {
		dispatcher.MaxAttempts = config.DeleteMaxAttempts
	}
	if config.DeleteRetryBase > 0 {
		dispatcher.RetryBase = config.DeleteRetryBase
	}
	if config.SecretKey != "" && len(config.PublishRelays) > 0 {
		notice := dispatch.NewDeleteNotice(config.SecretKey, config.PublishRelays)
		notice.DryRun = config.DryRun
		dispatcher.Notices = notice
	} else {
		logger.Info("no signing key configured, delete notices disabled")
	}

	eng := &engine.Engine{
		Logger:     logger,
		Gate:       engine.NewGate(config.MaxClockSkew),
		Ledger:     led,
		Trust:      provider,
		Seen:       seen,
		Thresholds: config.Thresholds,
		Notifier:   notifier,
		Window:     config.Window,
	}
	if config.AutoDelete {
		eng.Dispatcher = dispatcher
	} else {
		logger.Info("auto-delete disabled, verdicts are logged but not acted on")
	}

	scheduler := engine.NewScheduler(config.SchedulerParallelism, config.SchedulerQueue, eng.ProcessReport)

	consumers := make([]*consumer.ReportConsumer, 0, len(config.Relays))
	for _, url := range config.Relays {
		consumers = append(consumers, &consumer.ReportConsumer{
			Logger:    logger,
			RelayURL:  url,
			Ledger:    led,
			Scheduler: scheduler,
		})
	}

	// prune lag must cover at least one extra counting window or windowed
	// tallies would see rows disappear mid-window
	retention := time.Duration(config.RetentionMultiplier) * config.Window
	if retention < 2*config.Window {
		retention = 2 * config.Window
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}

	s := &Server{
		logger:          logger,
		ledger:          led,
		engine:          eng,
		scheduler:       scheduler,
		builder:         builder,
		follows:         follows,
		consumers:       consumers,
		dispatcher:      dispatcher,
		window:          config.Window,
		retention:       retention,
		cleanupInterval: cleanupInterval,
	}
	s.httpd = &http.Server{
		Handler:      s.buildAdminHandler(),
		Addr:         config.AdminBind,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
	}

	return s, nil
}

// Run brings the service up and blocks until an exit signal or a fatal
// consumer error. Shutdown is ordered: intake stops first, queued reports
// drain through the scheduler, cursors flush, then the admin API closes.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// restore or build the trust graph before admitting any report
	if err := s.builder.Startup(ctx); err != nil {
		return err
	}
	s.engine.LogStats(ctx, "lookout starting")

	errCh := make(chan error, len(s.consumers)+1)
	var wg sync.WaitGroup
	for _, con := range s.consumers {
		wg.Add(2)
		go func(con *consumer.ReportConsumer) {
			defer wg.Done()
			if err := con.Run(ctx); err != nil {
				errCh <- fmt.Errorf("report consumer for %s: %w", con.RelayURL, err)
			}
		}(con)
		go func(con *consumer.ReportConsumer) {
			defer wg.Done()
			if err := con.RunPersistCursor(ctx); err != nil {
				s.logger.Error("cursor persist loop failed", "relay", con.RelayURL, "err", err)
			}
		}(con)
	}

	go func() {
		if err := s.builder.RunRefresh(ctx); err != nil {
			s.logger.Error("trust graph refresh loop failed", "err", err)
		}
	}()
	go s.runCleanup(ctx)

	go func() {
		s.logger.Info("starting admin API", "bind", s.httpd.Addr)
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin API: %w", err)
		}
	}()

	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-exitSignals:
		s.logger.Info("received OS exit signal", "signal", sig)
	case runErr = <-errCh:
		s.logger.Error("fatal error, shutting down", "err", runErr)
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()              // consumers stopped and final cursors flushed
	s.scheduler.Shutdown() // drain reports already admitted
	s.follows.Close()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := s.httpd.Shutdown(shutCtx); err != nil {
		s.logger.Error("admin API shutdown error", "err", err)
	}

	s.engine.LogStats(context.Background(), "lookout stopped")
	return runErr
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// runCleanup prunes reports past the retention horizon, once at startup and
// then on every tick. Status rows are kept forever so acted state survives.
func (s *Server) runCleanup(ctx context.Context) {
	prune := func() {
		pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := s.ledger.Prune(pruneCtx, time.Now().Add(-s.retention)); err != nil {
			s.logger.Error("pruning old reports failed", "err", err)
		}
	}
	prune()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
