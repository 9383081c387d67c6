package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	_ "modernc.org/sqlite"

	"duetrack/internal/api"
	"duetrack/internal/cache"
	"duetrack/internal/clock"
	"duetrack/internal/config"
	"duetrack/internal/handlers/deadline"
	"duetrack/internal/handlers/digest"
	"duetrack/internal/handlers/reconcile"
	"duetrack/internal/lifecycle"
	"duetrack/internal/notify"
	"duetrack/internal/queue"
	"duetrack/internal/scheduler"
	"duetrack/internal/store"
	"duetrack/internal/worker"
)

const (
	digestEntry    = "daily-digest"
	reconcileEntry = "overdue-reconcile"
)

// taskBackend is implemented by both task stores.
type taskBackend interface {
	store.TaskStore
	store.Directory
}

func main() {
	var (
		envFile = flag.String("env", "", "optional .env file (defaults to ./.env)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides HTTP_ADDR)")
		workers = flag.Int("workers", 0, "number of worker goroutines (overrides WORKERS)")
		poll    = flag.Duration("poll", 0, "poll interval for the delay queue (overrides POLL_INTERVAL)")
		debug   = flag.Bool("debug", false, "expose pprof under /debug/pprof")
	)
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *poll > 0 {
		cfg.PollInterval = *poll
	}
	cfg.Debug = cfg.Debug || *debug

	config.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.Real()
	checks := map[string]func(context.Context) error{}

	var db *sql.DB
	if cfg.TaskStore == "sqlite" || cfg.QueueStore == "sqlite" {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.SQLitePath)
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer
		checks["sqlite"] = db.PingContext
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = config.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		checks["redis"] = config.RedisHealthcheck(rdb)
	}

	var tasks taskBackend
	switch cfg.TaskStore {
	case "mongo":
		client, err := store.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			log.Fatal().Err(err).Msg("connect mongo")
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		ms := store.NewMongoStore(client.Database(cfg.Mongo.Database))
		if err := ms.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure indexes")
		}
		checks["mongo"] = mongoPing(client)
		tasks = ms
	default:
		if err := store.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure task schema")
		}
		tasks = store.NewSQLiteStore(db)
	}

	var qs queue.Store
	switch cfg.QueueStore {
	case "redis":
		qs = queue.NewRedisStore(rdb)
	default:
		if err := queue.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure queue schema")
		}
		qs = queue.NewSQLiteStore(db)
	}

	var cs cache.Store
	switch cfg.CacheStore {
	case "redis":
		cs = cache.NewRedisStore(rdb)
	default:
		cs = cache.NewMemoryStore(cfg.CacheSize, cfg.CacheTTL)
	}
	reads := cache.New(cs, cfg.CacheTTL)

	notifier, err := newNotifier(cfg, tasks)
	if err != nil {
		log.Fatal().Err(err).Msg("configure notifier")
	}

	svc := lifecycle.NewService(tasks, queue.New(lifecycle.DeadlineQueue, qs, clk), reads, clk)
	job := notify.NewDigest(tasks, notifier, cfg.DigestConcurrency, clk)

	// Handlers registry
	handlers := map[string]worker.Handler{
		lifecycle.DeadlineQueue: deadline.Deadline{Tasks: svc},
		notify.DigestQueue:      digest.Digest{Job: job},
	}
	if err := queue.New(notify.DigestQueue, qs, clk).ScheduleRecurring(ctx, digestEntry, cfg.DigestCron, []byte("{}")); err != nil {
		log.Fatal().Err(err).Msg("register digest schedule")
	}
	if cfg.ReconcileCron != "" {
		handlers[reconcile.Queue] = reconcile.Reconcile{Tasks: svc}
		if err := queue.New(reconcile.Queue, qs, clk).ScheduleRecurring(ctx, reconcileEntry, cfg.ReconcileCron, []byte("{}")); err != nil {
			log.Fatal().Err(err).Msg("register reconcile schedule")
		}
	}

	// Start worker pool and the recurring schedule service
	pool := worker.NewPool(qs, handlers, cfg.Workers, cfg.PollInterval, cfg.HandlerTimeout, clk)
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	go scheduler.NewService(qs, cfg.ScheduleCheckInterval, clk).Start(ctx)

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(svc, reads, api.Options{Debug: cfg.Debug, Workers: pool, Checks: checks}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("tasks", cfg.TaskStore).Str("queue", cfg.QueueStore).
			Str("cache", cfg.CacheStore).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	select {
	case <-done:
	case <-ctxTimeout.Done():
		log.Warn().Msg("worker pool did not drain before shutdown timeout")
	}
}

func newNotifier(cfg config.Config, users store.Directory) (notify.Notifier, error) {
	switch cfg.Notifier {
	case "postmark":
		n, err := notify.NewPostmarkNotifier(cfg.Postmark, users)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "webhook":
		n, err := notify.NewWebhookNotifier(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return notify.LogNotifier{}, nil
	}
}

func mongoPing(client *mongo.Client) func(context.Context) error {
	return func(ctx context.Context) error { return client.Ping(ctx, nil) }
}
