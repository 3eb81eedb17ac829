package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skydir/trustpipe/internal/challenge"
	"github.com/skydir/trustpipe/internal/config"
	"github.com/skydir/trustpipe/internal/events"
	"github.com/skydir/trustpipe/internal/fetch"
	"github.com/skydir/trustpipe/internal/health"
	"github.com/skydir/trustpipe/internal/httpclient"
	"github.com/skydir/trustpipe/internal/logging"
	"github.com/skydir/trustpipe/internal/metrics"
	"github.com/skydir/trustpipe/internal/pipeline"
	"github.com/skydir/trustpipe/internal/queue"
	"github.com/skydir/trustpipe/internal/rate"
	"github.com/skydir/trustpipe/internal/resolver"
	"github.com/skydir/trustpipe/internal/scheduler"
	"github.com/skydir/trustpipe/internal/server"
	"github.com/skydir/trustpipe/internal/store"
	"github.com/skydir/trustpipe/internal/telemetry"
)

func main() {
	var configFile string
	var addr string
	var ua string
	var resolverBase string
	var workers int
	var postgresDSN string
	var redisQueueAddr string
	var redisQueueKey string
	var eventsIngest string
	var eventsSpoolDir string
	var metricsAddr string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&addr, "addr", "", "HTTP listen address")
	flag.StringVar(&ua, "ua", "", "user-agent for outbound manifest fetches")
	flag.StringVar(&resolverBase, "resolver_base", "", "identity resolver base URL")
	flag.IntVar(&workers, "workers", 0, "concurrent job workers")
	flag.StringVar(&postgresDSN, "postgres_dsn", "", "postgres DSN (empty for in-memory store)")
	flag.StringVar(&redisQueueAddr, "redis_queue_addr", "", "redis server for the job queue (empty for in-memory queue)")
	flag.StringVar(&redisQueueKey, "redis_queue_key", "", "redis list key for the job queue")
	flag.StringVar(&eventsIngest, "events_ingest", "", "event webhook endpoint (empty to log only)")
	flag.StringVar(&eventsSpoolDir, "events_spool_dir", "", "spool dir for failed event batches")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr (empty to disable)")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "trustpiped - trust & verification pipeline for a bot directory\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  POSTGRES_DSN     Postgres DSN for persistent storage\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR Redis server for the job queue\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_KEY  Redis list key for the job queue\n")
		fmt.Fprintf(os.Stderr, "  RESOLVER_BASE    Identity resolver base URL\n")
	}
	flag.Parse()

	log := logging.New()
	defer log.Sync()

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
		log.Infow("loaded config from file", "file", configFile)
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()

	flags := make(map[string]interface{})
	if addr != "" {
		flags["addr"] = addr
	}
	if ua != "" {
		flags["ua"] = ua
	}
	if resolverBase != "" {
		flags["resolver_base"] = resolverBase
	}
	if workers > 0 {
		flags["workers"] = workers
	}
	if postgresDSN != "" {
		flags["postgres_dsn"] = postgresDSN
	}
	if redisQueueAddr != "" {
		flags["redis_queue_addr"] = redisQueueAddr
	}
	if redisQueueKey != "" {
		flags["redis_queue_key"] = redisQueueKey
	}
	if eventsIngest != "" {
		flags["events_ingest"] = eventsIngest
	}
	if eventsSpoolDir != "" {
		flags["events_spool_dir"] = eventsSpoolDir
	}
	if metricsAddr != "" {
		flags["metrics_addr"] = metricsAddr
	}
	if otelEndpoint != "" {
		flags["otel_endpoint"] = otelEndpoint
	}
	if otelService != "" {
		flags["otel_service"] = otelService
	}
	flags["otel_insecure"] = otelInsecure
	cfg.MergeWithFlags(flags)

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("service", cfg.OTELService)
	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	// Persistence: postgres when a DSN is set, in-memory otherwise.
	var st store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalw("postgres init", "err", err)
		}
		defer pg.Close()
		st = pg
		healthHandler.RegisterChecker("postgres", health.PingChecker(pg.Ping))
		log.Infow("postgres store enabled")
	} else {
		st = store.NewMemory()
		log.Infow("memory store enabled")
	}

	// Job queue: redis when an address is set, in-memory otherwise.
	var q queue.Queue
	if cfg.RedisQueueAddr != "" {
		rq, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey)
		if err != nil {
			log.Fatalw("redis queue init", "err", err)
		}
		q = rq
		healthHandler.RegisterChecker("redis", health.PingChecker(rq.Ping))
		log.Infow("redis queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)
	} else {
		q = queue.NewMemory(8192)
		log.Infow("memory queue enabled")
	}

	client := httpclient.NewResilientClient(httpclient.Default(), cfg.UA)

	fetchLimiter := rate.New(cfg.FetchPerHostRPS, cfg.FetchBurst)
	fetcher := fetch.New(client, fetchLimiter, time.Duration(cfg.FetchTimeoutSec)*time.Second, cfg.FetchMaxBytes, log)

	resolverLimiter := rate.New(cfg.FetchPerHostRPS, cfg.FetchBurst)
	res, err := resolver.NewHTTP(cfg.ResolverBase, client, resolverLimiter, time.Duration(cfg.ResolverTimeoutSec)*time.Second)
	if err != nil {
		log.Fatalw("resolver init", "err", err)
	}

	engine := challenge.NewEngine(st, res, time.Duration(cfg.ChallengeTTLMin)*time.Minute, cfg.RecentPostsLimit, log)

	emitter := events.NewEmitter(cfg.EventsIngest, cfg.EventsBatchMax, time.Duration(cfg.EventsFlushSec)*time.Second, cfg.EventsSpoolDir, log)
	go emitter.Run(ctx)

	sched := scheduler.New(q, cfg.JobMaxAttempts, log)
	pipe := pipeline.New(st, sched, fetcher, engine, emitter, log)
	go sched.Run(ctx, cfg.Workers)
	go pipe.RunSweep(ctx, time.Duration(cfg.SweepIntervalSec)*time.Second)

	api := server.New(st, pipe, log)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("http server started", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server", "err", err)
		}
	}()

	healthHandler.SetReady(true)
	log.Infow("service marked as ready",
		"workers", cfg.Workers,
		"resolver_base", cfg.ResolverBase,
		"sweep_interval_sec", cfg.SweepIntervalSec,
	)

	<-ctx.Done()
	log.Infow("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "err", err)
	}
	emitter.Drain()
	log.Infow("shutdown complete")
}
