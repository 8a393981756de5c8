package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/buildings"
	"github.com/mohammed-shakir/building-footprints/internal/cache/cellindex"
	"github.com/mohammed-shakir/building-footprints/internal/cache/redisstore"
	"github.com/mohammed-shakir/building-footprints/internal/cache/resultcache"
	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/health"
	"github.com/mohammed-shakir/building-footprints/internal/core/httpclient"
	"github.com/mohammed-shakir/building-footprints/internal/core/server"
	"github.com/mohammed-shakir/building-footprints/internal/fetchevents"
	"github.com/mohammed-shakir/building-footprints/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/building-footprints/internal/logger"
	h3mapper "github.com/mohammed-shakir/building-footprints/internal/mapper/h3"
	"github.com/mohammed-shakir/building-footprints/internal/metrics"
	"github.com/mohammed-shakir/building-footprints/internal/providers"
	_ "github.com/mohammed-shakir/building-footprints/internal/providers/openbuildings"
	_ "github.com/mohammed-shakir/building-footprints/internal/providers/overture"
	_ "github.com/mohammed-shakir/building-footprints/internal/providers/segmentation"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	levelFlag := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}
	if *levelFlag != "" {
		cfg.LogLevel = *levelFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "footprints",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting building footprint service",
		"addr", cfg.Addr,
		"version", Version,
		"default_provider", cfg.DefaultProvider,
		"providers", providers.Names())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prom := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, prom.Handler(), appLog)
	}

	mapper := h3mapper.New()
	cells := func(b orb.Bound, res int) ([]string, error) {
		cs, err := mapper.CellsForBound(b, res)
		return []string(cs), err
	}

	ready := map[string]health.Check{}
	cacheOpts := []resultcache.Option{resultcache.WithLogger(appLog)}
	var redis *redisstore.Client
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cli, err := redisstore.New(dialCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			appLog.Error("redis setup failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		redis = cli
		defer func() { _ = redis.Close() }()
		cacheOpts = append(cacheOpts,
			resultcache.WithStore(redis),
			resultcache.WithIndex(cellindex.NewRedisIndex(redis), cells))
		ready["redis"] = redis.Ping
	} else {
		appLog.Warn("REDIS_ADDR not set; caching in process only")
		cacheOpts = append(cacheOpts, resultcache.WithIndex(cellindex.NewMemory(), cells))
	}

	cache := resultcache.New(resultcache.Config{
		L1Size:    cfg.CacheL1Size,
		L1TTL:     cfg.CacheL1TTL,
		TTL:       cfg.CacheTTL,
		OpTimeout: cfg.CacheOpTimeout,
		IndexRes:  cfg.IndexH3Res,
	}, cacheOpts...)

	events, closeEvents, err := fetchevents.Dial(cfg.FetchEvents, appLog)
	if err != nil {
		appLog.Error("fetch events setup failed", "err", err)
		return 1
	}
	defer func() { _ = closeEvents() }()

	svc := buildings.New(cfg,
		providers.Deps{Logger: appLog, HTTP: httpclient.NewOutbound(cfg.UpstreamTimeout)},
		buildings.WithCache(cache),
		buildings.WithEvents(events),
		buildings.WithLogger(appLog),
	)
	defer func() { _ = svc.Close() }()

	if cfg.Invalidation.Enabled {
		cons := kafkaconsumer.New(kafkaconsumer.FromConfig(cfg.Invalidation), appLog, cache, mapper)
		go func() {
			if err := cons.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, server.Options{
		Service: svc,
		Metrics: prom.Handler(),
		Ready:   ready,
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown", "err", err)
		}
	}()
	log.Info("metrics listen", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server exited", "err", err)
	}
}
