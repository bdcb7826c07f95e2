package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/olyamironova/matching-engine/internal/account"
	"github.com/olyamironova/matching-engine/internal/adapter/cache"
	"github.com/olyamironova/matching-engine/internal/adapter/feed"
	"github.com/olyamironova/matching-engine/internal/adapter/in_memory"
	"github.com/olyamironova/matching-engine/internal/adapter/pg"
	"github.com/olyamironova/matching-engine/internal/analytics"
	grpcapi "github.com/olyamironova/matching-engine/internal/api/grpc"
	httpapi "github.com/olyamironova/matching-engine/internal/api/http"
	"github.com/olyamironova/matching-engine/internal/api/ws"
	"github.com/olyamironova/matching-engine/internal/config"
	"github.com/olyamironova/matching-engine/internal/core"
	"github.com/olyamironova/matching-engine/internal/logger"
	"github.com/olyamironova/matching-engine/internal/middleware"
	"github.com/olyamironova/matching-engine/internal/port"
	"github.com/olyamironova/matching-engine/internal/service"
)

func main() {
	configName := flag.String("config", "exchange", "config file name without extension")
	flag.Parse()

	cfg, err := config.Load(*configName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("matching-engine", cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("exchange stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCfg, err := cfg.Engine.Core(cfg.Symbol)
	if err != nil {
		return err
	}
	initial, err := decimal.NewFromString(cfg.Accounts.InitialBalance)
	if err != nil {
		return fmt.Errorf("initial balance: %w", err)
	}
	accounts := account.NewManager(initial, log.Named("accounts"))

	// --- Adapters ---

	var repo port.Repository = in_memory.NewMemoryRepo()
	if cfg.Postgres.DSN != "" {
		pgRepo, err := pg.NewPgRepo(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pgRepo.Close()
		if err := pgRepo.Migrate(ctx); err != nil {
			return err
		}
		repo = pgRepo
		log.Info("postgres audit log enabled")
	}

	var depthCache port.Cache = in_memory.NewCache()
	if cfg.Redis.Addr != "" {
		rc := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			log.Warn("redis unavailable, depth reads fall back to the book", zap.Error(err))
		}
		depthCache = rc
		log.Info("redis depth cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	hub := ws.NewHub(log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	feeds := []port.TradeFeed{hub}
	if cfg.NATS.URL != "" {
		pub, err := feed.NewNatsPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		defer pub.Close()
		feeds = append(feeds, pub)
		log.Info("nats trade feed enabled", zap.String("subject", cfg.NATS.Subject))
	}

	// --- Core ---

	engine := core.NewEngine(accounts, engineCfg)
	svc := service.New(engine, service.Options{
		Repo:      repo,
		Cache:     depthCache,
		Feeds:     feeds,
		Accounts:  accounts,
		Tracker:   analytics.NewTracker(engineCfg.TickSize),
		QueueSize: cfg.Engine.QueueSize,
		Logger:    log,
	})
	restored, err := svc.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore book: %w", err)
	}
	svc.Start()
	defer svc.Stop()
	log.Info("engine ready",
		zap.String("symbol", engineCfg.Symbol),
		zap.String("self_trade_policy", engineCfg.SelfTradePolicy.String()),
		zap.Int("restored_orders", restored),
	)

	// --- Servers ---

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go sweepLimiter(hubCtx, limiter)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewHTTPServer(svc, accounts, hub, limiter, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	grpcSrv, health := grpcapi.NewServer(grpcapi.NewGRPCServer(svc, log))
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc server listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// --- Graceful shutdown ---

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	log.Info("exchange stopped", zap.Any("stats", svc.Stats()))
	return runErr
}

func sweepLimiter(ctx context.Context, l *middleware.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
