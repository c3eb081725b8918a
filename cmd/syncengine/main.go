// Command syncengine runs the sync resilience and scheduling engine.
//
// SERVICE_MODE selects the process role:
//   - api:    HTTP API, webhook receiver and inline manual syncs
//   - worker: asynq worker pool plus the cron sweeps
//   - all:    both in one process (default)
//
// @title                      Sync Engine API
// @version                    1.0
// @description                Adaptive scheduling, circuit breaking, token health and push channel lifecycle for third-party integration syncs.
// @BasePath                   /
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-sync-engine/docs"
	"github.com/tbourn/go-sync-engine/internal/config"
	httpapi "github.com/tbourn/go-sync-engine/internal/http"
	"github.com/tbourn/go-sync-engine/internal/jobs"
	"github.com/tbourn/go-sync-engine/internal/observability"
	"github.com/tbourn/go-sync-engine/internal/provider"
	"github.com/tbourn/go-sync-engine/internal/repo"
	"github.com/tbourn/go-sync-engine/internal/services"
	"github.com/tbourn/go-sync-engine/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	sysutil.SetupLogger(sysutil.LoggerOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
		Mode:    cfg.ServiceMode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("sync engine stopped")
	}
	log.Info().Msg("sync engine stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Process{
		Version: sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version),
		Mode:    cfg.ServiceMode,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	queue := jobs.NewQueue(cfg.Queue)
	defer func() { _ = queue.Close() }()

	var locker services.Locker
	if cfg.Queue.LockBackend == "redis" {
		rdb := jobs.NewRedisClient(cfg.Queue)
		defer func() { _ = rdb.Close() }()
		locker = jobs.NewRedisLocker(rdb)
	} else {
		locker = jobs.NewLocalLocker()
	}

	var sink services.AnalyticsSink
	ph, err := observability.NewPosthogSink(cfg.Posthog)
	if err != nil {
		return err
	}
	if ph != nil {
		defer func() { _ = ph.Close() }()
		sink = ph
	}

	eng := buildEngine(db, cfg, queue, locker, sink)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ServiceMode == "all" || cfg.ServiceMode == "api" {
		g.Go(func() error { return serveHTTP(gctx, cfg, db, eng) })
	}
	if cfg.ServiceMode == "all" || cfg.ServiceMode == "worker" {
		g.Go(func() error { return serveWorker(gctx, cfg, eng) })
	}

	log.Info().Str("mode", cfg.ServiceMode).Str("version", version).Msg("sync engine started")
	return g.Wait()
}

// engine bundles the wired services.
type engine struct {
	orchestrator *services.SyncOrchestrator
	webhooks     *services.WebhookLifecycleManager
	connections  *services.ConnectionService
	sweeper      *services.Sweeper
	health       *services.HealthReporter
	metrics      *services.MetricsRecorder
}

func buildEngine(db *gorm.DB, cfg config.Config, queue services.JobQueue, locker services.Locker, sink services.AnalyticsSink) *engine {
	gw := provider.NewGatewayClient(cfg.Gateway, nil)

	tokens := services.NewTokenHealthTracker(db, gw, gw, cfg.Sync)
	breakers := services.NewCircuitBreakerManager(db, cfg.Sync)
	scheduler := services.NewAdaptiveScheduler(db, cfg.Sync)
	metrics := services.NewMetricsRecorder(db, sink)
	webhooks := services.NewWebhookLifecycleManager(db, gw, scheduler, queue, cfg.Sync, cfg.Gateway.WebhookCallbackURL)

	return &engine{
		orchestrator: services.NewSyncOrchestrator(tokens, breakers, scheduler, metrics, gw, locker, cfg.Sync),
		webhooks:     webhooks,
		connections:  services.NewConnectionService(tokens, breakers, scheduler, webhooks, queue),
		sweeper:      services.NewSweeper(scheduler, tokens, webhooks, queue),
		health:       services.NewHealthReporter(db, cfg.Sync),
		metrics:      metrics,
	}
}

func serveHTTP(ctx context.Context, cfg config.Config, db *gorm.DB, eng *engine) error {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Services{
		DB:          db,
		Sync:        eng.orchestrator,
		Webhooks:    eng.webhooks,
		Connections: eng.connections,
		Health:      eng.health,
		Metrics:     eng.metrics,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	log.Info().Msg("http server stopped")
	return nil
}

func serveWorker(ctx context.Context, cfg config.Config, eng *engine) error {
	handler := jobs.NewHandler(eng.orchestrator, eng.webhooks, eng.sweeper,
		jobs.WithTaskTimeout(cfg.Sync.SyncTimeout+30*time.Second))

	srv := jobs.NewServer(cfg.Queue)
	if err := srv.Start(jobs.NewServeMux(handler)); err != nil {
		return err
	}
	defer srv.Shutdown()

	cron := jobs.NewCronScheduler(cfg.Queue)
	if err := jobs.RegisterSweeps(cron, cfg.Sync); err != nil {
		return err
	}
	if err := cron.Start(); err != nil {
		return err
	}
	defer cron.Shutdown()

	log.Info().Int("concurrency", cfg.Queue.Concurrency).Msg("worker pool started")
	<-ctx.Done()
	return nil
}
