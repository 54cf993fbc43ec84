package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucified/minard-backend-sub001/internal/app/migrate"
	"github.com/lucified/minard-backend-sub001/internal/config"
	"github.com/lucified/minard-backend-sub001/internal/eventbus"
	"github.com/lucified/minard-backend-sub001/internal/gitlab"
	httpx "github.com/lucified/minard-backend-sub001/internal/http"
	"github.com/lucified/minard-backend-sub001/internal/repository/postgres"
	"github.com/lucified/minard-backend-sub001/internal/service/deployment"
	"github.com/lucified/minard-backend-sub001/internal/service/extraction"
	"github.com/lucified/minard-backend-sub001/internal/service/screenshot"
	"github.com/lucified/minard-backend-sub001/internal/service/stream"
	"github.com/lucified/minard-backend-sub001/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("minard", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if cfg.MigrateRollback {
		if err := runner.Rollback(ctx); err != nil {
			log.Error("migration rollback failed", "error", err)
			os.Exit(1)
		}
		log.Info("migration rollback complete, exiting")
		return
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool, cfg.PreviewDomainSuffix)

	store := eventbus.NewRedisStore(cfg.EventStoreRedisAddr, cfg.EventStoreRedisPassword, cfg.EventStoreRedisDB, log)
	defer store.Close()
	local := eventbus.NewLocalBus(cfg.StreamBufferSize, log)
	bus := eventbus.NewDurableBus(local, store, cfg.EventStoreRetries, cfg.EventStoreRetryDelay, log)

	gitlabClient := gitlab.NewClient(cfg.GitLabBaseURL, cfg.GitLabToken)

	deploySvc := deployment.New(repo, bus, gitlabClient, gitlabClient, log)

	preparer := extraction.NewPreparer(deploySvc, repo, gitlabClient, gitlabClient, extraction.Unzip, cfg.DeploymentRoot, log)
	queue := extraction.NewQueue(preparer, cfg.ExtractionWorkers, cfg.ExtractionBacklog, log)
	queue.Start(ctx)
	defer queue.Stop()

	reactor := deployment.NewReactor(deploySvc, bus, queue, log)
	go reactor.Run(ctx)

	if cfg.ScreenshotterURL != "" {
		renderer := screenshot.NewHTTPRenderer(cfg.ScreenshotterURL, cfg.ScreenshotDir)
		screenshotSvc := screenshot.New(deploySvc, renderer, bus, log)
		go screenshotSvc.Run(ctx)
	} else {
		log.Info("screenshotter not configured, skipping screenshot reactor")
	}

	streamSvc := stream.New(bus, cfg.StreamHeartbeat, cfg.StreamBufferSize, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPassword, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, repo, bus, streamSvc, limiter, cfg.CIAuthToken, queue.Depth, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("minard server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("minard server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
