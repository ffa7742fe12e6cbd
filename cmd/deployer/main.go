package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hostedeth/deployer/internal/app/migrate"
	httpx "github.com/hostedeth/deployer/internal/http"
	"github.com/hostedeth/deployer/internal/repository/postgres"
	"github.com/hostedeth/deployer/internal/service/auth"
	"github.com/hostedeth/deployer/internal/service/content"
	"github.com/hostedeth/deployer/internal/service/deploy"
	"github.com/hostedeth/deployer/internal/service/events"
	"github.com/hostedeth/deployer/internal/service/orchestrator"
	"github.com/hostedeth/deployer/internal/service/pipeline"
	"github.com/hostedeth/deployer/internal/service/registry"
	"github.com/hostedeth/deployer/internal/service/scheduler"
	"github.com/hostedeth/deployer/internal/ws"
	"github.com/hostedeth/deployer/pkg/config"
	"github.com/hostedeth/deployer/pkg/logger"
)

func main() {
	cfg := config.LoadDeployerConfig()
	log := logger.New("deployer", logger.ParseLevel(cfg.LogLevel))

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
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	sched, err := scheduler.NewRedisScheduler(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ScheduleKey, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer sched.Close()

	registrySvc, err := registry.New(cfg, log)
	if err != nil {
		log.Error("failed to configure ens registry client", "error", err)
		os.Exit(1)
	}
	defer registrySvc.Close()

	store := content.NewStore(cfg.IPFSAPIURL, log)
	checker := content.NewChecker(cfg.IPFSAPIURL, log)
	pipelineSvc := pipeline.New(cfg, log)

	hub := ws.NewHub()
	eventsSvc := events.New(hub, log)

	authSvc := auth.New(cfg, log)
	deploySvc := deploy.New(repo, pipelineSvc, sched, eventsSvc, log)
	orch := orchestrator.New(repo, repo, registrySvc, store, checker, pipelineSvc, sched, eventsSvc, cfg, log)

	worker := scheduler.NewWorker(sched, orch, cfg.WorkerPollInterval, log)
	go worker.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if cfg.RedisAddr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, deploySvc, eventsSvc, limiter, cfg.PipelineAuthToken, cfg.EnsRootDomain, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployer server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deployer server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
