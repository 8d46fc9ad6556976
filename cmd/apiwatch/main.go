package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/obslabs/apiwatch/internal/alerting"
	"github.com/obslabs/apiwatch/internal/analytics"
	"github.com/obslabs/apiwatch/internal/app/migrate"
	"github.com/obslabs/apiwatch/internal/httpx"
	"github.com/obslabs/apiwatch/internal/monitor"
	"github.com/obslabs/apiwatch/internal/ratelimit"
	"github.com/obslabs/apiwatch/internal/repository/postgres"
	"github.com/obslabs/apiwatch/internal/ws"
	"github.com/obslabs/apiwatch/pkg/config"
	"github.com/obslabs/apiwatch/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	svcCfg := config.LoadServiceConfig()
	monCfg := config.LoadMonitorConfig()

	var log *slog.Logger
	if svcCfg.LogFile != "" {
		log = logger.NewRotating("apiwatch", svcCfg.LogFile, slog.LevelInfo)
	} else {
		log = logger.New("apiwatch", slog.LevelInfo)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []monitor.Option{monitor.WithLogger(log)}

	var pool *pgxpool.Pool
	var dbHealth func(context.Context) error
	if dsn := strings.TrimSpace(svcCfg.DatabaseURL); dsn != "" {
		var err error
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, dsn, svcCfg.MigrationsDir, log)
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
		opts = append(opts, monitor.WithArchiveStore(postgres.New(pool)))
		dbHealth = pool.Ping
	}

	limiter := ratelimit.NewMemoryLimiter()
	if addr := strings.TrimSpace(svcCfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(addr, svcCfg.RateLimitRedisPass, svcCfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	defer limiter.Close()

	hub := ws.NewHub()
	opts = append(opts,
		monitor.WithLimiter(limiter),
		monitor.WithAlertSink(alerting.NewGroupingSink(alerting.NewHubSink(hub, log), 0)),
	)

	mon := monitor.New(monCfg, opts...)
	go mon.Run(ctx)

	engine := analytics.NewEngine(mon, analytics.WithLogger(log))

	router := httpx.NewRouter(log, mon, engine, hub, limiter, svcCfg.IngestToken, dbHealth)

	srv := &http.Server{
		Addr:              svcCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("apiwatch server starting", "addr", svcCfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		mon.Shutdown(shutdownCtx)
		log.Info("apiwatch server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
