package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropzone/dropzone/internal/config"
	"github.com/dropzone/dropzone/internal/container"
	"github.com/dropzone/dropzone/internal/deployer"
	"github.com/dropzone/dropzone/internal/httpserver"
	"github.com/dropzone/dropzone/internal/notify"
	"github.com/dropzone/dropzone/internal/platform"
	"github.com/dropzone/dropzone/internal/portalloc"
	"github.com/dropzone/dropzone/internal/reaper"
	"github.com/dropzone/dropzone/internal/store"
	"github.com/dropzone/dropzone/internal/telemetry"
)

const healthListenAddr = ":8081"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)
	logger.Info("starting dropzone reaper")

	db, err := platform.NewPostgresPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	st := store.New(db)
	ports := portalloc.New(rdb, cfg.Ports.Min, cfg.Ports.Max, time.Duration(cfg.Ports.DefaultTTLSecs)*time.Second)

	driver, err := container.New()
	if err != nil {
		return fmt.Errorf("initializing container driver: %w", err)
	}

	notifier := notify.New(cfg.Slack.BotToken, cfg.Slack.AlertChannel, logger)
	deploy := deployer.New(driver, ports, cfg, notifier)

	interval := time.Duration(cfg.Scheduler.PollIntervalSecs) * time.Second
	r := reaper.New(st, deploy, notifier, logger, interval)

	router := httpserver.NewRouter(logger, metricsReg, map[string]httpserver.Pinger{
		"postgres": platform.PostgresPinger{Pool: db},
		"redis":    platform.RedisPinger{Client: rdb},
	})
	healthSrv := &http.Server{Addr: healthListenAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	go func() {
		if err := r.Run(ctx); err != nil {
			errCh <- fmt.Errorf("reaper loop: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down reaper")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
