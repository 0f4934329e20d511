package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dropzone/dropzone/internal/auth"
	"github.com/dropzone/dropzone/internal/config"
	"github.com/dropzone/dropzone/internal/container"
	"github.com/dropzone/dropzone/internal/deployer"
	"github.com/dropzone/dropzone/internal/gateway"
	"github.com/dropzone/dropzone/internal/httpserver"
	"github.com/dropzone/dropzone/internal/notify"
	"github.com/dropzone/dropzone/internal/platform"
	"github.com/dropzone/dropzone/internal/portalloc"
	"github.com/dropzone/dropzone/internal/store"
	"github.com/dropzone/dropzone/internal/telemetry"
)

const (
	listenAddr    = ":8080"
	migrationsDir = "./migrations"
	tasksDir      = "./tasks"
)

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
	logger.Info("starting dropzone gateway", "listen", listenAddr)

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

	if err := platform.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	st := store.New(db)
	ports := portalloc.New(rdb, cfg.Ports.Min, cfg.Ports.Max, time.Duration(cfg.Ports.DefaultTTLSecs)*time.Second)
	if err := ports.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing port allocator: %w", err)
	}

	driver, err := container.New()
	if err != nil {
		return fmt.Errorf("initializing container driver: %w", err)
	}

	notifier := notify.New(cfg.Slack.BotToken, cfg.Slack.AlertChannel, logger)
	deploy := deployer.New(driver, ports, cfg, notifier)
	sessions := auth.NewSessions(st, time.Duration(cfg.Sessions.TTLHours)*time.Hour)
	captcha := auth.NewCaptchaVerifier(cfg.Captcha)
	rateLimiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)

	if err := seedTasks(ctx, st, tasksDir); err != nil {
		return fmt.Errorf("seeding tasks: %w", err)
	}

	gw := gateway.New(st, deploy, sessions, captcha, notifier, rateLimiter, cfg, logger)

	router := httpserver.NewRouter(logger, metricsReg, map[string]httpserver.Pinger{
		"postgres": platform.PostgresPinger{Pool: db},
		"redis":    platform.RedisPinger{Client: rdb},
	})
	gw.Mount(router)

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// seedTasks registers every subdirectory of tasksDir as a task, idempotently,
// exactly as the original gateway's startup loop over ./tasks does.
func seedTasks(ctx context.Context, st *store.Store, tasksDir string) error {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("tasks directory not found, skipping seeding", "dir", tasksDir)
			return nil
		}
		return fmt.Errorf("reading %s: %w", tasksDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		dockerfilePath := filepath.Join(tasksDir, name, "Dockerfile")
		if err := st.EnsureTask(ctx, name, dockerfilePath); err != nil {
			return fmt.Errorf("seeding task %q: %w", name, err)
		}
	}

	return nil
}
