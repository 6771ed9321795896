package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/annotation-session/internal/config"
	"github.com/MimeLyc/annotation-session/internal/httpapi"
	"github.com/MimeLyc/annotation-session/internal/library"
	"github.com/MimeLyc/annotation-session/internal/persistence"
	"github.com/MimeLyc/annotation-session/internal/service"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

type scheduler interface {
	Schedule() error
}

type sessionRunner interface {
	Start(ctx context.Context)
	Stop()
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to load .env: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	db, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		log.Fatal("Failed to open database %s: %v", cfg.DBPath(), err)
	}
	defer db.Close()

	scanner := library.NewScanner(cfg.Tasks.Dir, db, library.WithCacheTTL(cfg.Tasks.ScanCacheTTL))
	cronEngine := cron.New()
	svc := service.New(*cfg, service.Deps{
		Provider:   scanner,
		Operations: db,
		Journal:    db,
		Cron:       cronEngine,
	})

	settingsStore, err := config.NewRuntimeSettingsStore(cfg.System.SettingsFile, cfg.RuntimeSettings())
	if err != nil {
		log.Fatal("Failed to create settings store: %v", err)
	}
	httpSrv := httpapi.NewServer(svc,
		httpapi.WithRuntimeSettingsStore(settingsStore),
		httpapi.WithRuntimeSettingsApplier(svc.ApplyRuntimeSettings),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runWithComponents(ctx, cfg, svc, svc, cronEngine, httpSrv); err != nil {
		log.Error("Server stopped: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment, then applies the runtime settings file
// when one exists.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("SETTINGS_FILE")
	if path == "" {
		path = config.DefaultRuntimeSettingsFile
	}

	settings, err := config.LoadRuntimeSettingsFile(path)
	switch {
	case err == nil:
		log.Info("Using runtime settings from %s", path)
		return config.NewFromEnv(config.WithRuntimeSettings(settings))
	case errors.Is(err, os.ErrNotExist):
		return config.NewFromEnv()
	default:
		return nil, err
	}
}

func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	sched scheduler,
	sess sessionRunner,
	cronEngine cronRunner,
	httpSrv httpServer,
) error {
	if err := sched.Schedule(); err != nil {
		return err
	}
	sess.Start(ctx)
	cronEngine.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		errCh <- httpSrv.ListenAndServe(cfg.HTTP.Addr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed: %v", err)
	}
	<-cronEngine.Stop().Done()
	sess.Stop()
	return runErr
}
