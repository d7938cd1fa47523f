package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hperssn/sprinter/internal/config"
	httpapi "github.com/hperssn/sprinter/internal/http"
	"github.com/hperssn/sprinter/internal/logger"
	"github.com/hperssn/sprinter/internal/runner"
	"github.com/hperssn/sprinter/internal/storage"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatal("opening result store failed", "driver", cfg.DBDriver, "error", err)
	}
	defer repo.Close()

	drafts, closeDrafts, err := openDraftStore(cfg, repo, log)
	if err != nil {
		log.Fatal("opening draft store failed", "driver", cfg.DraftDriver, "error", err)
	}
	defer closeDrafts()

	manager := runner.NewSessionManager(drafts,
		runner.WithResultSink(repo),
		runner.WithManagerLogger(log),
		runner.WithRetention(cfg.SessionRetention),
		runner.WithControllerOptions(
			runner.WithFeedbackDelay(cfg.FeedbackDelay),
			runner.WithSaveDebounce(cfg.SaveDebounce),
			runner.WithNoGatePolicy(cfg.NoGatePolicy),
		),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	httpapi.New(manager, repo,
		httpapi.WithLogger(log),
		httpapi.WithDevUser(cfg.DevUser),
	).Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "db", cfg.DBDriver, "drafts", cfg.DraftDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Flushes pending drafts before the stores close.
	manager.Shutdown()
}

func openRepository(cfg config.Config) (storage.Repository, error) {
	switch cfg.DBDriver {
	case "memory":
		return storage.NewMemoryRepository(), nil
	case "sqlite":
		return storage.NewSQLiteRepository(cfg.DBDSN)
	case "postgres":
		return storage.NewPostgresRepository(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func openDraftStore(cfg config.Config, repo storage.Repository, log *logger.Logger) (runner.DraftStore, func(), error) {
	noop := func() {}
	switch cfg.DraftDriver {
	case "db":
		return repo, noop, nil
	case "memory":
		return storage.NewMemoryRepository(), noop, nil
	case "redis":
		store, err := storage.NewRedisDraftStore(context.Background(), cfg.RedisAddr, cfg.DraftTTL, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown DRAFT_DRIVER %q", cfg.DraftDriver)
	}
}
