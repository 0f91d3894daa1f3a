package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitvox/api/internal/app"
	"gitvox/api/internal/config"
	"gitvox/api/internal/gitmirror"
	"gitvox/api/internal/logging"
	"gitvox/api/internal/search"
	"gitvox/api/internal/session"
	"gitvox/api/internal/store"
)

func newServeCmd(configPath *string) *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Example: `  gitvox serve
  gitvox serve --config gitvox.yaml
  gitvox serve --in-memory`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, inMemory)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep all data in process memory instead of Postgres; implies dev_login")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, inMemory bool) error {
	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	var dataStore store.Store
	if inMemory {
		logger.Warn("running with the in-memory store, data is lost on exit")
		dataStore = store.NewMemoryStore()
		cfg.DevLogin = true
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, logger); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		dataStore = store.NewPostgresStore(db)
	}

	var mirror *gitmirror.Service
	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return fmt.Errorf("create repos dir: %w", err)
		}
		mirror = gitmirror.New(cfg.ReposDir, cfg.MirrorTimeout)
	} else {
		logger.Warn("repos_dir is empty, commit history is disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, search.NewStoreSearcher(dataStore), logger)

	var sessions app.SessionStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for refresh sessions")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	}

	service := app.NewService(cfg, dataStore, sessions, mirror, searchService, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gitvox api listening", "addr", cfg.Addr, "in_memory", inMemory)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := service.Close(shutdownCtx); err != nil {
		logger.Error("room shutdown error", "error", err)
	}
	return nil
}
