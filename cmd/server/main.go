// webchat-proxy - OpenAI-compatible API over a browser chat session
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/webchat-proxy/internal/api"
	"github.com/ashureev/webchat-proxy/internal/config"
	"github.com/ashureev/webchat-proxy/internal/detector"
	"github.com/ashureev/webchat-proxy/internal/events"
	"github.com/ashureev/webchat-proxy/internal/media"
	"github.com/ashureev/webchat-proxy/internal/metrics"
	"github.com/ashureev/webchat-proxy/internal/middleware"
	"github.com/ashureev/webchat-proxy/internal/queue"
	"github.com/ashureev/webchat-proxy/internal/session"
	"github.com/ashureev/webchat-proxy/internal/store"
	"github.com/ashureev/webchat-proxy/internal/surface"
)

const (
	jobHistoryTTL   = 7 * 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"addr", cfg.Addr(),
		"model", cfg.ModelID,
		"profile_dir", cfg.Browser.ProfileDir,
		"proxy", cfg.Browser.UpstreamProxy != "",
		"stream_mode", cfg.StreamMode,
		"auth", cfg.AuthEnabled())

	selectors, err := config.LoadSelectors(cfg.Browser.SelectorsFile)
	if err != nil {
		slog.Error("Failed to load selectors", "error", err)
		os.Exit(1)
	}

	mat, err := media.New(cfg.Media.Dir, cfg.Media.MaxBytes, logger)
	if err != nil {
		slog.Error("Media directory unusable", "dir", cfg.Media.Dir, "error", err)
		os.Exit(1)
	}
	slog.Info("Media directory ready", "dir", mat.Dir(), "files", mat.Count())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	repo.SetRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay)

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	if n, err := repo.FailInterruptedJobs(context.Background()); err != nil {
		slog.Warn("Failed to close out interrupted jobs", "error", err)
	} else if n > 0 {
		slog.Info("Marked interrupted jobs as failed", "count", n)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	launcher := surface.NewPlaywrightLauncher(cfg.Browser, selectors, logger)
	holder := session.NewHolder(launcher, cfg.Browser.ProfileDir, cfg.Browser.UpstreamProxy, logger)
	holder.OnLaunch = metrics.RecordLaunch
	defer func() {
		if closeErr := holder.Close(); closeErr != nil {
			slog.Warn("Failed to close browser session", "error", closeErr)
		}
	}()

	hub := events.NewHub(logger)
	det := detector.New(cfg.Timeout.PollInterval, cfg.Timeout.Completion, logger)
	worker := queue.NewWorker(holder, det, mat, repo, hub, queue.Options{
		Capacity:          cfg.Queue.Capacity,
		DispatchAttempts:  cfg.Retry.DispatchAttempts,
		DispatchBaseDelay: cfg.Retry.DispatchBaseDelay,
		ExtractRetryDelay: cfg.Timeout.ExtractRetryDelay,
		RotateAfterTurns:  cfg.Browser.RotateAfterTurns,
		Prewarm:           true,
	}, logger)

	var limiter *middleware.RateLimiter
	if cfg.Rate.RPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.Rate.RPS, cfg.Rate.Burst, api.CallerKey)
	}

	h := api.NewHandler(cfg, worker, holder, mat, repo, logger)
	r := api.NewRouter(h, api.RouterOptions{
		APIKeys:     cfg.APIKeys,
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     limiter,
		Events:      events.NewHandler(hub, cfg.CORSOrigins),
		AccessLog:   true,
	})

	// Replies can take minutes; the request deadline is enforced per job.
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mat.StartSweeper(ctx, cfg.Media.SweepInterval, cfg.Media.Retention, func(id string) {
		metrics.RecordMediaEvicted()
		delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.DeleteMedia(delCtx, id); err != nil {
			slog.Warn("Failed to drop evicted media from ledger", "media_id", id, "error", err)
		}
	})
	if limiter != nil {
		limiter.StartPruner(ctx)
	}
	startLedgerCleanup(ctx, repo)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

// startLedgerCleanup prunes old job records once an hour.
func startLedgerCleanup(ctx context.Context, repo store.Repository) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := repo.CleanupJobs(ctx, jobHistoryTTL)
				if err != nil {
					slog.Warn("Job ledger cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("Job ledger cleanup completed", "removed", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
