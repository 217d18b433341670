package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/subforge/subforge/internal/cache"
	"github.com/subforge/subforge/internal/config"
	"github.com/subforge/subforge/internal/fetch"
	"github.com/subforge/subforge/internal/history"
	"github.com/subforge/subforge/internal/pipeline"
	"github.com/subforge/subforge/internal/sandbox"
	"github.com/subforge/subforge/internal/server"
	"github.com/subforge/subforge/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer("subforge", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := cache.NewStore(cfg.Converter.CacheDir, logger)
	if err != nil {
		log.Fatalf("Failed to open cache store: %v", err)
	}

	var fetchOpts []fetch.Option
	if cfg.Converter.UserAgent != "" {
		fetchOpts = append(fetchOpts, fetch.WithUserAgent(cfg.Converter.UserAgent))
	}
	fetcher := fetch.New(store, logger, fetchOpts...)

	executor := sandbox.NewExecutor(logger, time.Duration(cfg.Converter.TimeoutMS)*time.Millisecond)
	converter := pipeline.NewConverter(fetcher, executor, logger, "")

	var hist *history.Store
	if cfg.Storage.Type == "sqlite" {
		hist, err = history.New(cfg.Storage.SQLite.Path)
		if err != nil {
			log.Fatalf("Failed to open history store: %v", err)
		}
		defer hist.Close()
	}

	handler := server.NewConvertHandler(converter, hist, cfg.Converter.ScriptPath, cfg.Converter.UseCache, logger)

	srv := server.New(cfg.Server.Port, logger)
	srv.Router.Get("/sub", handler.HandleSubscription)
	srv.Router.Get("/status", handler.HandleStatus)
	srv.Router.Get("/healthz", handler.HandleHealth)

	logger.Info("subforge started",
		slog.String("script", cfg.Converter.ScriptPath),
		slog.String("cache_dir", cfg.Converter.CacheDir),
		slog.Bool("use_cache", cfg.Converter.UseCache))

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
