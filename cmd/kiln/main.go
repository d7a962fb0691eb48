package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/kiln/internal/anthropic"
	"github.com/MikeSquared-Agency/kiln/internal/api"
	"github.com/MikeSquared-Agency/kiln/internal/archive"
	"github.com/MikeSquared-Agency/kiln/internal/codegen"
	"github.com/MikeSquared-Agency/kiln/internal/config"
	"github.com/MikeSquared-Agency/kiln/internal/gemini"
	"github.com/MikeSquared-Agency/kiln/internal/hermes"
	"github.com/MikeSquared-Agency/kiln/internal/orchestrator"
	"github.com/MikeSquared-Agency/kiln/internal/preview"
	"github.com/MikeSquared-Agency/kiln/internal/store"
)

const version = "0.1.0"

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("kiln starting", "port", cfg.Port, "provider", cfg.LLMProvider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	var st orchestrator.Store
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, workspaces are kept in memory only")
		st = store.NewMemory()
	} else {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected")
		st = db
	}

	// Model backend
	backend, model, err := newBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up model backend", "error", err)
		os.Exit(1)
	}
	slog.Info("model backend ready", "provider", cfg.LLMProvider, "model", model)
	gen := codegen.New(backend, slog.Default())

	hub := preview.NewHub(slog.Default())
	notifiers := []orchestrator.Notifier{hub}

	// NATS/Hermes (optional)
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		notifiers = append(notifiers, hermesClient)
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set, running without bus events")
	}

	// Snapshot archive (optional)
	if cfg.Archive.Enabled() {
		arc, err := archive.New(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		}, slog.Default())
		if err != nil {
			slog.Error("failed to set up snapshot archive", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, arc)
		slog.Info("snapshot archive ready", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}

	orch, err := orchestrator.New(st, gen, orchestrator.Config{
		HistoryLimit: cfg.HistoryLimit,
		Timeout:      cfg.GenerationTimeout,
		CacheSize:    cfg.SessionCache,
	}, slog.Default(), notifiers...)
	if err != nil {
		slog.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	if hermesClient != nil {
		submit := func(ctx context.Context, id uuid.UUID, text string) error {
			_, err := orch.Submit(ctx, id, text)
			return err
		}
		if err := hermesClient.Subscribe(hermes.SubjectMessageAppended, hermes.MessageHandler(submit, slog.Default())); err != nil {
			slog.Error("failed to subscribe to workspace messages", "error", err)
			os.Exit(1)
		}
		if err := hermesClient.Publish(hermes.SubjectRegistered, hermes.Registration{
			Agent:    "kiln",
			Version:  version,
			Provider: cfg.LLMProvider,
			Model:    model,
			At:       time.Now().UTC(),
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, orch, hub, slog.Default())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("kiln ready", "port", cfg.Port)

	if err := g.Wait(); err != nil {
		slog.Error("HTTP server error", "error", err)
	}
	orch.Close()
	slog.Info("kiln stopped")
}

func newBackend(ctx context.Context, cfg config.Config) (codegen.Backend, string, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
		client := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		client.SetMaxTokens(cfg.MaxTokens)
		return client, client.Model(), nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, "", fmt.Errorf("GEMINI_API_KEY is required")
		}
		client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxTokens)
		if err != nil {
			return nil, "", err
		}
		return client, client.Model(), nil
	default:
		return nil, "", fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
