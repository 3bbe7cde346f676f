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

	"github.com/terra-clan/outpost-engine/internal/api"
	"github.com/terra-clan/outpost-engine/internal/catalog"
	"github.com/terra-clan/outpost-engine/internal/cleanup"
	"github.com/terra-clan/outpost-engine/internal/config"
	"github.com/terra-clan/outpost-engine/internal/credentials"
	"github.com/terra-clan/outpost-engine/internal/guard"
	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
	_ "github.com/terra-clan/outpost-engine/internal/provider/cloudcompute"
	_ "github.com/terra-clan/outpost-engine/internal/provider/computerservice"
	_ "github.com/terra-clan/outpost-engine/internal/provider/dockerlocal"
	"github.com/terra-clan/outpost-engine/internal/provision"
	"github.com/terra-clan/outpost-engine/internal/storage"
	"github.com/terra-clan/outpost-engine/internal/terminal"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting outpost-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// Initialize database repository
	repo, err := storage.NewPostgresRepository(initCtx, storage.PostgresConfig{
		DSN: cfg.Database.DSN,
	})
	if err != nil {
		slog.Error("failed to create database repository", "error", err)
		os.Exit(1)
	}

	// Run embedded migrations
	if err := repo.RunMigrations(initCtx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected successfully")

	// Secret vault
	vault, err := credentials.NewAESVault(cfg.Vault.MasterKeyHex)
	if err != nil {
		slog.Error("failed to initialize vault", "error", err)
		os.Exit(1)
	}

	// Provider catalog
	cat := catalog.New()
	if err := cat.LoadFromDir(cfg.Catalog.Dir); err != nil {
		slog.Warn("failed to load catalog from dir", "dir", cfg.Catalog.Dir, "error", err)
	}

	// Per-owner pipeline guard backed by Redis so the single-active-pipeline
	// invariant holds across replicas
	pipelineGuard, err := guard.NewRedisGuard(cfg.Redis.Address, cfg.Redis.Password, cfg.Pipeline.GuardTTL)
	if err != nil {
		slog.Error("failed to connect pipeline guard", "error", err)
		os.Exit(1)
	}

	// Provider clients, constructed once and shared
	resolver, err := buildResolver(cfg)
	if err != nil {
		slog.Error("failed to initialize providers", "error", err)
		os.Exit(1)
	}

	// Terminal session manager
	terminals := terminal.NewManager(repo, resolver,
		cfg.Terminal.MaxSessions, cfg.Terminal.MaxSessionsPerOwner)

	// Provisioning orchestrator
	orchestrator := provision.NewOrchestrator(repo, vault, cat, pipelineGuard, terminals, resolver,
		provision.Config{
			CreateAttempts:    cfg.Pipeline.CreateAttempts,
			CreateRetryDelay:  cfg.Pipeline.CreateRetryDelay,
			ReadyMaxAttempts:  cfg.Pipeline.ReadyMaxAttempts,
			ReadyPollInterval: cfg.Pipeline.ReadyPollInterval,
			ReadyGraceSleep:   cfg.Pipeline.ReadyGraceSleep,
			ExecTimeout:       cfg.Pipeline.ExecTimeout,
			HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
			CallbackBaseURL:   cfg.Pipeline.CallbackBaseURL,
		})

	// Stale-pipeline sweeper
	sweeper := cleanup.NewSweeper(repo, cfg.Sweeper.Interval, cfg.Sweeper.Deadline)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.Start(ctx)

	// Setup HTTP server
	server := api.NewServer(cfg.Server, orchestrator, repo, cat, terminals)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := pipelineGuard.Close(); err != nil {
		slog.Error("guard close error", "error", err)
	}
	if err := repo.Close(); err != nil {
		slog.Error("repository close error", "error", err)
	}

	slog.Info("outpost-engine stopped")
}

// buildResolver constructs every configured provider client up front and
// returns a lookup over them.
func buildResolver(cfg *config.Config) (func(models.Provider) (provider.Client, error), error) {
	clients := make(map[models.Provider]provider.Client)

	configs := map[models.Provider]provider.Config{
		models.ProviderCloudCompute: {
			BaseURL: cfg.Providers.CloudComputeBaseURL,
			APIKey:  cfg.Providers.CloudComputeAPIKey,
		},
		models.ProviderComputerService: {
			BaseURL: cfg.Providers.ComputerServiceBaseURL,
			APIKey:  cfg.Providers.ComputerServiceAPIKey,
		},
		models.ProviderSandboxService: {
			DockerHost:    cfg.Docker.Host,
			DockerNetwork: cfg.Docker.Network,
			DefaultImage:  cfg.Docker.DefaultImage,
		},
	}

	for name, pc := range configs {
		client, err := provider.New(name, pc)
		if err != nil {
			slog.Warn("provider backend not available", "provider", name, "error", err)
			continue
		}
		clients[name] = client
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no provider backends configured")
	}

	return func(p models.Provider) (provider.Client, error) {
		client, ok := clients[p]
		if !ok {
			return nil, fmt.Errorf("provider backend not configured: %s", p)
		}
		return client, nil
	}, nil
}
