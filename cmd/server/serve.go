package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/namajain/kily-agent/internal/analysis"
	"github.com/namajain/kily-agent/internal/api"
	"github.com/namajain/kily-agent/internal/config"
	"github.com/namajain/kily-agent/internal/contextcache"
	"github.com/namajain/kily-agent/internal/convlog"
	"github.com/namajain/kily-agent/internal/identity"
	"github.com/namajain/kily-agent/internal/llm"
	"github.com/namajain/kily-agent/internal/middleware"
	"github.com/namajain/kily-agent/internal/orchestrator"
	"github.com/namajain/kily-agent/internal/sandbox"
	"github.com/namajain/kily-agent/internal/session"
	"github.com/namajain/kily-agent/internal/store"
	"github.com/namajain/kily-agent/internal/transport"
)

const cleanupInterval = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "sandbox", cfg.Sandbox.Backend)

	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	slog.Info("Database connected")

	seeded, err := store.SeedProfiles(context.Background(), repo, cfg.ProfileSeedPath)
	if err != nil {
		return fmt.Errorf("seed profiles: %w", err)
	}
	slog.Info("Profiles seeded", "count", seeded)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Context cache.
	cache := contextcache.New(repo, contextcache.NewDefaultFetcher(cfg.FetchTimeout, cfg.FileSourceRoot), cfg.DownloadDir, contextcache.Options{Logger: logger})
	cache.StartCleanupWorker(ctx, cleanupInterval, cfg.ContextRetentionDays)

	// Sandbox.
	runner, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// LLM and analysis loop.
	completer, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize llm client: %w", err)
	}
	loop := analysis.New(completer, runner, analysis.Config{
		MaxAttempts:     cfg.Analysis.MaxAttempts,
		KeepRecent:      cfg.Analysis.KeepRecent,
		PromptCeiling:   cfg.Analysis.PromptCeiling,
		HistoryMessages: cfg.Analysis.HistoryMessages,
		Summarize:       cfg.Analysis.Summarize,
		Budget: sandbox.Budget{
			Timeout:     cfg.Sandbox.Timeout,
			MemoryBytes: cfg.SandboxMemoryBytes(),
		},
	}, logger)

	// Sessions; expiry notifications reach the owning connection.
	hub := transport.NewHub(logger)
	sessions := session.New(repo, session.Config{
		IdleTimeout:   cfg.SessionIdleTimeout,
		SweepInterval: cfg.SessionSweepInterval,
	}, session.Options{
		Logger:   logger,
		OnExpire: func(s session.Snapshot) { hub.NotifyExpired(s.ID, s.UserID) },
	})
	defer sessions.Close()
	slog.Info("Session sweeper started", "idle_timeout", cfg.SessionIdleTimeout, "interval", cfg.SessionSweepInterval)

	convLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer convLogger.Close()

	svc := orchestrator.New(orchestrator.Deps{
		Profiles:    repo,
		Transcripts: repo,
		Cache:       cache,
		Sessions:    sessions,
		Analyzer:    loop,
		ConvLog:     convLogger,
		Logger:      logger,
	})

	// Handlers.
	restHandler := api.NewHandler(repo, svc, cfg.ArtifactDir, logger)
	chatHandler := transport.NewHandler(svc, hub, transport.Options{
		AllowedOrigin:      allowedOrigin(cfg),
		IsDev:              cfg.IsDevelopment(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{allowedOrigin(cfg)}, identity.UserHeaderName))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	restHandler.RegisterRoutes(r)
	r.Get("/ws/chat", chatHandler.ServeHTTP)

	// WebSocket connections are long-lived; no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var healthSrv *api.HealthServer
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		healthSrv = api.NewHealthServer(repo, 10*time.Second, logger)
		healthSrv.Watch(ctx)
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if healthSrv != nil {
		healthSrv.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Closing chat connections", "count", hub.Connections())
	hub.CloseAll()
	// In-flight answers are still persisted after their connection is gone.
	if err := chatHandler.Wait(shutdownCtx); err != nil {
		slog.Warn("In-flight queries did not finish before shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

// newRunner builds the configured sandbox backend.
func newRunner(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sandbox.Runner, error) {
	switch cfg.Sandbox.Backend {
	case config.SandboxDocker:
		runner, err := sandbox.NewDockerRunner(sandbox.DockerConfig{
			Image:        cfg.Sandbox.Image,
			Runtime:      cfg.Sandbox.Runtime,
			ArtifactRoot: cfg.ArtifactDir,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize docker sandbox: %w", err)
		}
		if err := runner.EnsureImage(ctx); err != nil {
			return nil, fmt.Errorf("prepare sandbox image: %w", err)
		}
		return runner, nil
	default:
		return sandbox.NewInterpreter(cfg.ArtifactDir, logger), nil
	}
}

// allowedOrigin is the browser origin the chat UI is served from.
func allowedOrigin(cfg *config.Config) string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return "*"
	}
	return strings.TrimRight(cfg.FrontendURL, "/")
}
