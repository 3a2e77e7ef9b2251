// Veilway - Privacy-Gated Tool Relay Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/veilway/veilway/internal/api"
	"github.com/veilway/veilway/internal/audit"
	"github.com/veilway/veilway/internal/config"
	"github.com/veilway/veilway/internal/identity"
	"github.com/veilway/veilway/internal/middleware"
	"github.com/veilway/veilway/internal/model"
	"github.com/veilway/veilway/internal/relay"
	"github.com/veilway/veilway/internal/session"
	"github.com/veilway/veilway/internal/store"
	"github.com/veilway/veilway/internal/tools"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Model backend. Startup proceeds without it; /health reports the gap.
	client := model.NewClient(model.Config{
		BaseURL:    cfg.Model.BaseURL,
		Model:      cfg.Model.Name,
		Timeout:    cfg.Model.Timeout,
		MaxRetries: cfg.Model.MaxRetries,
	}, logger)

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Health(probeCtx); err != nil {
		slog.Warn("Model backend not reachable at startup", "error", err, "model", cfg.Model.Name)
	} else {
		slog.Info("Model backend ready", "model", cfg.Model.Name)
	}
	probeCancel()

	// Tool registry. Sealed before any traffic is served.
	registry := tools.NewRegistry()
	docs := tools.NewDocumentStore()
	tools.SeedSampleDocuments(docs)
	for _, desc := range []*tools.Descriptor{
		tools.NewWebSearchTool(tools.StubSearcher{}),
		tools.NewFileSearchTool(docs),
		tools.NewBrowserActionTool(tools.StubBrowserRunner{}),
	} {
		if err := registry.Register(desc); err != nil {
			slog.Error("Failed to register tool", "tool", desc.Name, "error", err)
			os.Exit(1)
		}
	}
	registry.Seal()
	slog.Info("Tool registry sealed", "tools", len(registry.Definitions()))

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled:   cfg.AuditLog.Enabled,
		Dir:       cfg.AuditLog.Dir,
		QueueSize: cfg.AuditLog.QueueSize,
	}, repo, logger)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Error("Failed to close audit logger", "error", closeErr)
		}
	}()

	invoker := tools.NewInvoker(registry, tools.InvokerConfig{
		ExecTimeout:    cfg.Relay.ToolTimeout,
		ConfirmTimeout: cfg.Relay.ConfirmTimeout,
	}, auditLog)

	systemPrompt := session.DefaultSystemPrompt
	if cfg.Relay.SystemPromptFile != "" {
		raw, err := os.ReadFile(cfg.Relay.SystemPromptFile)
		if err != nil {
			slog.Error("Failed to read system prompt file", "path", cfg.Relay.SystemPromptFile, "error", err)
			os.Exit(1)
		}
		systemPrompt = string(raw)
	}

	manager := session.NewManager(session.ManagerConfig{
		Session: session.Config{
			SystemPrompt:          systemPrompt,
			MaxToolDepth:          cfg.Relay.MaxToolDepth,
			TranscriptMaxMessages: cfg.Relay.TranscriptMaxMessages,
			TranscriptKeepRecent:  cfg.Relay.TranscriptKeepRecent,
		},
		SessionTTL: cfg.SessionTTL,
	}, client, invoker, registry, repo, logger)

	limiter := relay.NewRateLimiter(cfg.Relay.RateLimitRequests, cfg.Relay.RateLimitWindow)
	defer limiter.Stop()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, client, 5*time.Second)
	chatHandler := relay.NewChatHandler(manager, repo, limiter)
	wsHandler := relay.NewWebSocketHandler(manager, repo, limiter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Authenticated relay surface.
	r.Group(func(r chi.Router) {
		r.Use(identity.RequireAPIKey(cfg.APIKey, cfg.IsDevelopment()))
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	// Note: SSE and WebSocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.StartSweeper(ctx)
	slog.Info("Session sweeper started", "session_ttl", cfg.SessionTTL)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
