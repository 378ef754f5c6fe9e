package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/jingjin/internal/api"
	"github.com/ashureev/jingjin/internal/config"
	"github.com/ashureev/jingjin/internal/convlog"
	"github.com/ashureev/jingjin/internal/dispatch"
	"github.com/ashureev/jingjin/internal/journey"
	"github.com/ashureev/jingjin/internal/llm"
	"github.com/ashureev/jingjin/internal/metrics"
	"github.com/ashureev/jingjin/internal/middleware"
	"github.com/ashureev/jingjin/internal/phase"
	"github.com/ashureev/jingjin/internal/prompt"
	"github.com/ashureev/jingjin/internal/session"
	"github.com/ashureev/jingjin/internal/store"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, SSE, and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.logger)
		},
	}
	cmd.Flags().String("port", "", "listen port")
	return cmd
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.DB.Driver)

	phases, err := loadPhases(cfg)
	if err != nil {
		return err
	}

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected")

	source, err := openSource(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil {
			logger.Warn("Failed to close model source", "error", closeErr)
		}
	}()
	logger.Info("Model source ready", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	audit, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
		MaxSizeMB:     cfg.ConversationLog.MaxSizeMB,
		MaxBackups:    cfg.ConversationLog.MaxBackups,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := audit.Close(); closeErr != nil {
			logger.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	assembler, err := prompt.NewTemplateAssembler(phases)
	if err != nil {
		return fmt.Errorf("initialize prompt assembler: %w", err)
	}

	m := metrics.New()
	orch, err := session.New(session.Config{
		HistoryWindow:   cfg.HistoryWindow,
		FinalizeTimeout: cfg.FinalizeTimeout,
	}, session.Dependencies{
		Store:      repo,
		Source:     source,
		Assembler:  assembler,
		Phases:     phases,
		Dispatcher: dispatch.New(logger, m),
		Metrics:    m,
		Audit:      audit,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	var limiter *api.RateLimiter
	if cfg.RateLimit.RequestsPerWindow > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)
		defer limiter.Stop()
	}

	handler := api.NewHandler(repo, orch, phases, limiter, api.Options{
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		RetryDelay:         cfg.SSE.RetryDelay,
		AllowedOrigins:     cfg.AllowedOrigins,
	}, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Handle("/metrics", m.Handler())
	handler.RegisterRoutes(r)

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Archive.Interval > 0 && cfg.Archive.After > 0 {
		journey.StartArchiver(ctx, repo, cfg.Archive.After, cfg.Archive.Interval, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

func loadPhases(cfg *config.Config) (*phase.Registry, error) {
	if cfg.PhasesFile == "" {
		return phase.Default()
	}
	reg, err := phase.Load(cfg.PhasesFile)
	if err != nil {
		return nil, fmt.Errorf("load phases from %s: %w", cfg.PhasesFile, err)
	}
	return reg, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Repository, error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		repo, err := store.ConnectPostgres(ctx, cfg.DB.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return repo, nil
	default:
		repo, err := store.NewSQLite(cfg.DB.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		return repo, nil
	}
}

func openSource(cfg *config.Config, logger *slog.Logger) (llm.Source, error) {
	switch cfg.LLM.Provider {
	case config.ProviderGateway:
		gc := llm.DefaultGatewayConfig(cfg.LLM.GatewayAddr)
		gc.Model = cfg.LLM.Model
		gc.Temperature = cfg.LLM.Temperature
		gc.MaxTokens = cfg.LLM.MaxTokens
		if cfg.LLM.Timeout > 0 {
			gc.RequestTimeout = cfg.LLM.Timeout
		}
		src, err := llm.NewGateway(gc, logger)
		if err != nil {
			return nil, fmt.Errorf("connect token gateway: %w", err)
		}
		return src, nil
	default:
		return llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		}, logger), nil
	}
}
