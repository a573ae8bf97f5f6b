// Connexi relay server: stores chat messages, forwards them to the assistant
// workflow and pushes replies to widgets over websockets.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/connexi/connexi-chat/internal/api"
	"github.com/connexi/connexi-chat/internal/config"
	"github.com/connexi/connexi-chat/internal/health"
	"github.com/connexi/connexi-chat/internal/identity"
	"github.com/connexi/connexi-chat/internal/middleware"
	"github.com/connexi/connexi-chat/internal/relay"
	"github.com/connexi/connexi-chat/internal/simulator"
	"github.com/connexi/connexi-chat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "postgres", cfg.UsePostgres())

	// Initialize dependencies.
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		return err
	}
	slog.Info("Database connected")

	hub := relay.NewHub(relay.HubOptions{
		Logger:            logger,
		ReplayQueueSize:   cfg.WebSocket.ReplayQueueSize,
		KeepaliveInterval: cfg.WebSocket.KeepaliveInterval,
		OriginPatterns:    originPatterns(cfg.CORSOrigins),
	})
	defer hub.Close()

	forwarder, err := newForwarder(cfg, logger)
	if err != nil {
		return err
	}
	svc := relay.NewService(repo, hub, forwarder, logger)
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			slog.Error("Failed to close relay service", "error", closeErr)
		}
	}()

	limiter := relay.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, nil)

	// Initialize handlers.
	baseHandler := api.NewHandler(svc, limiter, cfg.MaxRequestBodySize, logger)
	chatHandler := api.NewChatHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(identity.RequireChatID).Get("/ws/chat", hub.ServeHTTP)

	// Websocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}
	healthSrv := health.NewServer(repo, health.Options{Timeout: cfg.Timeout.HealthCheck, Logger: logger})

	retention := relay.NewRetentionWorker(repo, hub, limiter, relay.RetentionOptions{
		MaxAge:   cfg.MessageRetention,
		Interval: cfg.RetentionInterval,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return healthSrv.Serve(grpcLis) })
	g.Go(func() error { return healthSrv.Monitor(gctx) })
	g.Go(func() error { return retention.Run(gctx) })

	// Shutdown once a signal arrives or any component fails.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
		defer cancel()
		healthSrv.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	return g.Wait()
}

func openRepository(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.UsePostgres() {
		repo, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.TablePrefix)
		if err != nil {
			slog.Error("Failed to initialize Postgres", "error", err)
			return nil, err
		}
		return repo, nil
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err, "path", cfg.DBPath)
		return nil, err
	}
	return repo, nil
}

// newForwarder selects the webhook workflow, or the built-in simulator when
// none is configured.
func newForwarder(cfg *config.Config, logger *slog.Logger) (relay.Forwarder, error) {
	if cfg.WebhookURL != "" {
		slog.Info("Forwarding messages to webhook", "url", cfg.WebhookURL)
		return relay.NewWebhookForwarder(cfg.WebhookURL, &http.Client{Timeout: cfg.Timeout.Webhook}, logger), nil
	}

	catalog := simulator.DefaultCatalog()
	if cfg.IntentsFile != "" {
		loaded, err := simulator.LoadCatalog(cfg.IntentsFile)
		if err != nil {
			slog.Error("Failed to load intents", "error", err, "path", cfg.IntentsFile)
			return nil, err
		}
		catalog = loaded
	}
	slog.Info("WEBHOOK_URL not set, replies come from the built-in simulator")
	return relay.NewLocalForwarder(simulator.New(catalog), logger), nil
}

// originPatterns converts CORS origins into websocket origin host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
