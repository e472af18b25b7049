// Storefront core: session and cart service for a storefront UI shell.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/storefront-core/internal/api"
	"github.com/ashureev/storefront-core/internal/cartsync"
	"github.com/ashureev/storefront-core/internal/config"
	"github.com/ashureev/storefront-core/internal/events"
	"github.com/ashureev/storefront-core/internal/identity"
	"github.com/ashureev/storefront-core/internal/middleware"
	"github.com/ashureev/storefront-core/internal/session"
	"github.com/ashureev/storefront-core/internal/store"
	"github.com/ashureev/storefront-core/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting storefront core", "port", cfg.Port, "backend", cfg.BackendURL, "dev", cfg.IsDevelopment())

	// Durable key-value area.
	kv, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := kv.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Transport with a persistent refresh cookie jar.
	backendURL, err := url.Parse(cfg.BackendURL)
	if err != nil {
		slog.Error("Failed to parse backend URL", "error", err)
		os.Exit(1)
	}
	jar, err := identity.NewJar(context.Background(), kv, backendURL, logger)
	if err != nil {
		slog.Error("Failed to initialize cookie jar", "error", err)
		os.Exit(1)
	}
	pipeline, err := transport.New(cfg.BackendURL, &http.Client{Jar: jar, Timeout: cfg.RequestTimeout}, logger)
	if err != nil {
		slog.Error("Failed to initialize request pipeline", "error", err)
		os.Exit(1)
	}

	// Services.
	hub := events.NewHub(logger)
	var publisher events.Publisher = events.Discard
	if cfg.Events.Enabled {
		publisher = hub
	}

	sessions := session.New(session.Options{
		Store:          kv,
		Pipeline:       pipeline,
		Cookies:        jar,
		Events:         publisher,
		Logger:         logger,
		RefreshTimeout: cfg.RefreshTimeout,
	})
	carts := cartsync.New(kv, pipeline, publisher, logger)
	sessions.SetHook(carts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := carts.Load(ctx); err != nil {
		slog.Warn("Failed to load local cart", "error", err)
	}
	s := sessions.Bootstrap(ctx)
	slog.Info("Session bootstrapped", "status", s.Status.String(), "items", carts.ItemCount())

	// Initialize handlers.
	baseHandler := api.NewHandler(sessions, carts, logger)
	healthHandler := api.NewHealthHandler(baseHandler, kv)
	sessionHandler := api.NewSessionHandler(baseHandler)
	cartHandler := api.NewCartHandler(baseHandler)
	origins := middleware.Origins(cfg.FrontendURL)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	cartHandler.RegisterRoutes(r)

	if cfg.Events.Enabled {
		api.NewEventsHandler(baseHandler, hub, originPatterns(origins)).RegisterRoutes(r)
	}

	// WriteTimeout stays 0 so websocket streams are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

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

// originPatterns converts CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
