// Package main is the entry point of the qrcloud billing API server.
//
// It loads the configuration, wires the billing graph, builds the HTTP server
// with the core chassis (middleware, routing, health checks) and serves until
// SIGINT or SIGTERM.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	POST /webhooks/stripe          (Stripe-Signature)
//	POST /v1/billing/checkout      (Bearer + X-User-Id)
//	POST /v1/billing/portal        (Bearer + X-User-Id)
//	GET  /v1/billing/subscription  (Bearer + X-User-Id)
//	GET  /v1/billing/plan          (Bearer + X-User-Id)
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

	"qrcloud/internal/api/handlers"
	"qrcloud/internal/app"
	"qrcloud/internal/config"
	"qrcloud/internal/core"
)

// promNamespace prefixes the Prometheus series of the API.
const promNamespace = "qrcloud_billing"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("qrcloud billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}

	srv, err := buildServer(cfg, logger, serverDeps{
		Checkout:      a.Stripe,
		Verifier:      a.Stripe,
		Processor:     a.WebhookProcessor(),
		Subscriptions: a.Subscriptions,
		Users:         a.Users,
		Plans:         a.PlanResolver(),
		Catalog:       a.Catalog,
		Probes: []core.HealthProbe{
			core.NewProbe("database", a.Pool.Ping),
			core.NewProbe("redis", a.Cache.Ping),
		},
	})
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.OnShutdown(func(context.Context) error { return a.Close() })

	return runHTTPServer(ctx, srv, cfg, logger)
}

// serverDeps are the collaborators of the HTTP surface.
type serverDeps struct {
	Checkout      handlers.CheckoutProvider
	Verifier      handlers.WebhookVerifier
	Processor     handlers.WebhookEventHandler
	Subscriptions handlers.SubscriptionReader
	Users         handlers.UserReader
	Plans         handlers.PlanResolver
	Catalog       handlers.PriceCatalog
	Probes        []core.HealthProbe
}

// buildServer assembles the routed server.
func buildServer(cfg *config.Config, logger *slog.Logger, deps serverDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	authenticator, err := core.NewServiceTokenAuthenticator(cfg.Security.ServiceTokenHash.Unmask())
	if err != nil {
		return nil, fmt.Errorf("configuring service token: %w", err)
	}
	srv.Authenticator = authenticator

	metrics := core.NewPrometheusMetrics(promNamespace)
	srv.Metrics = metrics
	srv.MetricsHandler = metrics.Handler()
	srv.HealthProbes = deps.Probes

	webhookHandler := handlers.NewStripeWebhookHandler(deps.Verifier, deps.Processor, logger)
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars, webhookHandler.RegisterRoutes)

	billingHandler := handlers.NewBillingHandler(
		deps.Checkout,
		deps.Subscriptions,
		deps.Users,
		deps.Plans,
		deps.Catalog,
		srv.Validator,
		cfg.Server.DashboardURL,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(srv.RequireUser)
			billingHandler.RegisterRoutes(r)
		})
	})

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer serves until ctx is canceled, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Closes DB pools, Redis and brokers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
