package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"qrcloud/internal/types"
)

// Used when the config carries no SERVER_REQUEST_TIMEOUT.
const defaultRequestTimeout = 29 * time.Second

const requestIDHeader = "X-Request-Id"

// Header values masked in access logs.
var defaultRedactedHeaders = []string{"Authorization", "Cookie", "Stripe-Signature"}

// MountRoutes builds the route tree:
//
//	GET  /health      probes, public
//	GET  /metrics     Prometheus, public when a handler is set
//	     /webhooks/*  vendor callbacks, verified by signature
//	     /v1/*        service-token authenticated
func (s *Server) MountRoutes() {
	s.router.Use(s.middlewareStack()...)

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	s.router.Route("/webhooks", func(r chi.Router) {
		for _, register := range s.WebhookRouteRegistrars {
			register(r)
		}
	})
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		for _, register := range s.V1RouteRegistrars {
			register(r)
		}
	})
}

// middlewareStack lists the global middleware outermost first. The
// recoverer has to wrap everything and the request id has to exist before
// anything logs.
func (s *Server) middlewareStack() []func(http.Handler) http.Handler {
	timeout := defaultRequestTimeout
	origins := []string{"*"}
	if s.Config != nil {
		if s.Config.Server.RequestTimeout > 0 {
			timeout = s.Config.Server.RequestTimeout
		}
		if len(s.Config.Security.CorsAllowedOrigins) > 0 {
			origins = s.Config.Security.CorsAllowedOrigins
		}
	}

	return []func(http.Handler) http.Handler{
		s.Recoverer,
		ContextTimeoutMiddleware(timeout),
		RequestIDMiddleware,
		s.SecurityHeadersMiddleware,
		RequestLogger(s.Logger, defaultRedactedHeaders),
		NewCORSMiddleware(origins),
		s.MetricsMiddleware,
	}
}

// ContextTimeoutMiddleware gives each request a soft deadline that handlers
// and outbound calls observe through the context.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware keeps the caller's X-Request-Id or mints a UUID, and
// echoes it on the response. BaseClient forwards it to vendors.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}
