package api

import (
	"net/http"
	"strings"

	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string

	// WorkerCallbackSecret must match the X-Webhook-Secret header on worker callbacks.
	WorkerCallbackSecret string

	Logger zerolog.Logger
}

func NewRouter(h *Handler, verifier *auth.Verifier, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Preflight requests are answered 200 whether or not the origin is allowed.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.With(WorkerSecret(cfg.WorkerCallbackSecret)).Post("/worker", h.WorkerCallback)
		r.Post("/stripe", h.StripeWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, respondError))

		r.Get("/me", h.Me)
		r.Post("/billing/sync", h.SyncBilling)

		r.Post("/conversations", h.CreateConversation)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", h.GetConversation)
			r.Post("/brief", h.RecordBrief)
			r.Post("/productions", h.StartProduction)
			r.Post("/cancel", h.CancelProduction)
			r.Get("/lock", h.LockStatus)
			r.Get("/events", h.RecentEvents)
			r.Get("/videos/{videoId}/status", h.VideoStatus)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, respondError))
		r.Use(auth.RequireRole(auth.RoleAdmin, respondError))

		r.Get("/videos/stuck", h.AdminListStuck)
		r.Post("/videos/{videoId}/cancel", h.AdminCancel)
		r.Post("/videos/{videoId}/complete", h.AdminComplete)
		r.Get("/logs", h.AdminLogs)
		r.Post("/conversations/{id}/unlock", h.AdminUnlock)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "route not found", Code: "NOT_FOUND"})
	})

	return r
}

// CORS: restrict origins when configured, otherwise allow all (dev mode)
func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	origins := strings.Split(raw, ",")
	trimmed := make([]string, 0, len(origins))
	for _, o := range origins {
		if s := strings.TrimSpace(o); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) == 0 {
		return []string{"*"}
	}
	return trimmed
}
