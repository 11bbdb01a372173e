package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/conductorhq/conductor/internal/api/handlers"
	"github.com/conductorhq/conductor/internal/api/middleware"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/vectorstore"
)

// healthCheckTimeout bounds the backend pings on /health.
const healthCheckTimeout = 2 * time.Second

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, vectors *vectorstore.Router) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.AccountExtractor)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(vectors))
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		// Front door
		r.Post("/chat", h.Chat)
		r.Post("/index", h.IndexDocuments)
		r.Get("/decisions", h.ListDecisions)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Get("/", h.GetConversation)
			r.Post("/close", h.CloseConversation)
		})

		// Admin surface
		r.Route("/admin", func(r chi.Router) {
			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				r.Post("/", h.CreateAccount)
				r.Route("/{accountID}", func(r chi.Router) {
					r.Get("/", h.GetAccount)
					r.Put("/", h.UpdateAccount)
					r.Get("/migrations", h.ListMigrations)
					r.Route("/instances", func(r chi.Router) {
						r.Get("/", h.ListInstances)
						r.Post("/", h.ProvisionInstance)
						r.Route("/{agentType}/{instanceName}", func(r chi.Router) {
							r.Delete("/", h.DeleteInstance)
							r.Post("/evict", h.EvictInstance)
						})
					})
				})
			})
			r.Route("/migrations/{migrationID}", func(r chi.Router) {
				r.Get("/", h.GetMigration)
				r.Post("/resume", h.ResumeMigration)
			})
			r.Route("/templates", func(r chi.Router) {
				r.Get("/", h.ListTemplates)
				r.Post("/reload", h.ReloadTemplates)
			})
		})
	})

	return r
}

func healthHandler(vectors *vectorstore.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backends := map[string]string{}
		if vectors != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			backends = vectors.HealthCheck(ctx)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  "conductor-control-plane",
			"backends": backends,
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
