package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/agent-governance/app"
	"github.com/upb/agent-governance/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var sqlDB *sql.DB
	if deps.DB != nil {
		sqlDB = deps.DB.DB
	}
	healthHandler := handlers.NewHealthHandler(sqlDB, deps.Logger)
	accessHandler := handlers.NewAccessHandler(deps.Evaluator, deps.Logger)
	policyHandler := handlers.NewPolicyHandler(deps.PolicyStore, deps.Logger)
	grantHandler := handlers.NewGrantHandler(deps.GrantService, deps.Logger)
	memoryHandler := handlers.NewMemoryHandler(deps.MemoryService, deps.Logger)
	auditHandler := handlers.NewAuditHandler(deps.AuditService, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	// Prometheus metrics
	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Stateless policy evaluation
		r.Route("/access", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Post("/evaluate", accessHandler.HandleEvaluate)
		})

		// Policy management (require admin role)
		r.Route("/policies", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole("admin"))
			r.Get("/", policyHandler.HandleList)
			r.Post("/", policyHandler.HandleCreate)
			r.Get("/{id}", policyHandler.HandleGet)
			r.Put("/{id}", policyHandler.HandleUpdate)
			r.Delete("/{id}", policyHandler.HandleDelete)
			r.Post("/{id}/activate", policyHandler.HandleActivate)
			r.Post("/{id}/archive", policyHandler.HandleArchive)
			r.Post("/{id}/attachments", policyHandler.HandleAttach)
			r.Delete("/{id}/attachments/{attachmentID}", policyHandler.HandleDetach)
		})

		// JIT grant lifecycle
		r.Route("/grants", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Get("/", grantHandler.HandleList)
			r.Post("/", grantHandler.HandleRequest)
			r.Get("/{id}", grantHandler.HandleGet)
			r.Post("/{id}/approve", grantHandler.HandleApprove)
			r.Post("/{id}/deny", grantHandler.HandleDeny)
			r.Post("/{id}/revoke", grantHandler.HandleRevoke)
		})

		// Memory instances and access rules
		r.Route("/memories", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Get("/", memoryHandler.HandleList)
			r.Post("/", memoryHandler.HandleCreate)
			r.Get("/{id}", memoryHandler.HandleGet)
			r.Delete("/{id}", memoryHandler.HandleDelete)
			r.Get("/{id}/access", memoryHandler.HandleListAccessRules)
			r.Post("/{id}/access", memoryHandler.HandleAddAccessRule)
			r.Get("/{id}/access/effective", memoryHandler.HandleListEffectiveRules)
			r.Get("/{id}/access/check", memoryHandler.HandleCheckAccess)
			r.Delete("/{id}/access/{ruleId}", memoryHandler.HandleRemoveAccessRule)
		})

		// Audit logs (require admin role)
		r.Route("/audit", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole("admin"))
			r.Get("/logs", auditHandler.HandleList)
			r.Get("/logs/{id}", auditHandler.HandleGet)
			r.Get("/stats", auditHandler.HandleStats)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
