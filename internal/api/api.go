package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/vulncache"
	"github.com/hostsentry/hostsentry/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/hostsentry/hostsentry/build/swagger" // Import generated docs
)

// @title hostsentry API
// @version 1.0
// @description REST API for submitting host software inventories and querying vulnerability findings.
// @description
// @description ## Features
// @description - Submit host inventories for asynchronous CVE correlation
// @description - Query per-host findings and fleet summaries
// @description - Inspect and invalidate the vulnerability lookup cache
// @description - Pipeline status, health checks and metrics

// @contact.name hostsentry
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Enter your API key (with or without "Bearer " prefix)

// APIServer provides the HTTP API for inventory submission and finding
// queries
type APIServer struct {
	config *config.APIConfig
	store  statestore.StateStore
	cache  *vulncache.Cache
	worker *worker.Worker
	health *observability.HealthChecker
	router *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.APIConfig, store statestore.StateStore, cache *vulncache.Cache, w *worker.Worker, health *observability.HealthChecker, logger *slog.Logger) *APIServer {
	api := &APIServer{
		config: cfg,
		store:  store,
		cache:  cache,
		worker: w,
		health: health,
		router: http.NewServeMux(),
		logger: logger,
	}

	api.setupRoutes()

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	// Query endpoints (GET)
	s.router.HandleFunc("/api/v1/hosts", s.corsMiddleware(s.authMiddleware(s.handleListHosts, false)))
	s.router.HandleFunc("/api/v1/findings/", s.corsMiddleware(s.authMiddleware(s.handleGetFindings, false)))
	s.router.HandleFunc("/api/v1/cache/stats", s.corsMiddleware(s.authMiddleware(s.handleCacheStats, false)))
	s.router.HandleFunc("/api/v1/status", s.corsMiddleware(s.authMiddleware(s.handleStatus, false)))

	// Action endpoints (POST)
	s.router.HandleFunc("/api/v1/inventory", s.corsMiddleware(s.authMiddleware(s.handleSubmitInventory, true)))
	s.router.HandleFunc("/api/v1/cache/invalidate", s.corsMiddleware(s.authMiddleware(s.handleInvalidateCache, true)))

	// Health and metrics
	s.router.HandleFunc("/health", s.corsMiddleware(s.handleHealth))
	s.router.Handle("/metrics", promhttp.Handler())

	// Swagger documentation
	s.router.HandleFunc("/swagger/", httpSwagger.WrapHandler)

	// Redirect root to swagger
	s.router.HandleFunc("/", s.handleRootRedirect)
}

// corsMiddleware adds CORS headers to allow cross-origin requests
func (s *APIServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// authMiddleware provides optional API key authentication
// requireWrite indicates if this is a write operation that should be blocked in read-only mode
func (s *APIServer) authMiddleware(next http.HandlerFunc, requireWrite bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireWrite && s.config.ReadOnly {
			s.respondError(w, http.StatusForbidden, "API is in read-only mode")
			return
		}

		// If API key is configured, validate it
		if s.config.APIKey != "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.respondError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			// Accept both "Bearer <token>" and just "<token>"
			token := authHeader
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}

			if token != s.config.APIKey {
				s.respondError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
		}

		next(w, r)
	}
}

// Start starts the API server and blocks until the context is cancelled
func (s *APIServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	s.logger.Info("starting API server",
		"port", s.config.Port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error",
				"error", err.Error())
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down API server")
	return s.server.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// respondJSON sends a JSON response
func (s *APIServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response",
			"error", err.Error())
	}
}

// respondError sends an error response
func (s *APIServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// handleRootRedirect redirects / to /swagger/
func (s *APIServer) handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
}
