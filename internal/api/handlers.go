package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/types"
)

// SubmitInventoryResponse acknowledges an accepted inventory
type SubmitInventoryResponse struct {
	Host     string `json:"host"`
	Items    int    `json:"items"`
	Accepted bool   `json:"accepted"`
}

// handleSubmitInventory accepts a host inventory for asynchronous ingestion
// @Summary Submit inventory
// @Description Submit a host's software inventory. Correlation runs asynchronously; a newer report for the same host supersedes any pending or in-flight one.
// @Tags Inventory
// @Accept json
// @Produce json
// @Param request body types.HostInventory true "Host inventory report"
// @Success 202 {object} SubmitInventoryResponse
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "API is in read-only mode"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /inventory [post]
func (s *APIServer) handleSubmitInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var inv types.HostInventory
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if strings.TrimSpace(inv.Host) == "" {
		s.respondError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	for i, item := range inv.Items {
		if strings.TrimSpace(item.Name) == "" {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("software[%d]: name is required", i))
			return
		}
	}
	if inv.CollectedAt.IsZero() {
		inv.CollectedAt = time.Now().UTC()
	}

	if err := s.worker.Submit(r.Context(), inv, false); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to queue inventory: %v", err))
		return
	}

	s.logger.Info("inventory accepted",
		"host", inv.Host,
		"items", len(inv.Items))

	s.respondJSON(w, http.StatusAccepted, SubmitInventoryResponse{
		Host:     inv.Host,
		Items:    len(inv.Items),
		Accepted: true,
	})
}

// handleListHosts lists all known hosts with finding summaries
// @Summary List hosts
// @Description List all hosts that have reported an inventory, with per-host vulnerability roll-ups
// @Tags Hosts
// @Accept json
// @Produce json
// @Success 200 {array} statestore.HostSummary
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /hosts [get]
func (s *APIServer) handleListHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list hosts: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, hosts)
}

// handleGetFindings returns the current finding set for a host
// @Summary Get findings by host
// @Description Retrieve the current finding set for a host, in original inventory order
// @Tags Findings
// @Accept json
// @Produce json
// @Param host path string true "Host name"
// @Success 200 {array} types.Finding
// @Failure 400 {object} map[string]string "Invalid path"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Host not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /findings/{host} [get]
func (s *APIServer) handleGetFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Path format: /api/v1/findings/{host}
	prefix := "/api/v1/findings/"
	host := strings.TrimPrefix(r.URL.Path, prefix)
	if host == "" || strings.Contains(host, "/") {
		s.respondError(w, http.StatusBadRequest, "Host is required")
		return
	}

	findings, err := s.store.GetFindings(r.Context(), host)
	if err != nil {
		if errors.Is(err, statestore.ErrHostNotFound) {
			s.respondError(w, http.StatusNotFound, "Host not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get findings: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, findings)
}

// handleCacheStats returns lookup-cache statistics
// @Summary Cache statistics
// @Description Return entry count, hit and miss counters and hit rate for the vulnerability lookup cache
// @Tags Cache
// @Produce json
// @Success 200 {object} vulncache.Stats
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /cache/stats [get]
func (s *APIServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get cache stats: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, stats)
}

// InvalidateCacheRequest selects what to drop from the lookup cache
type InvalidateCacheRequest struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	All     bool   `json:"all,omitempty"`
}

// InvalidateCacheResponse reports how many entries were dropped
type InvalidateCacheResponse struct {
	Invalidated int64 `json:"invalidated"`
}

// handleInvalidateCache drops cache entries so the next lookup refetches
// @Summary Invalidate cache
// @Description Drop the cache entry for one software identity, or the whole cache with {"all": true}
// @Tags Cache
// @Accept json
// @Produce json
// @Param request body InvalidateCacheRequest true "Invalidation request (name+version, or all)"
// @Success 200 {object} InvalidateCacheResponse
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "API is in read-only mode"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /cache/invalidate [post]
func (s *APIServer) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req InvalidateCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if req.All {
		dropped, err := s.cache.InvalidateAll(r.Context())
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to clear cache: %v", err))
			return
		}
		s.respondJSON(w, http.StatusOK, InvalidateCacheResponse{Invalidated: dropped})
		return
	}

	if req.Name == "" || req.Version == "" {
		s.respondError(w, http.StatusBadRequest, "Either all=true or both name and version must be specified")
		return
	}

	identity := types.SoftwareIdentity{Name: req.Name, Version: req.Version}
	if err := s.cache.Invalidate(r.Context(), identity); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to invalidate entry: %v", err))
		return
	}

	s.logger.Info("cache entry invalidated by operator",
		"key", identity.CacheKey())

	s.respondJSON(w, http.StatusOK, InvalidateCacheResponse{Invalidated: 1})
}

// handleStatus returns pipeline progress
// @Summary Pipeline status
// @Description Return queue depth, in-flight hosts and ingest counters
// @Tags Health
// @Produce json
// @Success 200 {object} worker.Status
// @Failure 401 {object} map[string]string "Unauthorized"
// @Security BearerAuth
// @Router /status [get]
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, s.worker.Status(r.Context()))
}

// handleHealth provides the health check endpoint
// @Summary Health check
// @Description Check the health status of all registered components
// @Tags Health
// @Produce json
// @Success 200 {object} observability.HealthStatus
// @Failure 503 {object} observability.HealthStatus "One or more components unhealthy"
// @Router /health [get]
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.health.HealthHandler()(w, r)
}
