package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/outpost-engine/internal/guard"
	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provision"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Sandbox handlers

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	client := ClientFromContext(r.Context())

	var req models.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.Provider == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "provider is required")
		return
	}

	sandboxID, err := s.orchestrator.Provision(r.Context(), client.OwnerID, req)
	if err != nil {
		switch {
		case errors.Is(err, provision.ErrUnsupportedProvider):
			respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		case errors.Is(err, provision.ErrNoCredentials):
			respondError(w, http.StatusBadRequest, "no_credentials", "no stored credentials; configure credentials first")
		case errors.Is(err, guard.ErrAlreadyRunning):
			respondError(w, http.StatusConflict, "pipeline_active", "a provisioning pipeline is already running for this owner")
		default:
			slog.Error("failed to start provisioning", "error", err, "owner_id", client.OwnerID)
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to start provisioning")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{
		Accepted:  true,
		SandboxID: sandboxID,
	})
}

func (s *Server) handleReprovision(w http.ResponseWriter, r *http.Request) {
	client := ClientFromContext(r.Context())
	id := chi.URLParam(r, "id")

	sandboxID, err := s.orchestrator.Reprovision(r.Context(), client.OwnerID, id)
	if err != nil {
		switch {
		case errors.Is(err, provision.ErrSandboxNotFound):
			respondError(w, http.StatusNotFound, "not_found", "sandbox not found")
		case errors.Is(err, provision.ErrNoCredentials):
			respondError(w, http.StatusBadRequest, "no_credentials", "no stored credentials for this owner")
		case errors.Is(err, guard.ErrAlreadyRunning):
			respondError(w, http.StatusConflict, "pipeline_active", "a provisioning pipeline is already running for this owner")
		default:
			slog.Error("failed to start reprovisioning", "error", err, "sandbox_id", id)
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to start reprovisioning")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{
		Accepted:  true,
		SandboxID: sandboxID,
	})
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	client := ClientFromContext(r.Context())
	id := chi.URLParam(r, "id")

	sb, err := s.repo.GetSandbox(r.Context(), id)
	if err != nil {
		slog.Error("failed to get sandbox", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get sandbox")
		return
	}
	if sb == nil || sb.OwnerID != client.OwnerID {
		respondError(w, http.StatusNotFound, "not_found", "sandbox not found")
		return
	}

	respondJSON(w, http.StatusOK, sb)
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	client := ClientFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.orchestrator.Delete(r.Context(), client.OwnerID, id); err != nil {
		if errors.Is(err, provision.ErrSandboxNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "sandbox not found")
			return
		}
		slog.Error("failed to delete sandbox", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to delete sandbox")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "sandbox deleted",
	})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	client := ClientFromContext(r.Context())

	filters := models.ListFilters{
		OwnerID:  client.OwnerID,
		Provider: models.Provider(r.URL.Query().Get("provider")),
		Status:   models.SandboxStatus(r.URL.Query().Get("status")),
		Limit:    50, // default
		Offset:   0,
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filters.Limit = limit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}

	sandboxes, err := s.repo.ListSandboxes(r.Context(), filters)
	if err != nil {
		slog.Error("failed to list sandboxes", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list sandboxes")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sandboxes": sandboxes,
		"total":     len(sandboxes),
	})
}

// handleOwnerStatus serves the legacy owner-keyed status record, falling back
// to the owner's most recent sandbox when no legacy record exists.
func (s *Server) handleOwnerStatus(w http.ResponseWriter, r *http.Request) {
	client := ClientFromContext(r.Context())

	legacy, err := s.repo.GetLegacyStatus(r.Context(), client.OwnerID)
	if err != nil {
		slog.Error("failed to get legacy status", "error", err, "owner_id", client.OwnerID)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get status")
		return
	}
	if legacy != nil {
		respondJSON(w, http.StatusOK, legacy)
		return
	}

	sb, err := s.repo.GetOwnerSandbox(r.Context(), client.OwnerID)
	if err != nil {
		slog.Error("failed to get owner sandbox", "error", err, "owner_id", client.OwnerID)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get status")
		return
	}
	if sb == nil {
		respondError(w, http.StatusNotFound, "not_found", "no sandbox for owner")
		return
	}

	respondJSON(w, http.StatusOK, sb)
}

// Provider catalog handlers

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.List()

	providers := make([]models.ProviderConfig, 0, len(entries))
	for _, entry := range entries {
		providers = append(providers, models.ProviderConfig{
			ID:           string(entry.Provider),
			DisplayName:  entry.DisplayName,
			DefaultModel: entry.DefaultModel,
			BaseURL:      entry.BaseURL,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"total":     len(providers),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry := s.catalog.Get(models.Provider(id))
	if entry == nil {
		respondError(w, http.StatusNotFound, "not_found", "provider not found")
		return
	}

	tiers := make([]string, 0, len(entry.Tiers))
	for name := range entry.Tiers {
		tiers = append(tiers, name)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":            string(entry.Provider),
		"display_name":  entry.DisplayName,
		"default_model": entry.DefaultModel,
		"base_url":      entry.BaseURL,
		"default_tier":  entry.DefaultTier,
		"tiers":         tiers,
	})
}
