package experiment

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appctx "github.com/Abhilash1575/virtual-lab/internal/context"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// Handler handles HTTP requests for the experiment catalog
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Create handles POST /api/v1/experiments (admin)
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	exp, details, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.handleError(w, err, details)
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"experiment": exp,
	})
}

// List handles GET /api/v1/experiments. Admins may pass
// include_inactive=true to see disabled catalog entries.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true" && appctx.IsAdmin(r.Context())

	experiments, err := h.service.List(r.Context(), includeInactive)
	if err != nil {
		h.logger.Error("Failed to list experiments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list experiments", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"experiments": experiments,
	})
}

// GetByID handles GET /api/v1/experiments/{id}
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	if experimentID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Experiment ID is required", nil)
		return
	}

	exp, err := h.service.GetByID(r.Context(), experimentID)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"experiment": exp,
	})
}

// Update handles PUT/PATCH /api/v1/experiments/{id} (admin)
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	if experimentID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Experiment ID is required", nil)
		return
	}

	var req UpdateExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	exp, details, err := h.service.Update(r.Context(), experimentID, req)
	if err != nil {
		h.handleError(w, err, details)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"experiment": exp,
	})
}

// Deactivate handles DELETE /api/v1/experiments/{id} (admin). Entries are
// disabled rather than removed so past bookings keep their reference.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	if experimentID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Experiment ID is required", nil)
		return
	}

	if err := h.service.SetActive(r.Context(), experimentID, false); err != nil {
		h.handleError(w, err, nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Experiment deactivated",
	})
}

// Boards handles GET /api/v1/experiments/boards
func (h *Handler) Boards(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"boards": h.service.SupportedBoards(),
	})
}

// handleError maps experiment service errors to HTTP responses
func (h *Handler) handleError(w http.ResponseWriter, err error, details map[string][]string) {
	switch {
	case errors.Is(err, ErrValidationFailed):
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
	case errors.Is(err, ErrExperimentNotFound):
		h.writeError(w, http.StatusNotFound, CodeExperimentNotFound, "Experiment not found", nil)
	default:
		h.logger.Error("Unexpected experiment error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
