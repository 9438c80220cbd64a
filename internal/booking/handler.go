package booking

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

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

// Handler handles HTTP requests for bookings
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

// Create handles POST /api/v1/bookings
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if req.ExperimentID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "experiment_id is required", nil)
		return
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "start_time and end_time are required", nil)
		return
	}

	booking, err := h.service.RequestBooking(r.Context(), userID, req)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"booking": booking,
	})
}

// List handles GET /api/v1/bookings
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	includeFinished := r.URL.Query().Get("include_finished") == "true"

	bookings, err := h.service.ListMine(r.Context(), userID, includeFinished)
	if err != nil {
		h.logger.Error("Failed to list bookings", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list bookings", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"bookings": bookings,
	})
}

// GetByID handles GET /api/v1/bookings/{id}
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	bookingID := chi.URLParam(r, "id")
	if bookingID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Booking ID is required", nil)
		return
	}

	booking, err := h.service.GetByID(r.Context(), userID, appctx.IsAdmin(r.Context()), bookingID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"booking": booking,
	})
}

// Cancel handles DELETE /api/v1/bookings/{id}
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	bookingID := chi.URLParam(r, "id")
	if bookingID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Booking ID is required", nil)
		return
	}

	if err := h.service.Cancel(r.Context(), userID, appctx.IsAdmin(r.Context()), bookingID); err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Booking cancelled",
	})
}

// AvailableSlots handles GET /api/v1/experiments/{id}/slots?date=2026-08-28
func (h *Handler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	if experimentID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Experiment ID is required", nil)
		return
	}

	dateStr := r.URL.Query().Get("date")
	if dateStr == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "date query parameter is required", nil)
		return
	}
	day, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "date must be YYYY-MM-DD", nil)
		return
	}

	slots, err := h.service.AvailableSlots(r.Context(), experimentID, day)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"date":  dateStr,
		"slots": slots,
	})
}

// callerID extracts the authenticated user ID or writes a 401
func (h *Handler) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid or expired token", nil)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid user ID", nil)
		return uuid.Nil, false
	}
	return userID, true
}

// handleError maps booking service errors to HTTP responses
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidWindow):
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
	case errors.Is(err, ErrBookingConflict):
		h.writeError(w, http.StatusConflict, CodeBookingConflict, "The requested window overlaps an existing booking", nil)
	case errors.Is(err, ErrBookingNotFound):
		h.writeError(w, http.StatusNotFound, CodeBookingNotFound, "Booking not found", nil)
	case errors.Is(err, ErrExperimentNotFound):
		h.writeError(w, http.StatusNotFound, CodeExperimentNotFound, "Experiment not found", nil)
	case errors.Is(err, ErrExperimentInactive):
		h.writeError(w, http.StatusConflict, CodeExperimentInactive, "Experiment is not accepting bookings", nil)
	case errors.Is(err, ErrAccessDenied):
		h.writeError(w, http.StatusForbidden, CodeForbidden, "Access denied", nil)
	case errors.Is(err, ErrNotCancellable):
		h.writeError(w, http.StatusConflict, CodeNotCancellable, "Booking can no longer be cancelled", nil)
	default:
		h.logger.Error("Unexpected booking error", "error", err)
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
