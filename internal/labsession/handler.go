package labsession

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appctx "github.com/Abhilash1575/virtual-lab/internal/context"
	"github.com/Abhilash1575/virtual-lab/internal/device"
	"github.com/Abhilash1575/virtual-lab/internal/firmware"
	"github.com/Abhilash1575/virtual-lab/internal/firmware/imagestore"
	"github.com/Abhilash1575/virtual-lab/internal/power"
)

// maxImageUpload caps a firmware upload at 8 MiB; lab images are far
// smaller in practice
const maxImageUpload = 8 << 20

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

// Handler handles HTTP requests for live lab sessions
type Handler struct {
	manager *Manager
	monitor *power.Monitor
	logger  *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(manager *Manager, monitor *power.Monitor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		monitor: monitor,
		logger:  logger,
	}
}

// StartSessionRequest is the body of POST /api/v1/sessions
type StartSessionRequest struct {
	BookingID string `json:"booking_id"`
}

// CommandRequest is the body of POST /api/v1/sessions/{id}/commands
type CommandRequest struct {
	Command string `json:"command"`
}

// FlashRequest is the body of POST /api/v1/sessions/{id}/flash
type FlashRequest struct {
	ImageKey string `json:"image_key"`
	Mode     string `json:"mode"`
}

// Start handles POST /api/v1/sessions
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	callerID, _, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "A valid booking_id is required", nil)
		return
	}

	session, err := h.manager.Start(r.Context(), callerID, bookingID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"session": session,
	})
}

// List handles GET /api/v1/sessions
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"sessions": h.manager.List(callerID, isAdmin),
	})
}

// GetByID handles GET /api/v1/sessions/{id}
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	session, err := h.manager.Get(callerID, isAdmin, chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"session": session,
	})
}

// End handles DELETE /api/v1/sessions/{id}
func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.manager.End(r.Context(), callerID, isAdmin, chi.URLParam(r, "id")); err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Session closed",
	})
}

// Command handles POST /api/v1/sessions/{id}/commands
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "A command is required", nil)
		return
	}

	if err := h.manager.SendCommand(r.Context(), callerID, isAdmin, chi.URLParam(r, "id"), req.Command); err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Command sent",
	})
}

// Upload handles POST /api/v1/sessions/{id}/firmware. Accepts a
// multipart form with an "image" file and returns the stored object key.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageUpload)
	if err := r.ParseMultipartForm(maxImageUpload); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Firmware image too large or malformed upload", nil)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "An image file is required", nil)
		return
	}
	defer file.Close()

	key, err := h.manager.UploadImage(r.Context(), callerID, isAdmin, chi.URLParam(r, "id"), header.Filename, file, header.Size)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"image_key": key,
	})
}

// Flash handles POST /api/v1/sessions/{id}/flash. Blocks until the flash
// finishes; progress streams on the session's event feed meanwhile.
func (h *Handler) Flash(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req FlashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageKey == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "An image_key is required", nil)
		return
	}
	mode, err := firmware.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Unsupported flash mode", nil)
		return
	}

	if err := h.manager.Flash(r.Context(), callerID, isAdmin, chi.URLParam(r, "id"), req.ImageKey, mode); err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Flash completed",
	})
}

// FactoryReset handles POST /api/v1/sessions/{id}/factory-reset
func (h *Handler) FactoryReset(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.manager.FactoryReset(r.Context(), callerID, isAdmin, chi.URLParam(r, "id")); err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Factory firmware restored",
	})
}

// PowerCycle handles POST /api/v1/sessions/{id}/power-cycle
func (h *Handler) PowerCycle(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.manager.PowerCycle(r.Context(), callerID, isAdmin, chi.URLParam(r, "id")); err != nil {
		h.handleError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Board power cycled",
	})
}

// PowerStatus handles GET /api/v1/power. Returns the last battery/AC
// snapshot from the monitor.
func (h *Handler) PowerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"power": h.monitor.Snapshot(),
	})
}

// caller extracts and parses the authenticated user from the context
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool, bool) {
	raw, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
		return uuid.Nil, false, false
	}
	callerID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
		return uuid.Nil, false, false
	}
	return callerID, appctx.IsAdmin(r.Context()), true
}

// handleError maps session manager errors to HTTP responses
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		h.writeError(w, http.StatusNotFound, CodeSessionNotFound, "Session not found", nil)
	case errors.Is(err, ErrAccessDenied):
		h.writeError(w, http.StatusForbidden, CodeForbidden, "You do not have access to this session", nil)
	case errors.Is(err, ErrSessionNotActive), errors.Is(err, device.ErrPortClosed):
		h.writeError(w, http.StatusConflict, CodeSessionNotActive, "Session is not active", nil)
	case errors.Is(err, ErrDeviceHeld):
		h.writeError(w, http.StatusConflict, CodeDeviceHeld, "The device is in use by another session", nil)
	case errors.Is(err, ErrBookingNotOpen):
		h.writeError(w, http.StatusConflict, CodeBookingNotOpen, "The booking window is not open", nil)
	case errors.Is(err, ErrBookingNotUsable):
		h.writeError(w, http.StatusConflict, CodeBookingNotUsable, "The booking cannot start a session", nil)
	case errors.Is(err, ErrFirmwareUnknown):
		h.writeError(w, http.StatusConflict, CodeFirmwareUnknown, "The board's firmware state is unknown; re-flash before further use", nil)
	case errors.Is(err, ErrPowerOnTimeout):
		h.writeError(w, http.StatusServiceUnavailable, CodePowerFault, "The board's power rail did not stabilize", nil)
	case errors.Is(err, firmware.ErrFlashInProgress):
		h.writeError(w, http.StatusConflict, "FLASH_IN_PROGRESS", "A flash is already running for this session", nil)
	case errors.Is(err, firmware.ErrUnsupportedMode):
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "This board cannot load firmware in the requested mode", nil)
	case errors.Is(err, firmware.ErrFlashVerification):
		h.writeError(w, http.StatusBadGateway, "FLASH_VERIFY_FAILED", "Firmware verification failed; the board state is unknown", nil)
	case errors.Is(err, firmware.ErrDeviceNotResponding):
		h.writeError(w, http.StatusBadGateway, "DEVICE_NOT_RESPONDING", "The board did not respond to the flashing tool", nil)
	case errors.Is(err, firmware.ErrToolNotFound):
		h.writeError(w, http.StatusInternalServerError, "FLASH_TOOL_MISSING", "The flashing tool is not installed on the lab host", nil)
	case errors.Is(err, imagestore.ErrImageNotFound):
		h.writeError(w, http.StatusNotFound, "IMAGE_NOT_FOUND", "Firmware image not found", nil)
	default:
		h.logger.Error("Unexpected session error", "error", err)
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
