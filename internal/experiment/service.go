// Package experiment manages the catalog of bookable lab setups. Entries
// carry the board type that drives the flashing profile and the daily
// operating window that bounds bookings.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Abhilash1575/virtual-lab/internal/firmware"
	"github.com/Abhilash1575/virtual-lab/internal/repository"
)

// Service errors
var (
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrValidationFailed   = errors.New("validation failed")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeExperimentNotFound = "EXPERIMENT_NOT_FOUND"
)

// CreateExperimentRequest represents the request to create a catalog entry
type CreateExperimentRequest struct {
	Name            string `json:"name" validate:"required,min=3,max=120"`
	Description     string `json:"description" validate:"max=5000"`
	BoardType       string `json:"board_type" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=5,max=480"`
	OpensAtMinutes  int    `json:"opens_at_minutes"`
	ClosesAtMinutes int    `json:"closes_at_minutes" validate:"required"`
}

// UpdateExperimentRequest represents a partial catalog edit
type UpdateExperimentRequest struct {
	Name            *string `json:"name,omitempty" validate:"omitempty,min=3,max=120"`
	Description     *string `json:"description,omitempty" validate:"omitempty,max=5000"`
	BoardType       *string `json:"board_type,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty" validate:"omitempty,min=5,max=480"`
	OpensAtMinutes  *int    `json:"opens_at_minutes,omitempty"`
	ClosesAtMinutes *int    `json:"closes_at_minutes,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
}

// ExperimentResponse represents a catalog entry in API responses
type ExperimentResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	BoardType       string    `json:"board_type"`
	DurationMinutes int       `json:"duration_minutes"`
	OpensAtMinutes  int       `json:"opens_at_minutes"`
	ClosesAtMinutes int       `json:"closes_at_minutes"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Service handles experiment catalog business logic
type Service struct {
	repo      repository.ExperimentRepositoryInterface
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

// NewService creates an experiment Service. Descriptions are admin-entered
// rich text shown to every user, so they pass through an HTML sanitizer.
func NewService(repo repository.ExperimentRepositoryInterface, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger,
	}
}

// Create adds a catalog entry. Admin only, enforced at the route level.
func (s *Service) Create(ctx context.Context, req CreateExperimentRequest) (*ExperimentResponse, map[string][]string, error) {
	if details := ValidateCreate(&req); details != nil {
		return nil, details, ErrValidationFailed
	}

	exp := &repository.Experiment{
		Name:            req.Name,
		Description:     s.sanitizer.Sanitize(req.Description),
		BoardType:       req.BoardType,
		DurationMinutes: req.DurationMinutes,
		OpensAtMinutes:  req.OpensAtMinutes,
		ClosesAtMinutes: req.ClosesAtMinutes,
		IsActive:        true,
	}

	if err := s.repo.Create(ctx, exp); err != nil {
		return nil, nil, fmt.Errorf("failed to create experiment: %w", err)
	}

	s.logger.Info("Experiment created",
		"experiment_id", exp.ID,
		"name", exp.Name,
		"board_type", exp.BoardType,
	)

	return toResponse(exp), nil, nil
}

// List returns catalog entries. Non-admin callers only see active entries.
func (s *Service) List(ctx context.Context, includeInactive bool) ([]ExperimentResponse, error) {
	experiments, err := s.repo.List(ctx, !includeInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	responses := make([]ExperimentResponse, len(experiments))
	for i := range experiments {
		responses[i] = *toResponse(&experiments[i])
	}
	return responses, nil
}

// GetByID retrieves one catalog entry
func (s *Service) GetByID(ctx context.Context, experimentID string) (*ExperimentResponse, error) {
	id, err := uuid.Parse(experimentID)
	if err != nil {
		return nil, ErrExperimentNotFound
	}

	exp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrExperimentNotFound) {
			return nil, ErrExperimentNotFound
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	return toResponse(exp), nil
}

// Update applies a partial edit to a catalog entry. Admin only.
func (s *Service) Update(ctx context.Context, experimentID string, req UpdateExperimentRequest) (*ExperimentResponse, map[string][]string, error) {
	id, err := uuid.Parse(experimentID)
	if err != nil {
		return nil, nil, ErrExperimentNotFound
	}

	exp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrExperimentNotFound) {
			return nil, nil, ErrExperimentNotFound
		}
		return nil, nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	details := ValidateUpdate(&req)

	if req.Name != nil {
		exp.Name = *req.Name
	}
	if req.Description != nil {
		exp.Description = s.sanitizer.Sanitize(*req.Description)
	}
	if req.BoardType != nil {
		if _, err := firmware.ParseBoardType(*req.BoardType); err != nil {
			details["board_type"] = append(details["board_type"], "unsupported board type")
		} else {
			exp.BoardType = *req.BoardType
		}
	}
	if req.DurationMinutes != nil {
		exp.DurationMinutes = *req.DurationMinutes
	}
	if req.OpensAtMinutes != nil {
		exp.OpensAtMinutes = *req.OpensAtMinutes
	}
	if req.ClosesAtMinutes != nil {
		exp.ClosesAtMinutes = *req.ClosesAtMinutes
	}

	appendWindowErrors(details, exp.OpensAtMinutes, exp.ClosesAtMinutes, exp.DurationMinutes)
	if len(details) > 0 {
		return nil, details, ErrValidationFailed
	}

	if err := s.repo.Update(ctx, exp); err != nil {
		if errors.Is(err, repository.ErrExperimentNotFound) {
			return nil, nil, ErrExperimentNotFound
		}
		return nil, nil, fmt.Errorf("failed to update experiment: %w", err)
	}

	if req.IsActive != nil && *req.IsActive != exp.IsActive {
		if err := s.repo.SetActive(ctx, exp.ID, *req.IsActive); err != nil {
			return nil, nil, fmt.Errorf("failed to set experiment active flag: %w", err)
		}
		exp.IsActive = *req.IsActive
	}

	s.logger.Info("Experiment updated", "experiment_id", exp.ID)

	return toResponse(exp), nil, nil
}

// SetActive enables or disables a catalog entry. Disabled entries stop
// accepting new bookings; existing bookings are untouched.
func (s *Service) SetActive(ctx context.Context, experimentID string, active bool) error {
	id, err := uuid.Parse(experimentID)
	if err != nil {
		return ErrExperimentNotFound
	}

	if err := s.repo.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, repository.ErrExperimentNotFound) {
			return ErrExperimentNotFound
		}
		return fmt.Errorf("failed to set experiment active flag: %w", err)
	}

	s.logger.Info("Experiment active flag changed", "experiment_id", id, "active", active)
	return nil
}

// SupportedBoards returns the board types the flashing dispatcher knows
func (s *Service) SupportedBoards() []string {
	boards := firmware.SupportedBoards()
	names := make([]string, len(boards))
	for i, b := range boards {
		names[i] = string(b)
	}
	return names
}

func toResponse(exp *repository.Experiment) *ExperimentResponse {
	return &ExperimentResponse{
		ID:              exp.ID.String(),
		Name:            exp.Name,
		Description:     exp.Description,
		BoardType:       exp.BoardType,
		DurationMinutes: exp.DurationMinutes,
		OpensAtMinutes:  exp.OpensAtMinutes,
		ClosesAtMinutes: exp.ClosesAtMinutes,
		IsActive:        exp.IsActive,
		CreatedAt:       exp.CreatedAt,
		UpdatedAt:       exp.UpdatedAt,
	}
}
