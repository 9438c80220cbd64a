package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Experiment repository errors
var (
	ErrExperimentNotFound = errors.New("experiment not found")
)

// ExperimentRepositoryInterface defines the interface for experiment catalog access
type ExperimentRepositoryInterface interface {
	Create(ctx context.Context, exp *Experiment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Experiment, error)
	List(ctx context.Context, activeOnly bool) ([]Experiment, error)
	Update(ctx context.Context, exp *Experiment) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// ExperimentRepo implements ExperimentRepositoryInterface using PostgreSQL
type ExperimentRepo struct {
	db *sqlx.DB
}

// NewExperimentRepo creates a new ExperimentRepo instance
func NewExperimentRepo(db *sqlx.DB) *ExperimentRepo {
	return &ExperimentRepo{db: db}
}

// Create inserts a new experiment into the catalog
func (r *ExperimentRepo) Create(ctx context.Context, exp *Experiment) error {
	query := `
		INSERT INTO experiments
			(name, description, board_type, duration_minutes, opens_at_minutes, closes_at_minutes, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRowxContext(ctx, query,
		exp.Name,
		exp.Description,
		exp.BoardType,
		exp.DurationMinutes,
		exp.OpensAtMinutes,
		exp.ClosesAtMinutes,
		exp.IsActive,
	).Scan(&exp.ID, &exp.CreatedAt, &exp.UpdatedAt)
}

// GetByID retrieves an experiment by its ID
func (r *ExperimentRepo) GetByID(ctx context.Context, id uuid.UUID) (*Experiment, error) {
	query := `
		SELECT id, name, description, board_type, duration_minutes,
		       opens_at_minutes, closes_at_minutes, is_active, created_at, updated_at
		FROM experiments
		WHERE id = $1
	`

	exp := &Experiment{}
	err := r.db.GetContext(ctx, exp, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExperimentNotFound
		}
		return nil, err
	}

	return exp, nil
}

// List returns experiments, optionally restricted to active catalog entries
func (r *ExperimentRepo) List(ctx context.Context, activeOnly bool) ([]Experiment, error) {
	query := `
		SELECT id, name, description, board_type, duration_minutes,
		       opens_at_minutes, closes_at_minutes, is_active, created_at, updated_at
		FROM experiments
	`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY name`

	experiments := []Experiment{}
	if err := r.db.SelectContext(ctx, &experiments, query); err != nil {
		return nil, err
	}

	return experiments, nil
}

// Update modifies a catalog entry (admin edit)
func (r *ExperimentRepo) Update(ctx context.Context, exp *Experiment) error {
	query := `
		UPDATE experiments
		SET name = $1, description = $2, board_type = $3, duration_minutes = $4,
		    opens_at_minutes = $5, closes_at_minutes = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		exp.Name,
		exp.Description,
		exp.BoardType,
		exp.DurationMinutes,
		exp.OpensAtMinutes,
		exp.ClosesAtMinutes,
		exp.ID,
	).Scan(&exp.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return ErrExperimentNotFound
	}
	return err
}

// SetActive enables or disables an experiment in the catalog
func (r *ExperimentRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE experiments SET is_active = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExperimentNotFound
	}

	return nil
}
