package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/sqlbase"
)

const journeyColumns = `
			id
		  , workspace_id
		  , name
		  , inclusion_criteria
		  , is_active
		  , is_paused
		  , is_stopped
		  , is_deleted
		  , is_dynamic
		  , visual_layout
		  , started_at
		  , latest_pause
		  , created_at
		  , updated_at`

// JourneyRepository handles journey-related database operations.
type JourneyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJourneyRepository creates a new journey repository.
func NewJourneyRepository(db *sql.DB, logger *slog.Logger) *JourneyRepository {
	return &JourneyRepository{db: db, logger: logger}
}

// Save inserts or updates a journey.
func (r *JourneyRepository) Save(ctx context.Context, journey *models.Journey) error {
	now := time.Now().UTC()

	if journey.CreatedAt.IsZero() {
		journey.CreatedAt = now
	}

	journey.UpdatedAt = now

	if journey.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate journey ID: %w", err)
		}

		journey.ID = id.String()
	}

	var criteria []byte

	if journey.InclusionCriteria != nil {
		var err error

		criteria, err = json.Marshal(journey.InclusionCriteria)
		if err != nil {
			return fmt.Errorf("failed to marshal inclusion criteria: %w", err)
		}
	}

	var layout []byte
	if len(journey.VisualLayout) > 0 {
		layout = journey.VisualLayout
	}

	query := `
		INSERT INTO journeys (` + journeyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , inclusion_criteria = EXCLUDED.inclusion_criteria
		  , is_active = EXCLUDED.is_active
		  , is_paused = EXCLUDED.is_paused
		  , is_stopped = EXCLUDED.is_stopped
		  , is_deleted = EXCLUDED.is_deleted
		  , is_dynamic = EXCLUDED.is_dynamic
		  , visual_layout = EXCLUDED.visual_layout
		  , started_at = EXCLUDED.started_at
		  , latest_pause = EXCLUDED.latest_pause
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := sqlbase.Executor(ctx, r.db).ExecContext(ctx, query,
		journey.ID,
		journey.WorkspaceID,
		journey.Name,
		criteria,
		journey.IsActive,
		journey.IsPaused,
		journey.IsStopped,
		journey.IsDeleted,
		journey.IsDynamic,
		layout,
		journey.StartedAt,
		journey.LatestPause,
		journey.CreatedAt,
		journey.UpdatedAt,
	)
	if err != nil {
		return persistence.NewJourneyError("Save", journey.ID, err)
	}

	return nil
}

func (r *JourneyRepository) GetByID(ctx context.Context, id string) (*models.Journey, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys WHERE id = $1`

	journey, err := scanJourney(sqlbase.Executor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJourneyError("GetByID", id, persistence.ErrJourneyNotFound)
		}

		return nil, fmt.Errorf("failed to scan journey: %w", err)
	}

	return journey, nil
}

func (r *JourneyRepository) List(ctx context.Context, workspaceID string) ([]*models.Journey, error) {
	query := `
		SELECT ` + journeyColumns + `
		FROM journeys
		WHERE workspace_id = $1 AND NOT is_deleted
		ORDER BY created_at, id
	`

	return r.query(ctx, query, workspaceID)
}

func (r *JourneyRepository) ListActive(ctx context.Context, workspaceID string) ([]*models.Journey, error) {
	query := `
		SELECT ` + journeyColumns + `
		FROM journeys
		WHERE is_active AND NOT is_stopped AND NOT is_deleted
		  AND ($1 = '' OR workspace_id = $1)
		ORDER BY created_at, id
	`

	return r.query(ctx, query, workspaceID)
}

func (r *JourneyRepository) query(ctx context.Context, query string, args ...any) ([]*models.Journey, error) {
	rows, err := sqlbase.Executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journeys: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	journeys := make([]*models.Journey, 0)

	for rows.Next() {
		journey, err := scanJourney(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journey: %w", err)
		}

		journeys = append(journeys, journey)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating journeys: %w", err)
	}

	return journeys, nil
}

func scanJourney(row scanner) (*models.Journey, error) {
	var (
		journey     models.Journey
		criteria    []byte
		layout      []byte
		startedAt   sql.NullTime
		latestPause sql.NullTime
	)

	err := row.Scan(
		&journey.ID,
		&journey.WorkspaceID,
		&journey.Name,
		&criteria,
		&journey.IsActive,
		&journey.IsPaused,
		&journey.IsStopped,
		&journey.IsDeleted,
		&journey.IsDynamic,
		&layout,
		&startedAt,
		&latestPause,
		&journey.CreatedAt,
		&journey.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(criteria) > 0 {
		journey.InclusionCriteria = &models.InclusionCriteria{}

		err = json.Unmarshal(criteria, journey.InclusionCriteria)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal inclusion criteria: %w", err)
		}
	}

	if len(layout) > 0 {
		journey.VisualLayout = json.RawMessage(layout)
	}

	if startedAt.Valid {
		journey.StartedAt = &startedAt.Time
	}

	if latestPause.Valid {
		journey.LatestPause = &latestPause.Time
	}

	return &journey, nil
}

// StepRepository handles step-related database operations.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepRepository creates a new step repository.
func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

func (r *StepRepository) GetByID(ctx context.Context, id string) (*models.Step, error) {
	query := `SELECT id, journey_id, workspace_id, type, metadata FROM steps WHERE id = $1`

	step, err := scanStep(sqlbase.Executor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("step %s: %w", id, persistence.ErrStepNotFound)
		}

		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	return step, nil
}

func (r *StepRepository) ListByJourney(ctx context.Context, journeyID string) ([]*models.Step, error) {
	query := `
		SELECT id, journey_id, workspace_id, type, metadata
		FROM steps
		WHERE journey_id = $1
		ORDER BY position
	`

	rows, err := sqlbase.Executor(ctx, r.db).QueryContext(ctx, query, journeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.Step, 0)

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps = append(steps, step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func (r *StepRepository) Replace(ctx context.Context, journeyID string, steps []*models.Step) error {
	return sqlbase.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		tx := sqlbase.Executor(ctx, r.db)

		_, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE journey_id = $1", journeyID)
		if err != nil {
			return fmt.Errorf("failed to delete steps: %w", err)
		}

		insertSQL := `
			INSERT INTO steps (id, journey_id, workspace_id, type, metadata, position)
			VALUES ($1, $2, $3, $4, $5, $6)
		`

		for position, step := range steps {
			if step.ID == "" {
				step.ID = uuid.NewString()
			}

			step.JourneyID = journeyID

			metadata, err := json.Marshal(step.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal step %s metadata: %w", step.ID, err)
			}

			_, err = tx.ExecContext(ctx, insertSQL, step.ID, journeyID, step.WorkspaceID, step.Type, metadata, position)
			if err != nil {
				return fmt.Errorf("failed to insert step %s: %w", step.ID, err)
			}
		}

		return nil
	})
}

func scanStep(row scanner) (*models.Step, error) {
	var (
		step     models.Step
		metadata []byte
	)

	err := row.Scan(&step.ID, &step.JourneyID, &step.WorkspaceID, &step.Type, &metadata)
	if err != nil {
		return nil, err
	}

	step.Metadata, err = models.DecodeMetadata(step.Type, metadata)
	if err != nil {
		return nil, err
	}

	return &step, nil
}
