package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/sqlbase"
)

const locationColumns = `
			journey_id
		  , customer_id
		  , workspace_id
		  , step_id
		  , step_entry
		  , step_entry_at
		  , journey_entry
		  , journey_entry_at
		  , move_started
		  , lock_token
		  , message_sent`

// LocationRepository stores journey locations. The lock is a conditional
// UPDATE so concurrent processors race on the row, not in application code.
type LocationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLocationRepository creates a new location repository.
func NewLocationRepository(db *sql.DB, logger *slog.Logger) *LocationRepository {
	return &LocationRepository{db: db, logger: logger}
}

func (r *LocationRepository) Create(ctx context.Context, location *models.JourneyLocation) error {
	return r.CreateBulk(ctx, []*models.JourneyLocation{location})
}

func (r *LocationRepository) CreateBulk(ctx context.Context, locations []*models.JourneyLocation) error {
	return sqlbase.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		tx := sqlbase.Executor(ctx, r.db)

		insertSQL := `
			INSERT INTO journey_locations (` + locationColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL, false)
			ON CONFLICT (journey_id, customer_id) DO NOTHING
		`

		for _, location := range locations {
			result, err := tx.ExecContext(ctx, insertSQL,
				location.JourneyID,
				location.CustomerID,
				location.WorkspaceID,
				location.StepID,
				location.StepEntry,
				location.StepEntryAt,
				location.JourneyEntry,
				location.JourneyEntryAt,
			)
			if err != nil {
				return persistence.NewLocationError("Create", location.JourneyID, location.CustomerID, err)
			}

			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}

			if affected == 0 {
				return persistence.NewLocationError("Create", location.JourneyID, location.CustomerID, persistence.ErrLocationExists)
			}
		}

		return nil
	})
}

func (r *LocationRepository) Get(ctx context.Context, journeyID, customerID string) (*models.JourneyLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM journey_locations WHERE journey_id = $1 AND customer_id = $2`

	location, err := scanLocation(sqlbase.Executor(ctx, r.db).QueryRowContext(ctx, query, journeyID, customerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewLocationError("Get", journeyID, customerID, persistence.ErrLocationNotFound)
		}

		return nil, fmt.Errorf("failed to scan location: %w", err)
	}

	return location, nil
}

func (r *LocationRepository) Acquire(
	ctx context.Context,
	journeyID, customerID, token string,
	now, staleBefore time.Time,
) (*models.JourneyLocation, error) {
	query := `
		UPDATE journey_locations
		SET move_started = $3, lock_token = $4
		WHERE journey_id = $1 AND customer_id = $2
		  AND (move_started IS NULL OR move_started < $5)
		RETURNING ` + locationColumns

	row := sqlbase.Executor(ctx, r.db).QueryRowContext(ctx, query,
		journeyID, customerID, now.UnixMilli(), token, staleBefore.UnixMilli())

	location, err := scanLocation(row)
	if err == nil {
		return location, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewLocationError("Acquire", journeyID, customerID, err)
	}

	exists, err := r.exists(ctx, journeyID, customerID)
	if err != nil {
		return nil, persistence.NewLocationError("Acquire", journeyID, customerID, err)
	}

	if !exists {
		return nil, persistence.NewLocationError("Acquire", journeyID, customerID, persistence.ErrLocationNotFound)
	}

	return nil, persistence.NewLocationError("Acquire", journeyID, customerID, persistence.ErrAlreadyLocked)
}

func (r *LocationRepository) Unlock(ctx context.Context, held *models.JourneyLocation, stepID string, now time.Time) error {
	query := `
		UPDATE journey_locations
		SET step_entry = CASE WHEN step_id <> $3 THEN $4 ELSE step_entry END
		  , step_entry_at = CASE WHEN step_id <> $3 THEN $5 ELSE step_entry_at END
		  , message_sent = CASE WHEN step_id <> $3 THEN false ELSE message_sent END
		  , step_id = $3
		  , move_started = NULL
		  , lock_token = NULL
		WHERE journey_id = $1 AND customer_id = $2 AND lock_token = $6
	`

	ms := now.UnixMilli()

	result, err := sqlbase.Executor(ctx, r.db).ExecContext(ctx, query,
		held.JourneyID, held.CustomerID, stepID, ms, time.UnixMilli(ms).UTC(), held.LockToken)
	if err != nil {
		return persistence.NewLocationError("Unlock", held.JourneyID, held.CustomerID, err)
	}

	return r.checkHeld(ctx, "Unlock", held, result)
}

func (r *LocationRepository) MarkMessageSent(ctx context.Context, held *models.JourneyLocation) error {
	query := `
		UPDATE journey_locations SET message_sent = true
		WHERE journey_id = $1 AND customer_id = $2 AND lock_token = $3
	`

	result, err := sqlbase.Executor(ctx, r.db).ExecContext(ctx, query, held.JourneyID, held.CustomerID, held.LockToken)
	if err != nil {
		return persistence.NewLocationError("MarkMessageSent", held.JourneyID, held.CustomerID, err)
	}

	return r.checkHeld(ctx, "MarkMessageSent", held, result)
}

func (r *LocationRepository) checkHeld(ctx context.Context, op string, held *models.JourneyLocation, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	exists, err := r.exists(ctx, held.JourneyID, held.CustomerID)
	if err != nil {
		return persistence.NewLocationError(op, held.JourneyID, held.CustomerID, err)
	}

	if !exists {
		return persistence.NewLocationError(op, held.JourneyID, held.CustomerID, persistence.ErrLocationNotFound)
	}

	return persistence.NewLocationError(op, held.JourneyID, held.CustomerID, persistence.ErrLockLost)
}

func (r *LocationRepository) exists(ctx context.Context, journeyID, customerID string) (bool, error) {
	var exists bool

	err := sqlbase.Executor(ctx, r.db).QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM journey_locations WHERE journey_id = $1 AND customer_id = $2)",
		journeyID, customerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check location: %w", err)
	}

	return exists, nil
}

func (r *LocationRepository) ListByCustomer(ctx context.Context, customerID string) ([]*models.JourneyLocation, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM journey_locations
		WHERE customer_id = $1
		ORDER BY journey_id
	`

	return r.query(ctx, query, customerID)
}

func (r *LocationRepository) ListByJourney(ctx context.Context, journeyID string) ([]*models.JourneyLocation, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM journey_locations
		WHERE journey_id = $1
		ORDER BY customer_id
	`

	return r.query(ctx, query, journeyID)
}

func (r *LocationRepository) ListIdle(
	ctx context.Context,
	journeyID string,
	enteredBefore, staleBefore time.Time,
) ([]*models.JourneyLocation, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM journey_locations
		WHERE journey_id = $1
		  AND step_entry < $2
		  AND (move_started IS NULL OR move_started < $3)
		ORDER BY customer_id
	`

	return r.query(ctx, query, journeyID, enteredBefore.UnixMilli(), staleBefore.UnixMilli())
}

func (r *LocationRepository) query(ctx context.Context, query string, args ...any) ([]*models.JourneyLocation, error) {
	rows, err := sqlbase.Executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	locations := make([]*models.JourneyLocation, 0)

	for rows.Next() {
		location, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}

		locations = append(locations, location)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}

	return locations, nil
}

func scanLocation(row scanner) (*models.JourneyLocation, error) {
	var (
		location    models.JourneyLocation
		moveStarted sql.NullInt64
		lockToken   sql.NullString
	)

	err := row.Scan(
		&location.JourneyID,
		&location.CustomerID,
		&location.WorkspaceID,
		&location.StepID,
		&location.StepEntry,
		&location.StepEntryAt,
		&location.JourneyEntry,
		&location.JourneyEntryAt,
		&moveStarted,
		&lockToken,
		&location.MessageSent,
	)
	if err != nil {
		return nil, err
	}

	if moveStarted.Valid {
		location.MoveStarted = &moveStarted.Int64
	}

	location.LockToken = lockToken.String

	return &location, nil
}
