// Package postgresql provides PostgreSQL persistence implementation for journeys and journey locations.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	journeys   *JourneyRepository
	steps      *StepRepository
	locations  *LocationRepository
	customers  *CustomerRepository
	workspaces *WorkspaceRepository
	templates  *TemplateRepository
	deliveries *DeliveryRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:         database,
		logger:     logger,
		journeys:   NewJourneyRepository(database, logger),
		steps:      NewStepRepository(database, logger),
		locations:  NewLocationRepository(database, logger),
		customers:  NewCustomerRepository(database, logger),
		workspaces: &WorkspaceRepository{db: database},
		templates:  &TemplateRepository{db: database},
		deliveries: &DeliveryRepository{db: database, logger: logger},
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// WithTransaction runs fn in a database transaction shared through its context.
func (p *Persistence) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return sqlbase.WithTransaction(ctx, p.db, fn)
}

func (p *Persistence) Journeys() persistence.JourneyRepository     { return p.journeys }
func (p *Persistence) Steps() persistence.StepRepository           { return p.steps }
func (p *Persistence) Locations() persistence.LocationRepository   { return p.locations }
func (p *Persistence) Customers() persistence.CustomerRepository   { return p.customers }
func (p *Persistence) Workspaces() persistence.WorkspaceRepository { return p.workspaces }
func (p *Persistence) Templates() persistence.TemplateRepository   { return p.templates }
func (p *Persistence) Deliveries() persistence.DeliveryRepository  { return p.deliveries }

// closeRows closes rows and logs any error.
func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

type scanner interface {
	Scan(dest ...any) error
}
