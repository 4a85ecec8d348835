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
	"github.com/lib/pq"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/sqlbase"
)

const customerSelect = `
		SELECT
			c.id
		  , c.workspace_id
		  , COALESCE(c.email, '')
		  , COALESCE(c.phone, '')
		  , c.attributes
		  , c.created_at
		  , c.updated_at
		  , COALESCE(array_agg(cj.journey_id ORDER BY cj.journey_id) FILTER (WHERE cj.journey_id IS NOT NULL), '{}')
		FROM customers c
		LEFT JOIN customer_journeys cj ON cj.customer_id = c.id
`

// CustomerRepository handles customer records and journey membership.
type CustomerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCustomerRepository creates a new customer repository.
func NewCustomerRepository(db *sql.DB, logger *slog.Logger) *CustomerRepository {
	return &CustomerRepository{db: db, logger: logger}
}

func (r *CustomerRepository) Save(ctx context.Context, customer *models.Customer) error {
	now := time.Now().UTC()

	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}

	customer.UpdatedAt = now

	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}

	attributes, err := json.Marshal(customer.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	if customer.Attributes == nil {
		attributes = []byte("{}")
	}

	return sqlbase.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		query := `
			INSERT INTO customers (id, workspace_id, email, phone, attributes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email
			  , phone = EXCLUDED.phone
			  , attributes = EXCLUDED.attributes
			  , updated_at = EXCLUDED.updated_at
		`

		_, err := sqlbase.Executor(ctx, r.db).ExecContext(ctx, query,
			customer.ID, customer.WorkspaceID, customer.Email, customer.Phone, attributes,
			customer.CreatedAt, customer.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
		}

		for _, journeyID := range customer.Journeys {
			if err := r.AddJourney(ctx, journeyID, []string{customer.ID}); err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*models.Customer, error) {
	query := customerSelect + ` WHERE c.id = $1 GROUP BY c.id`

	customer, err := scanCustomer(sqlbase.Executor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("customer %s: %w", id, persistence.ErrCustomerNotFound)
		}

		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}

	return customer, nil
}

func (r *CustomerRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Customer, error) {
	query := customerSelect + ` WHERE c.workspace_id = $1 GROUP BY c.id ORDER BY c.id`

	rows, err := sqlbase.Executor(ctx, r.db).QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	customers := make([]*models.Customer, 0)

	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}

		customers = append(customers, customer)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating customers: %w", err)
	}

	return customers, nil
}

func (r *CustomerRepository) AddJourney(ctx context.Context, journeyID string, customerIDs []string) error {
	if len(customerIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO customer_journeys (customer_id, journey_id)
		SELECT unnest($1::text[]), $2::text
		ON CONFLICT (customer_id, journey_id) DO NOTHING
	`

	_, err := sqlbase.Executor(ctx, r.db).ExecContext(ctx, query, pq.Array(customerIDs), journeyID)
	if err != nil {
		return fmt.Errorf("failed to add journey %s membership: %w", journeyID, err)
	}

	return nil
}

func scanCustomer(row scanner) (*models.Customer, error) {
	var (
		customer   models.Customer
		attributes []byte
		journeys   []string
	)

	err := row.Scan(
		&customer.ID,
		&customer.WorkspaceID,
		&customer.Email,
		&customer.Phone,
		&attributes,
		&customer.CreatedAt,
		&customer.UpdatedAt,
		pq.Array(&journeys),
	)
	if err != nil {
		return nil, err
	}

	if len(attributes) > 0 {
		err = json.Unmarshal(attributes, &customer.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}

	if len(journeys) > 0 {
		customer.Journeys = journeys
	}

	return &customer, nil
}

// WorkspaceRepository stores workspaces and their channel credentials.
type WorkspaceRepository struct {
	db *sql.DB
}

func (r *WorkspaceRepository) Save(ctx context.Context, workspace *models.Workspace) error {
	if workspace.ID == "" {
		workspace.ID = uuid.NewString()
	}

	channels, err := json.Marshal(workspace.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}

	if workspace.Channels == nil {
		channels = []byte("{}")
	}

	timezone := workspace.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	query := `
		INSERT INTO workspaces (id, name, timezone, channels)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , timezone = EXCLUDED.timezone
		  , channels = EXCLUDED.channels
	`

	_, err = sqlbase.Executor(ctx, r.db).ExecContext(ctx, query, workspace.ID, workspace.Name, timezone, channels)
	if err != nil {
		return fmt.Errorf("failed to save workspace %s: %w", workspace.ID, err)
	}

	return nil
}

func (r *WorkspaceRepository) GetByID(ctx context.Context, id string) (*models.Workspace, error) {
	var (
		workspace models.Workspace
		channels  []byte
	)

	err := sqlbase.Executor(ctx, r.db).QueryRowContext(ctx,
		"SELECT id, name, timezone, channels FROM workspaces WHERE id = $1", id,
	).Scan(&workspace.ID, &workspace.Name, &workspace.Timezone, &channels)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workspace %s: %w", id, persistence.ErrWorkspaceNotFound)
		}

		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}

	err = json.Unmarshal(channels, &workspace.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal channels: %w", err)
	}

	return &workspace, nil
}

// TemplateRepository stores message templates.
type TemplateRepository struct {
	db *sql.DB
}

func (r *TemplateRepository) Save(ctx context.Context, template *models.Template) error {
	if template.ID == "" {
		template.ID = uuid.NewString()
	}

	query := `
		INSERT INTO templates (id, workspace_id, name, channel, subject, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , channel = EXCLUDED.channel
		  , subject = EXCLUDED.subject
		  , body = EXCLUDED.body
	`

	_, err := sqlbase.Executor(ctx, r.db).ExecContext(ctx, query,
		template.ID, template.WorkspaceID, template.Name, template.Channel, template.Subject, template.Body)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", template.ID, err)
	}

	return nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.Template, error) {
	var (
		template models.Template
		subject  sql.NullString
	)

	err := sqlbase.Executor(ctx, r.db).QueryRowContext(ctx,
		"SELECT id, workspace_id, name, channel, subject, body FROM templates WHERE id = $1", id,
	).Scan(&template.ID, &template.WorkspaceID, &template.Name, &template.Channel, &subject, &template.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", id, persistence.ErrTemplateNotFound)
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	template.Subject = subject.String

	return &template, nil
}

// DeliveryRepository records message delivery events.
type DeliveryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *DeliveryRepository) Save(ctx context.Context, events ...*models.DeliveryEvent) error {
	query := `
		INSERT INTO delivery_events (
			id, workspace_id, journey_id, step_id, customer_id, template_id,
			message_id, event, event_provider, error, processed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	return sqlbase.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		for _, event := range events {
			if event.ID == "" {
				event.ID = uuid.NewString()
			}

			if event.CreatedAt.IsZero() {
				event.CreatedAt = time.Now().UTC()
			}

			_, err := sqlbase.Executor(ctx, r.db).ExecContext(ctx, query,
				event.ID, event.WorkspaceID, event.JourneyID, event.StepID, event.CustomerID, event.TemplateID,
				event.MessageID, event.Event, event.EventProvider, event.Error, event.Processed, event.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to save delivery event: %w", err)
			}
		}

		return nil
	})
}

func (r *DeliveryRepository) ListByJourney(ctx context.Context, journeyID string) ([]*models.DeliveryEvent, error) {
	query := `
		SELECT id, workspace_id, journey_id, step_id, customer_id, COALESCE(template_id, ''),
			COALESCE(message_id, ''), event, event_provider, COALESCE(error, ''), processed, created_at
		FROM delivery_events
		WHERE journey_id = $1
		ORDER BY created_at, id
	`

	rows, err := sqlbase.Executor(ctx, r.db).QueryContext(ctx, query, journeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery events: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.DeliveryEvent, 0)

	for rows.Next() {
		var event models.DeliveryEvent

		err := rows.Scan(&event.ID, &event.WorkspaceID, &event.JourneyID, &event.StepID, &event.CustomerID,
			&event.TemplateID, &event.MessageID, &event.Event, &event.EventProvider, &event.Error,
			&event.Processed, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery event: %w", err)
		}

		events = append(events, &event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating delivery events: %w", err)
	}

	return events, nil
}
