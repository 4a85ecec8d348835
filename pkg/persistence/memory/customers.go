package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

type customerRepository struct {
	p *Persistence
}

func (r *customerRepository) Save(ctx context.Context, customer *models.Customer) error {
	d, release := r.p.view(ctx)
	defer release()

	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}

	customer.UpdatedAt = now

	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}

	stored := *customer
	stored.Attributes = maps.Clone(customer.Attributes)
	stored.Journeys = slices.Clone(customer.Journeys)
	d.customers[customer.ID] = stored

	return nil
}

func (r *customerRepository) GetByID(ctx context.Context, id string) (*models.Customer, error) {
	d, release := r.p.view(ctx)
	defer release()

	customer, ok := d.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, persistence.ErrCustomerNotFound)
	}

	customer.Journeys = slices.Clone(customer.Journeys)

	return &customer, nil
}

func (r *customerRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Customer, error) {
	d, release := r.p.view(ctx)
	defer release()

	customers := make([]*models.Customer, 0)

	for _, customer := range d.customers {
		if customer.WorkspaceID != workspaceID {
			continue
		}

		customer.Journeys = slices.Clone(customer.Journeys)
		customers = append(customers, &customer)
	}

	slices.SortFunc(customers, func(a, b *models.Customer) int {
		return strings.Compare(a.ID, b.ID)
	})

	return customers, nil
}

func (r *customerRepository) AddJourney(ctx context.Context, journeyID string, customerIDs []string) error {
	d, release := r.p.view(ctx)
	defer release()

	for _, id := range customerIDs {
		customer, ok := d.customers[id]
		if !ok {
			return fmt.Errorf("customer %s: %w", id, persistence.ErrCustomerNotFound)
		}

		if customer.InJourney(journeyID) {
			continue
		}

		customer.Journeys = append(slices.Clone(customer.Journeys), journeyID)
		d.customers[id] = customer
	}

	return nil
}

type workspaceRepository struct {
	p *Persistence
}

func (r *workspaceRepository) Save(ctx context.Context, workspace *models.Workspace) error {
	d, release := r.p.view(ctx)
	defer release()

	if workspace.ID == "" {
		workspace.ID = uuid.NewString()
	}

	d.workspaces[workspace.ID] = *workspace

	return nil
}

func (r *workspaceRepository) GetByID(ctx context.Context, id string) (*models.Workspace, error) {
	d, release := r.p.view(ctx)
	defer release()

	workspace, ok := d.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, persistence.ErrWorkspaceNotFound)
	}

	return &workspace, nil
}

type templateRepository struct {
	p *Persistence
}

func (r *templateRepository) Save(ctx context.Context, template *models.Template) error {
	d, release := r.p.view(ctx)
	defer release()

	if template.ID == "" {
		template.ID = uuid.NewString()
	}

	d.templates[template.ID] = *template

	return nil
}

func (r *templateRepository) GetByID(ctx context.Context, id string) (*models.Template, error) {
	d, release := r.p.view(ctx)
	defer release()

	template, ok := d.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, persistence.ErrTemplateNotFound)
	}

	return &template, nil
}

type deliveryRepository struct {
	p *Persistence
}

func (r *deliveryRepository) Save(ctx context.Context, events ...*models.DeliveryEvent) error {
	d, release := r.p.view(ctx)
	defer release()

	for _, event := range events {
		if event.ID == "" {
			event.ID = uuid.NewString()
		}

		d.deliveries = append(d.deliveries, *event)
	}

	return nil
}

func (r *deliveryRepository) ListByJourney(ctx context.Context, journeyID string) ([]*models.DeliveryEvent, error) {
	d, release := r.p.view(ctx)
	defer release()

	events := make([]*models.DeliveryEvent, 0)

	for _, event := range d.deliveries {
		if event.JourneyID == journeyID {
			events = append(events, &event)
		}
	}

	return events, nil
}
