// Package memory provides an in-process persistence implementation used by tests and single-node runs.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

type locationKey struct {
	journeyID  string
	customerID string
}

type data struct {
	journeys   map[string]models.Journey
	steps      map[string]models.Step
	stepOrder  map[string][]string
	locations  map[locationKey]models.JourneyLocation
	customers  map[string]models.Customer
	workspaces map[string]models.Workspace
	templates  map[string]models.Template
	deliveries []models.DeliveryEvent
}

func newData() *data {
	return &data{
		journeys:   map[string]models.Journey{},
		steps:      map[string]models.Step{},
		stepOrder:  map[string][]string{},
		locations:  map[locationKey]models.JourneyLocation{},
		customers:  map[string]models.Customer{},
		workspaces: map[string]models.Workspace{},
		templates:  map[string]models.Template{},
	}
}

func (d *data) clone() *data {
	stepOrder := make(map[string][]string, len(d.stepOrder))
	for journeyID, ids := range d.stepOrder {
		stepOrder[journeyID] = slices.Clone(ids)
	}

	return &data{
		journeys:   maps.Clone(d.journeys),
		steps:      maps.Clone(d.steps),
		stepOrder:  stepOrder,
		locations:  maps.Clone(d.locations),
		customers:  maps.Clone(d.customers),
		workspaces: maps.Clone(d.workspaces),
		templates:  maps.Clone(d.templates),
		deliveries: slices.Clone(d.deliveries),
	}
}

type txKey struct{}

// Persistence keeps every record in memory behind a single mutex.
// Transactions work on a copy that replaces the live data on commit.
type Persistence struct {
	mu   sync.Mutex
	data *data
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{data: newData()}
}

// WithTransaction serializes fn against every other access to the store.
// Nested calls join the outer transaction.
func (p *Persistence) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*data); ok {
		return fn(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	working := p.data.clone()

	if err := fn(context.WithValue(ctx, txKey{}, working)); err != nil {
		return err
	}

	p.data = working

	return nil
}

// view returns the data visible to ctx and the function releasing it.
func (p *Persistence) view(ctx context.Context) (*data, func()) {
	if d, ok := ctx.Value(txKey{}).(*data); ok {
		return d, func() {}
	}

	p.mu.Lock()

	return p.data, p.mu.Unlock
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) Journeys() persistence.JourneyRepository     { return &journeyRepository{p} }
func (p *Persistence) Steps() persistence.StepRepository           { return &stepRepository{p} }
func (p *Persistence) Locations() persistence.LocationRepository   { return &locationRepository{p} }
func (p *Persistence) Customers() persistence.CustomerRepository   { return &customerRepository{p} }
func (p *Persistence) Workspaces() persistence.WorkspaceRepository { return &workspaceRepository{p} }
func (p *Persistence) Templates() persistence.TemplateRepository   { return &templateRepository{p} }
func (p *Persistence) Deliveries() persistence.DeliveryRepository  { return &deliveryRepository{p} }
