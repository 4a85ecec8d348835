// Package persistence provides the data storage abstraction layer for journeys, customers and their locations.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/journeys/pkg/models"
)

type Persistence interface {
	Journeys() JourneyRepository
	Steps() StepRepository
	Locations() LocationRepository
	Customers() CustomerRepository
	Workspaces() WorkspaceRepository
	Templates() TemplateRepository
	Deliveries() DeliveryRepository

	// WithTransaction runs fn in a transaction carried by the context passed to fn.
	// Repository calls made with that context join the transaction. A non-nil
	// error from fn rolls everything back.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type JourneyRepository interface {
	// Save inserts or updates a journey, assigning an ID when empty.
	Save(ctx context.Context, journey *models.Journey) error
	GetByID(ctx context.Context, id string) (*models.Journey, error)
	// List returns the non-deleted journeys of a workspace.
	List(ctx context.Context, workspaceID string) ([]*models.Journey, error)
	// ListActive returns journeys that are active and neither stopped nor deleted,
	// across workspaces when workspaceID is empty.
	ListActive(ctx context.Context, workspaceID string) ([]*models.Journey, error)
}

type StepRepository interface {
	GetByID(ctx context.Context, id string) (*models.Step, error)
	ListByJourney(ctx context.Context, journeyID string) ([]*models.Step, error)
	// Replace swaps every step of a journey for the given ones.
	Replace(ctx context.Context, journeyID string, steps []*models.Step) error
}

// LocationRepository stores journey locations. Acquire and Unlock implement
// the compare-and-set protocol that serializes processors per customer.
type LocationRepository interface {
	Create(ctx context.Context, location *models.JourneyLocation) error
	CreateBulk(ctx context.Context, locations []*models.JourneyLocation) error
	Get(ctx context.Context, journeyID, customerID string) (*models.JourneyLocation, error)

	// Acquire locks the location with token when it is unlocked or its lock
	// was taken before staleBefore. It returns ErrAlreadyLocked otherwise.
	Acquire(ctx context.Context, journeyID, customerID, token string, now, staleBefore time.Time) (*models.JourneyLocation, error)

	// Unlock moves the location to stepID and releases the lock held by
	// location.LockToken. Step entry timestamps change only when the step does.
	// It returns ErrLockLost when the lock is held by someone else.
	Unlock(ctx context.Context, location *models.JourneyLocation, stepID string, now time.Time) error

	// MarkMessageSent flags the location while the caller holds its lock.
	MarkMessageSent(ctx context.Context, location *models.JourneyLocation) error

	ListByCustomer(ctx context.Context, customerID string) ([]*models.JourneyLocation, error)
	ListByJourney(ctx context.Context, journeyID string) ([]*models.JourneyLocation, error)

	// ListIdle returns locations of a journey that entered their step before
	// enteredBefore and are unlocked or locked before staleBefore.
	ListIdle(ctx context.Context, journeyID string, enteredBefore, staleBefore time.Time) ([]*models.JourneyLocation, error)
}

type CustomerRepository interface {
	Save(ctx context.Context, customer *models.Customer) error
	GetByID(ctx context.Context, id string) (*models.Customer, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Customer, error)
	// AddJourney records journey membership for every given customer.
	AddJourney(ctx context.Context, journeyID string, customerIDs []string) error
}

type WorkspaceRepository interface {
	Save(ctx context.Context, workspace *models.Workspace) error
	GetByID(ctx context.Context, id string) (*models.Workspace, error)
}

type TemplateRepository interface {
	Save(ctx context.Context, template *models.Template) error
	GetByID(ctx context.Context, id string) (*models.Template, error)
}

type DeliveryRepository interface {
	Save(ctx context.Context, events ...*models.DeliveryEvent) error
	ListByJourney(ctx context.Context, journeyID string) ([]*models.DeliveryEvent, error)
}
