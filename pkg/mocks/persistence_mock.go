package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/queue"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
// Repositories are returned from the configured expectations.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) Journeys() persistence.JourneyRepository {
	args := m.Called()

	return args.Get(0).(persistence.JourneyRepository)
}

func (m *MockPersistence) Steps() persistence.StepRepository {
	args := m.Called()

	return args.Get(0).(persistence.StepRepository)
}

func (m *MockPersistence) Locations() persistence.LocationRepository {
	args := m.Called()

	return args.Get(0).(persistence.LocationRepository)
}

func (m *MockPersistence) Customers() persistence.CustomerRepository {
	args := m.Called()

	return args.Get(0).(persistence.CustomerRepository)
}

func (m *MockPersistence) Workspaces() persistence.WorkspaceRepository {
	args := m.Called()

	return args.Get(0).(persistence.WorkspaceRepository)
}

func (m *MockPersistence) Templates() persistence.TemplateRepository {
	args := m.Called()

	return args.Get(0).(persistence.TemplateRepository)
}

func (m *MockPersistence) Deliveries() persistence.DeliveryRepository {
	args := m.Called()

	return args.Get(0).(persistence.DeliveryRepository)
}

// WithTransaction runs fn directly after recording the call.
func (m *MockPersistence) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}

	return fn(ctx)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockCustomerRepository is a mock implementation of persistence.CustomerRepository interface.
type MockCustomerRepository struct {
	mock.Mock
}

func (m *MockCustomerRepository) Save(ctx context.Context, customer *models.Customer) error {
	args := m.Called(ctx, customer)

	return args.Error(0)
}

func (m *MockCustomerRepository) GetByID(ctx context.Context, id string) (*models.Customer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Customer), args.Error(1)
}

func (m *MockCustomerRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Customer, error) {
	args := m.Called(ctx, workspaceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Customer), args.Error(1)
}

func (m *MockCustomerRepository) AddJourney(ctx context.Context, journeyID string, customerIDs []string) error {
	args := m.Called(ctx, journeyID, customerIDs)

	return args.Error(0)
}

// MockQueueBackend is a mock implementation of queue.Backend interface.
type MockQueueBackend struct {
	mock.Mock
}

func (m *MockQueueBackend) Enqueue(ctx context.Context, jobs ...*queue.Job) error {
	args := m.Called(ctx, jobs)

	return args.Error(0)
}

func (m *MockQueueBackend) Reserve(ctx context.Context, name string, now time.Time, lease time.Duration) (*queue.Job, error) {
	args := m.Called(ctx, name, now, lease)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*queue.Job), args.Error(1)
}

func (m *MockQueueBackend) Complete(ctx context.Context, job *queue.Job, now time.Time, retention queue.Retention) error {
	args := m.Called(ctx, job, now, retention)

	return args.Error(0)
}

func (m *MockQueueBackend) Retry(ctx context.Context, job *queue.Job, at time.Time, cause error) error {
	args := m.Called(ctx, job, at, cause)

	return args.Error(0)
}

func (m *MockQueueBackend) Fail(ctx context.Context, job *queue.Job, now time.Time, cause error) error {
	args := m.Called(ctx, job, now, cause)

	return args.Error(0)
}

func (m *MockQueueBackend) RequeueStalled(ctx context.Context, name string, now time.Time) (int, error) {
	args := m.Called(ctx, name, now)

	return args.Int(0), args.Error(1)
}

func (m *MockQueueBackend) Failed(ctx context.Context, name string, limit int) ([]*queue.Job, error) {
	args := m.Called(ctx, name, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*queue.Job), args.Error(1)
}

func (m *MockQueueBackend) Stats(ctx context.Context, name string) (queue.Stats, error) {
	args := m.Called(ctx, name)

	return args.Get(0).(queue.Stats), args.Error(1)
}

func (m *MockQueueBackend) Close() error {
	args := m.Called()

	return args.Error(0)
}
