// Package locations guards where each customer is in a journey.
//
// A processor must Acquire a location before acting on it and Unlock it when
// done. Locks older than the lock timeout are treated as abandoned and can be
// taken over; the previous holder then gets persistence.ErrLockLost.
package locations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

// DefaultLockTimeout is how long a lock is honoured before it may be reclaimed.
const DefaultLockTimeout = 5 * time.Minute

// Store serializes step processing per (journey, customer).
type Store struct {
	repo        persistence.LocationRepository
	clock       clockwork.Clock
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewStore creates a location store. A zero lockTimeout selects DefaultLockTimeout.
func NewStore(repo persistence.LocationRepository, clock clockwork.Clock, lockTimeout time.Duration, logger *slog.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	return &Store{
		repo:        repo,
		clock:       clock,
		lockTimeout: lockTimeout,
		logger:      logger.With("module", "locations"),
	}
}

// LockTimeout returns the age after which a lock is considered stale.
func (s *Store) LockTimeout() time.Duration {
	return s.lockTimeout
}

// Acquire locks the customer's location in the journey.
func (s *Store) Acquire(ctx context.Context, journeyID, customerID string) (*models.JourneyLocation, error) {
	now := s.clock.Now()

	location, err := s.repo.Acquire(ctx, journeyID, customerID, uuid.NewString(), now, now.Add(-s.lockTimeout))
	if err != nil {
		return nil, err
	}

	return location, nil
}

// Unlock places the customer at stepID and releases the lock.
func (s *Store) Unlock(ctx context.Context, location *models.JourneyLocation, stepID string) error {
	err := s.repo.Unlock(ctx, location, stepID, s.clock.Now())
	if err != nil {
		return err
	}

	if stepID != location.StepID {
		s.logger.DebugContext(ctx, "customer moved",
			"journey_id", location.JourneyID,
			"customer_id", location.CustomerID,
			"from_step", location.StepID,
			"to_step", stepID,
		)
	}

	return nil
}

// Release unlocks the location without moving the customer.
func (s *Store) Release(ctx context.Context, location *models.JourneyLocation) error {
	return s.Unlock(ctx, location, location.StepID)
}

// MarkMessageSent records that the message of the current step went out.
func (s *Store) MarkMessageSent(ctx context.Context, location *models.JourneyLocation) error {
	err := s.repo.MarkMessageSent(ctx, location)
	if err != nil {
		return err
	}

	location.MessageSent = true

	return nil
}

// Get returns the location without locking it.
func (s *Store) Get(ctx context.Context, journeyID, customerID string) (*models.JourneyLocation, error) {
	return s.repo.Get(ctx, journeyID, customerID)
}

// Create enrolls one customer at the start step.
func (s *Store) Create(ctx context.Context, journey *models.Journey, customerID, startStepID string) (*models.JourneyLocation, error) {
	location := models.NewLocation(journey, customerID, startStepID, s.clock.Now())

	err := s.repo.Create(ctx, location)
	if err != nil {
		return nil, err
	}

	return location, nil
}

// CreateBulk enrolls many customers at the start step with a shared entry time.
func (s *Store) CreateBulk(
	ctx context.Context,
	journey *models.Journey,
	customerIDs []string,
	startStepID string,
) ([]*models.JourneyLocation, error) {
	if len(customerIDs) == 0 {
		return nil, nil
	}

	now := s.clock.Now()
	locations := make([]*models.JourneyLocation, 0, len(customerIDs))

	for _, customerID := range customerIDs {
		locations = append(locations, models.NewLocation(journey, customerID, startStepID, now))
	}

	err := s.repo.CreateBulk(ctx, locations)
	if err != nil {
		return nil, fmt.Errorf("failed to create %d locations: %w", len(locations), err)
	}

	return locations, nil
}

// Idle returns locations of the journey that have waited at least minAge and
// are not held by a live processor.
func (s *Store) Idle(ctx context.Context, journeyID string, minAge time.Duration) ([]*models.JourneyLocation, error) {
	now := s.clock.Now()

	return s.repo.ListIdle(ctx, journeyID, now.Add(-minAge), now.Add(-s.lockTimeout))
}

// ByCustomer returns every location of a customer.
func (s *Store) ByCustomer(ctx context.Context, customerID string) ([]*models.JourneyLocation, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}

// ByJourney returns every location in a journey.
func (s *Store) ByJourney(ctx context.Context, journeyID string) ([]*models.JourneyLocation, error) {
	return s.repo.ListByJourney(ctx, journeyID)
}
