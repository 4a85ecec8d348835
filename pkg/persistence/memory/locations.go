package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

type locationRepository struct {
	p *Persistence
}

func keyOf(location *models.JourneyLocation) locationKey {
	return locationKey{journeyID: location.JourneyID, customerID: location.CustomerID}
}

func (r *locationRepository) Create(ctx context.Context, location *models.JourneyLocation) error {
	return r.CreateBulk(ctx, []*models.JourneyLocation{location})
}

func (r *locationRepository) CreateBulk(ctx context.Context, locations []*models.JourneyLocation) error {
	d, release := r.p.view(ctx)
	defer release()

	for _, location := range locations {
		if _, exists := d.locations[keyOf(location)]; exists {
			return persistence.NewLocationError("Create", location.JourneyID, location.CustomerID, persistence.ErrLocationExists)
		}
	}

	for _, location := range locations {
		d.locations[keyOf(location)] = *location
	}

	return nil
}

func (r *locationRepository) Get(ctx context.Context, journeyID, customerID string) (*models.JourneyLocation, error) {
	d, release := r.p.view(ctx)
	defer release()

	location, ok := d.locations[locationKey{journeyID, customerID}]
	if !ok {
		return nil, persistence.NewLocationError("Get", journeyID, customerID, persistence.ErrLocationNotFound)
	}

	return &location, nil
}

func (r *locationRepository) Acquire(
	ctx context.Context,
	journeyID, customerID, token string,
	now, staleBefore time.Time,
) (*models.JourneyLocation, error) {
	d, release := r.p.view(ctx)
	defer release()

	key := locationKey{journeyID, customerID}

	location, ok := d.locations[key]
	if !ok {
		return nil, persistence.NewLocationError("Acquire", journeyID, customerID, persistence.ErrLocationNotFound)
	}

	if location.IsLocked() && !location.IsStale(staleBefore) {
		return nil, persistence.NewLocationError("Acquire", journeyID, customerID, persistence.ErrAlreadyLocked)
	}

	started := now.UnixMilli()
	location.MoveStarted = &started
	location.LockToken = token
	d.locations[key] = location

	return &location, nil
}

func (r *locationRepository) Unlock(ctx context.Context, held *models.JourneyLocation, stepID string, now time.Time) error {
	d, release := r.p.view(ctx)
	defer release()

	key := keyOf(held)

	location, ok := d.locations[key]
	if !ok {
		return persistence.NewLocationError("Unlock", held.JourneyID, held.CustomerID, persistence.ErrLocationNotFound)
	}

	if location.LockToken != held.LockToken || !location.IsLocked() {
		return persistence.NewLocationError("Unlock", held.JourneyID, held.CustomerID, persistence.ErrLockLost)
	}

	if location.StepID != stepID {
		location.StepID = stepID
		location.StepEntry = now.UnixMilli()
		location.StepEntryAt = time.UnixMilli(location.StepEntry).UTC()
		location.MessageSent = false
	}

	location.MoveStarted = nil
	location.LockToken = ""
	d.locations[key] = location

	return nil
}

func (r *locationRepository) MarkMessageSent(ctx context.Context, held *models.JourneyLocation) error {
	d, release := r.p.view(ctx)
	defer release()

	key := keyOf(held)

	location, ok := d.locations[key]
	if !ok || location.LockToken != held.LockToken {
		return persistence.NewLocationError("MarkMessageSent", held.JourneyID, held.CustomerID, persistence.ErrLockLost)
	}

	location.MessageSent = true
	d.locations[key] = location

	return nil
}

func (r *locationRepository) ListByCustomer(ctx context.Context, customerID string) ([]*models.JourneyLocation, error) {
	return r.filter(ctx, func(l *models.JourneyLocation) bool {
		return l.CustomerID == customerID
	}), nil
}

func (r *locationRepository) ListByJourney(ctx context.Context, journeyID string) ([]*models.JourneyLocation, error) {
	return r.filter(ctx, func(l *models.JourneyLocation) bool {
		return l.JourneyID == journeyID
	}), nil
}

func (r *locationRepository) ListIdle(
	ctx context.Context,
	journeyID string,
	enteredBefore, staleBefore time.Time,
) ([]*models.JourneyLocation, error) {
	return r.filter(ctx, func(l *models.JourneyLocation) bool {
		return l.JourneyID == journeyID &&
			l.StepEntry < enteredBefore.UnixMilli() &&
			(!l.IsLocked() || l.IsStale(staleBefore))
	}), nil
}

func (r *locationRepository) filter(ctx context.Context, keep func(*models.JourneyLocation) bool) []*models.JourneyLocation {
	d, release := r.p.view(ctx)
	defer release()

	locations := make([]*models.JourneyLocation, 0)

	for _, location := range d.locations {
		if keep(&location) {
			locations = append(locations, &location)
		}
	}

	slices.SortFunc(locations, func(a, b *models.JourneyLocation) int {
		return cmp.Or(cmp.Compare(a.JourneyID, b.JourneyID), cmp.Compare(a.CustomerID, b.CustomerID))
	})

	return locations
}
