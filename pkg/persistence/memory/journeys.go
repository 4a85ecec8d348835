package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

type journeyRepository struct {
	p *Persistence
}

func (r *journeyRepository) Save(ctx context.Context, journey *models.Journey) error {
	d, release := r.p.view(ctx)
	defer release()

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

	d.journeys[journey.ID] = *journey

	return nil
}

func (r *journeyRepository) GetByID(ctx context.Context, id string) (*models.Journey, error) {
	d, release := r.p.view(ctx)
	defer release()

	journey, ok := d.journeys[id]
	if !ok {
		return nil, persistence.NewJourneyError("GetByID", id, persistence.ErrJourneyNotFound)
	}

	return &journey, nil
}

func (r *journeyRepository) List(ctx context.Context, workspaceID string) ([]*models.Journey, error) {
	return r.filter(ctx, func(j *models.Journey) bool {
		return j.WorkspaceID == workspaceID && !j.IsDeleted
	}), nil
}

func (r *journeyRepository) ListActive(ctx context.Context, workspaceID string) ([]*models.Journey, error) {
	return r.filter(ctx, func(j *models.Journey) bool {
		return (workspaceID == "" || j.WorkspaceID == workspaceID) && j.IsActive && j.CanAdvance()
	}), nil
}

func (r *journeyRepository) filter(ctx context.Context, keep func(*models.Journey) bool) []*models.Journey {
	d, release := r.p.view(ctx)
	defer release()

	journeys := make([]*models.Journey, 0)

	for _, journey := range d.journeys {
		if keep(&journey) {
			journeys = append(journeys, &journey)
		}
	}

	slices.SortFunc(journeys, func(a, b *models.Journey) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return journeys
}

type stepRepository struct {
	p *Persistence
}

func (r *stepRepository) GetByID(ctx context.Context, id string) (*models.Step, error) {
	d, release := r.p.view(ctx)
	defer release()

	step, ok := d.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, persistence.ErrStepNotFound)
	}

	return &step, nil
}

func (r *stepRepository) ListByJourney(ctx context.Context, journeyID string) ([]*models.Step, error) {
	d, release := r.p.view(ctx)
	defer release()

	ids := d.stepOrder[journeyID]
	steps := make([]*models.Step, 0, len(ids))

	for _, id := range ids {
		step := d.steps[id]
		steps = append(steps, &step)
	}

	return steps, nil
}

func (r *stepRepository) Replace(ctx context.Context, journeyID string, steps []*models.Step) error {
	d, release := r.p.view(ctx)
	defer release()

	for _, id := range d.stepOrder[journeyID] {
		delete(d.steps, id)
	}

	ids := make([]string, 0, len(steps))

	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}

		step.JourneyID = journeyID
		d.steps[step.ID] = *step
		ids = append(ids, step.ID)
	}

	d.stepOrder[journeyID] = ids

	return nil
}
