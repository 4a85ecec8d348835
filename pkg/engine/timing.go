package engine

import (
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// dueAt returns the earliest instant a customer who entered step at entered
// can leave it, as seen at now. ok is false when only an event can move the
// customer, or when a window never opens again.
func (e *Engine) dueAt(step *models.Step, entered, now time.Time, tz *time.Location) (time.Time, bool, error) {
	switch meta := step.Metadata.(type) {
	case *models.TimeDelayMetadata:
		return meta.Delay.After(entered), true, nil
	case *models.TimeWindowMetadata:
		at, ok := meta.Window.NextOpening(now, tz)

		return at, ok, nil
	case *models.WaitUntilMetadata:
		var (
			earliest time.Time
			found    bool
		)

		for _, branch := range meta.Branches {
			at, ok := branchDue(branch, entered, now, tz)
			if !ok {
				continue
			}

			if !found || at.Before(earliest) {
				earliest, found = at, true
			}
		}

		return earliest, found, nil
	default:
		return now, true, nil
	}
}

func branchDue(branch models.WaitBranch, entered, now time.Time, tz *time.Location) (time.Time, bool) {
	if branch.Time == nil {
		return time.Time{}, false
	}

	switch {
	case branch.Time.Delay != nil:
		return branch.Time.Delay.After(entered), true
	case branch.Time.Window != nil:
		return branch.Time.Window.NextOpening(now, tz)
	default:
		return time.Time{}, false
	}
}
