package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/segments"
)

// pickSplit returns the destination of the first branch, by index, whose
// expression matches; the default branch catches everyone else.
func (e *Engine) pickSplit(
	ctx context.Context,
	branches []models.SplitBranch,
	customer *models.Customer,
	event *models.CustomerEvent,
) (string, error) {
	ordered := slices.Clone(branches)
	slices.SortFunc(ordered, func(a, b models.SplitBranch) int { return cmp.Compare(a.Index, b.Index) })

	env := segments.CustomerEnv(customer, event)
	fallback := ""

	for _, branch := range ordered {
		if branch.Default {
			fallback = branch.Destination

			continue
		}

		ok, err := e.evaluator.Bool(branch.Expression, env)
		if err != nil {
			e.logger.WarnContext(ctx, "split branch expression failed, skipping branch",
				"branch", branch.Index, "customer_id", customer.ID, "error", err)

			continue
		}

		if ok {
			return branch.Destination, nil
		}
	}

	if fallback == "" {
		return "", fmt.Errorf("%w for customer %s and no default branch", ErrNoBranch, customer.ID)
	}

	return fallback, nil
}

// pickExperiment draws a branch with probability proportional to its ratio.
// When no ratio is positive every branch is equally likely.
func (e *Engine) pickExperiment(branches []models.ExperimentBranch) string {
	if len(branches) == 0 {
		return ""
	}

	var total float64

	for _, branch := range branches {
		total += max(branch.Ratio, 0)
	}

	draw := e.float64()

	if total == 0 {
		return branches[int(draw*float64(len(branches)))%len(branches)].Destination
	}

	target := draw * total

	for _, branch := range branches {
		target -= max(branch.Ratio, 0)
		if target < 0 {
			return branch.Destination
		}
	}

	return branches[len(branches)-1].Destination
}
