package segments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

// Oracle answers segment membership questions for inclusion criteria.
type Oracle interface {
	Matches(ctx context.Context, criteria *models.InclusionCriteria, customer *models.Customer) (bool, error)
	FindMatching(ctx context.Context, workspaceID string, criteria *models.InclusionCriteria) ([]*models.Customer, error)
}

// ExprOracle evaluates criteria expressions against stored customers.
type ExprOracle struct {
	customers persistence.CustomerRepository
	evaluator *Evaluator
	logger    *slog.Logger
}

func NewExprOracle(customers persistence.CustomerRepository, evaluator *Evaluator, logger *slog.Logger) *ExprOracle {
	if evaluator == nil {
		evaluator = NewEvaluator()
	}

	return &ExprOracle{
		customers: customers,
		evaluator: evaluator,
		logger:    logger.With("module", "segments"),
	}
}

// Matches reports whether customer satisfies criteria. Missing criteria match nobody.
func (o *ExprOracle) Matches(_ context.Context, criteria *models.InclusionCriteria, customer *models.Customer) (bool, error) {
	if criteria == nil || criteria.Expression == "" {
		return false, nil
	}

	return o.evaluator.Bool(criteria.Expression, CustomerEnv(customer, nil))
}

// FindMatching returns the customers of a workspace that satisfy criteria.
// Customers whose attributes make the expression fail are skipped.
func (o *ExprOracle) FindMatching(ctx context.Context, workspaceID string, criteria *models.InclusionCriteria) ([]*models.Customer, error) {
	if criteria == nil || criteria.Expression == "" {
		return []*models.Customer{}, nil
	}

	err := o.evaluator.Compile(criteria.Expression)
	if err != nil {
		return nil, err
	}

	customers, err := o.customers.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}

	matching := make([]*models.Customer, 0, len(customers))

	for _, customer := range customers {
		ok, err := o.evaluator.Bool(criteria.Expression, CustomerEnv(customer, nil))
		if err != nil {
			o.logger.WarnContext(ctx, "skipping customer, criteria evaluation failed",
				"customer_id", customer.ID, "error", err)

			continue
		}

		if ok {
			matching = append(matching, customer)
		}
	}

	return matching, nil
}
