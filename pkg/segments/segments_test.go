package segments

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence/memory"
	"github.com/dukex/journeys/pkg/testutil"
)

func TestEvaluator_Bool(t *testing.T) {
	evaluator := NewEvaluator()
	customer := testutil.CreateTestCustomer("ws", testutil.WithAttributes(map[string]any{
		"plan": "pro",
		"age":  34,
		"tags": []any{"beta", "vip"},
	}))

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"attribute equality", `attributes.plan == "pro"`, true},
		{"numeric comparison", `attributes.age >= 18 && attributes.age < 30`, false},
		{"membership", `"vip" in attributes.tags`, true},
		{"missing attribute", `attributes.country == "BR"`, false},
		{"top level field", `email endsWith "@example.com"`, true},
		{"literal", `true`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Bool(tt.expression, CustomerEnv(customer, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_Errors(t *testing.T) {
	evaluator := NewEvaluator()
	env := CustomerEnv(testutil.CreateTestCustomer("ws"), nil)

	_, err := evaluator.Bool("", env)
	require.ErrorIs(t, err, ErrEmptyExpression)

	_, err = evaluator.Bool(`attributes.plan ==`, env)
	require.Error(t, err)

	_, err = evaluator.Bool(`"not a bool"`, env)
	require.ErrorIs(t, err, ErrNotBoolean)
}

func TestEvaluator_EventEnv(t *testing.T) {
	evaluator := NewEvaluator()
	customer := testutil.CreateTestCustomer("ws")
	event := &models.CustomerEvent{
		Name:      "purchase",
		Payload:   map[string]any{"total": 120.0, "currency": "EUR"},
		Timestamp: time.Now(),
	}

	ok, err := evaluator.Bool(`event.name == "purchase" && event.payload.total > 100`, CustomerEnv(customer, event))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluator_Concurrent(t *testing.T) {
	evaluator := NewEvaluator()
	env := CustomerEnv(testutil.CreateTestCustomer("ws", testutil.WithAttributes(map[string]any{"n": 3})), nil)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, err := evaluator.Bool(`attributes.n == 3`, env)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}

	wg.Wait()
	assert.Len(t, evaluator.cache, 1)
}

func TestExprOracle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	pro := testutil.CreateTestCustomer("ws", testutil.WithAttributes(map[string]any{"plan": "pro"}))
	free := testutil.CreateTestCustomer("ws", testutil.WithAttributes(map[string]any{"plan": "free"}))
	other := testutil.CreateTestCustomer("other", testutil.WithAttributes(map[string]any{"plan": "pro"}))

	for _, c := range []*models.Customer{pro, free, other} {
		require.NoError(t, store.Customers().Save(ctx, c))
	}

	oracle := NewExprOracle(store.Customers(), nil, slog.Default())
	criteria := &models.InclusionCriteria{Expression: `attributes.plan == "pro"`}

	matching, err := oracle.FindMatching(ctx, "ws", criteria)
	require.NoError(t, err)
	require.Len(t, matching, 1)
	assert.Equal(t, pro.ID, matching[0].ID)

	ok, err := oracle.Matches(ctx, criteria, free)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = oracle.Matches(ctx, nil, pro)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = oracle.FindMatching(ctx, "ws", &models.InclusionCriteria{Expression: "plan =="})
	require.Error(t, err)
}
