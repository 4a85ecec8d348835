package memory_test

import (
	"context"
	"testing"

	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/memory"
	"github.com/dukex/journeys/pkg/persistence/persistencetest"
)

func TestPersistence(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) (persistence.Persistence, context.Context) {
		return memory.NewPersistence(), context.Background()
	})
}
