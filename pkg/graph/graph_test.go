package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/models"
)

func start(id, destination string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeStart, Metadata: &models.StartMetadata{Destination: destination}}
}

func message(id, destination string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeMessage, Metadata: &models.MessageMetadata{
		Destination: destination,
		Channel:     models.ChannelLog,
		TemplateID:  "tpl",
	}}
}

func loop(id, destination string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeLoop, Metadata: &models.LoopMetadata{Destination: destination}}
}

func exit(id string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeExit, Metadata: &models.ExitMetadata{}}
}

func split(id string, destinations ...string) *models.Step {
	branches := make([]models.SplitBranch, 0, len(destinations))
	for i, destination := range destinations {
		branches = append(branches, models.SplitBranch{Index: i, Destination: destination, Default: i == len(destinations)-1})
	}

	return &models.Step{ID: id, Type: models.StepTypeMultisplit, Metadata: &models.MultisplitMetadata{Branches: branches}}
}

func TestBuild_Linear(t *testing.T) {
	g, err := Build([]*models.Step{start("s", "m"), message("m", "x"), exit("x")})
	require.NoError(t, err)

	assert.Equal(t, "s", g.Start().ID)
	assert.True(t, g.IsAcyclic())
	assert.Equal(t, map[string]int{"s": 1, "m": 2, "x": 3}, g.Depths())
	assert.Len(t, g.Steps(), 3)
	assert.Equal(t, []Edge{{From: "m", To: "x"}}, g.Edges("m"))
}

func TestBuild_ArityErrors(t *testing.T) {
	tests := []struct {
		name  string
		steps []*models.Step
		want  error
	}{
		{
			name:  "start without destination",
			steps: []*models.Step{start("s", ""), exit("x")},
			want:  ErrInvalidArity,
		},
		{
			name: "exit with destination",
			steps: []*models.Step{start("s", "x"), {
				ID: "x", Type: models.StepTypeExit, Metadata: &models.LoopMetadata{Destination: "s"},
			}},
			want: ErrInvalidArity,
		},
		{
			name:  "split without branches",
			steps: []*models.Step{start("s", "b"), split("b")},
			want:  ErrInvalidArity,
		},
		{
			name:  "split branch without destination",
			steps: []*models.Step{start("s", "b"), split("b", "x", ""), exit("x")},
			want:  ErrInvalidArity,
		},
		{
			name:  "unknown destination",
			steps: []*models.Step{start("s", "nowhere")},
			want:  ErrMissingDestination,
		},
		{
			name:  "no start",
			steps: []*models.Step{exit("x")},
			want:  ErrStartStep,
		},
		{
			name:  "two starts",
			steps: []*models.Step{start("s1", "x"), start("s2", "x"), exit("x")},
			want:  ErrStartStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.steps)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestIsAcyclic_DetectsCycle(t *testing.T) {
	g, err := Build([]*models.Step{start("s", "a"), message("a", "b"), message("b", "a")})
	require.NoError(t, err)

	assert.False(t, g.IsAcyclic())
}

func TestIsAcyclic_IgnoresLoopEdges(t *testing.T) {
	g, err := Build([]*models.Step{start("s", "a"), split("a", "l", "x"), loop("l", "a"), exit("x")})
	require.NoError(t, err)

	assert.True(t, g.IsAcyclic())
	assert.Equal(t, []Edge{{From: "l", To: "a", Loop: true}}, g.Edges("l"))
}

func TestIsAcyclic_Diamond(t *testing.T) {
	g, err := Build([]*models.Step{
		start("s", "a"),
		split("a", "b", "c"),
		message("b", "d"),
		message("c", "d"),
		exit("d"),
	})
	require.NoError(t, err)

	assert.True(t, g.IsAcyclic())
	assert.Equal(t, 4, g.Depths()["d"])
}
