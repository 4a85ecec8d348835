package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJourney_Lifecycle(t *testing.T) {
	j := &Journey{}
	assert.True(t, j.IsEditable())
	assert.False(t, j.CanEnroll())
	assert.True(t, j.CanAdvance())

	j.IsActive = true
	assert.False(t, j.IsEditable())
	assert.True(t, j.CanEnroll())

	j.IsPaused = true
	assert.False(t, j.CanEnroll())
	assert.True(t, j.CanAdvance())

	j.IsStopped = true
	assert.False(t, j.CanAdvance())
}

func TestJourney_Validation(t *testing.T) {
	validate := validator.New()

	err := validate.Struct(&Journey{WorkspaceID: "ws", Name: "Welcome"})
	require.NoError(t, err)

	err = validate.Struct(&Journey{WorkspaceID: "ws"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Name")
}

func TestStep_UnmarshalJSON(t *testing.T) {
	raw := `{
		"id": "wait",
		"journey_id": "j1",
		"type": "wait_until_branch",
		"metadata": {
			"branches": [
				{"index": 0, "destination": "a", "event": {"name": "purchase", "expression": "event.total > 10"}},
				{"index": 1, "destination": "b", "time": {"delay": {"days": 2}}}
			]
		}
	}`

	var step Step
	require.NoError(t, json.Unmarshal([]byte(raw), &step))

	assert.Equal(t, StepTypeWaitUntil, step.Type)
	assert.Equal(t, []string{"a", "b"}, step.Destinations())

	meta, ok := step.Metadata.(*WaitUntilMetadata)
	require.True(t, ok)

	branch, ok := meta.Branch(1)
	require.True(t, ok)
	require.NotNil(t, branch.Time)
	assert.Equal(t, 2, branch.Time.Delay.Days)

	encoded, err := json.Marshal(step)
	require.NoError(t, err)

	var again Step
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.Equal(t, step, again)
}

func TestStep_UnmarshalJSON_UnknownType(t *testing.T) {
	var step Step
	err := json.Unmarshal([]byte(`{"id":"x","type":"teleport"}`), &step)
	require.ErrorIs(t, err, ErrUnknownStepType)
}

func TestStepType_IsTimeGated(t *testing.T) {
	gated := map[StepType]bool{
		StepTypeTimeDelay:  true,
		StepTypeTimeWindow: true,
		StepTypeWaitUntil:  true,
	}

	for _, stepType := range StepTypes {
		assert.Equal(t, gated[stepType], stepType.IsTimeGated(), stepType)
	}

	assert.True(t, StepTypeExit.IsTerminal())
	assert.False(t, StepType("bogus").Valid())
}

func TestDelay_After(t *testing.T) {
	start := time.Date(2024, time.January, 31, 10, 0, 0, 0, time.UTC)

	got := Delay{Months: 1, Days: 1, Hours: 2, Minutes: 30}.After(start)
	assert.Equal(t, time.Date(2024, time.March, 3, 12, 30, 0, 0, time.UTC), got)

	got = Delay{Weeks: 1}.After(start)
	assert.Equal(t, time.Date(2024, time.February, 7, 10, 0, 0, 0, time.UTC), got)

	require.ErrorIs(t, Delay{}.Validate(), ErrEmptyDelay)
	require.ErrorIs(t, Delay{Hours: -1}.Validate(), ErrEmptyDelay)
	require.NoError(t, Delay{Minutes: 5}.Validate())
}

func TestTimeWindow_Fixed(t *testing.T) {
	from := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)
	window := TimeWindow{From: &from, To: &to}

	require.NoError(t, window.Validate())
	assert.False(t, window.Contains(from.Add(-time.Second), nil))
	assert.True(t, window.Contains(from, nil))
	assert.False(t, window.Contains(to, nil))

	next, ok := window.NextOpening(from.Add(-time.Hour), nil)
	require.True(t, ok)
	assert.Equal(t, from, next)

	_, ok = window.NextOpening(to, nil)
	assert.False(t, ok)
}

func TestTimeWindow_Weekly(t *testing.T) {
	// Mondays and Wednesdays, 09:00-17:00 New York time.
	days := [7]bool{false, true, false, true, false, false, false}
	window := TimeWindow{OnDays: &days, FromTime: "09:00", ToTime: "17:00"}
	require.NoError(t, window.Validate())

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	monday := time.Date(2024, time.June, 3, 10, 0, 0, 0, ny)
	assert.True(t, window.Contains(monday, ny))
	assert.False(t, window.Contains(monday.Add(7*time.Hour), ny))

	tuesday := time.Date(2024, time.June, 4, 10, 0, 0, 0, ny)
	assert.False(t, window.Contains(tuesday, ny))

	next, ok := window.NextOpening(tuesday, ny)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2024, time.June, 5, 9, 0, 0, 0, ny)))

	// 14:00 UTC is 10:00 in New York.
	assert.True(t, window.Contains(time.Date(2024, time.June, 3, 14, 0, 0, 0, time.UTC), ny))
}

func TestTimeWindow_Invalid(t *testing.T) {
	days := [7]bool{true}
	assert.ErrorIs(t, TimeWindow{OnDays: &days, FromTime: "18:00", ToTime: "09:00"}.Validate(), ErrInvalidWindow)
	assert.ErrorIs(t, TimeWindow{OnDays: &days, FromTime: "9am", ToTime: "17:00"}.Validate(), ErrInvalidWindow)
	assert.ErrorIs(t, TimeWindow{}.Validate(), ErrInvalidWindow)
}

func TestNewLocation(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	loc := NewLocation(&Journey{ID: "j", WorkspaceID: "ws"}, "c", "start", now)

	assert.Equal(t, now.UnixMilli(), loc.StepEntry)
	assert.Equal(t, loc.StepEntry, loc.JourneyEntry)
	assert.False(t, loc.IsLocked())

	ms := now.Add(-time.Hour).UnixMilli()
	loc.MoveStarted = &ms
	assert.True(t, loc.IsStale(now.Add(-time.Minute)))
	assert.False(t, loc.IsStale(now.Add(-2*time.Hour)))
}
