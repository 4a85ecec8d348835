package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidWindow = errors.New("invalid time window")
	ErrEmptyDelay    = errors.New("delay must be positive")
)

// Delay is a calendar-aware duration.
type Delay struct {
	Years   int `json:"years,omitempty"`
	Months  int `json:"months,omitempty"`
	Weeks   int `json:"weeks,omitempty"`
	Days    int `json:"days,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`
}

// After returns the instant the delay elapses when started at t.
func (d Delay) After(t time.Time) time.Time {
	return t.AddDate(d.Years, d.Months, d.Weeks*7+d.Days).
		Add(time.Duration(d.Hours)*time.Hour + time.Duration(d.Minutes)*time.Minute)
}

// IsZero reports whether the delay has no components.
func (d Delay) IsZero() bool {
	return d == Delay{}
}

// Validate rejects negative or empty delays.
func (d Delay) Validate() error {
	if d.Years < 0 || d.Months < 0 || d.Weeks < 0 || d.Days < 0 || d.Hours < 0 || d.Minutes < 0 {
		return fmt.Errorf("%w: negative component", ErrEmptyDelay)
	}

	if d.IsZero() {
		return ErrEmptyDelay
	}

	return nil
}

const clockLayout = "15:04"

// TimeWindow is either a fixed interval [From, To) or a weekly schedule.
// A weekly schedule opens on the days flagged in OnDays (Sunday first)
// between FromTime and ToTime, in the workspace time zone.
type TimeWindow struct {
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	OnDays   *[7]bool   `json:"on_days,omitempty"`
	FromTime string     `json:"from_time,omitempty"`
	ToTime   string     `json:"to_time,omitempty"`
}

// IsWeekly reports whether the window is a recurring weekly schedule.
func (w TimeWindow) IsWeekly() bool {
	return w.OnDays != nil
}

// Validate checks that the window is well formed.
func (w TimeWindow) Validate() error {
	if !w.IsWeekly() {
		if w.From == nil && w.To == nil {
			return fmt.Errorf("%w: neither bound set", ErrInvalidWindow)
		}

		if w.From != nil && w.To != nil && !w.To.After(*w.From) {
			return fmt.Errorf("%w: to must be after from", ErrInvalidWindow)
		}

		return nil
	}

	from, to, err := w.clock()
	if err != nil {
		return err
	}

	if to <= from {
		return fmt.Errorf("%w: to_time must be after from_time", ErrInvalidWindow)
	}

	return nil
}

// clock returns the weekly bounds as offsets from midnight.
func (w TimeWindow) clock() (time.Duration, time.Duration, error) {
	from, err := time.Parse(clockLayout, w.FromTime)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: from_time %q", ErrInvalidWindow, w.FromTime)
	}

	to, err := time.Parse(clockLayout, w.ToTime)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: to_time %q", ErrInvalidWindow, w.ToTime)
	}

	return sinceMidnight(from), sinceMidnight(to), nil
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Contains reports whether now falls inside the window. Weekly windows are
// evaluated in loc; a nil loc means UTC.
func (w TimeWindow) Contains(now time.Time, loc *time.Location) bool {
	if !w.IsWeekly() {
		if w.From != nil && now.Before(*w.From) {
			return false
		}

		if w.To != nil && !now.Before(*w.To) {
			return false
		}

		return true
	}

	from, to, err := w.clock()
	if err != nil {
		return false
	}

	local := now.In(orUTC(loc))
	if !w.OnDays[local.Weekday()] {
		return false
	}

	offset := local.Sub(midnight(local))

	return offset >= from && offset < to
}

// NextOpening returns the earliest instant at or after now when the window
// is open. ok is false when the window never opens again.
func (w TimeWindow) NextOpening(now time.Time, loc *time.Location) (time.Time, bool) {
	if w.Contains(now, loc) {
		return now, true
	}

	if !w.IsWeekly() {
		if w.From != nil && now.Before(*w.From) {
			return *w.From, true
		}

		return time.Time{}, false
	}

	from, _, err := w.clock()
	if err != nil {
		return time.Time{}, false
	}

	local := now.In(orUTC(loc))
	day := midnight(local)

	for i := 0; i <= 7; i++ {
		candidate := midnight(day.AddDate(0, 0, i)).Add(from)
		if !w.OnDays[candidate.Weekday()] || !candidate.After(local) {
			continue
		}

		return candidate, true
	}

	return time.Time{}, false
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}

	return loc
}
