// Package clock supplies the business calendar used by the ledger. All
// "today" decisions are made in the fleet's home timezone (Europe/London)
// and every entry point receives a Clock rather than reading system time.
package clock

import (
	"fmt"
	"time"
)

// DefaultZone is the business timezone for due-date and overdue decisions.
const DefaultZone = "Europe/London"

// DateLayout is the calendar date layout used in references and payloads.
const DateLayout = "2006-01-02"

// Clock reports the current instant in the business timezone.
type Clock interface {
	Now() time.Time
}

type zoneClock struct {
	loc *time.Location
}

func (c zoneClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// New returns a system clock pinned to the named zone.
func New(zone string) (Clock, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("clock: load location %q: %w", zone, err)
	}
	return zoneClock{loc: loc}, nil
}

// London returns the system clock for Europe/London, falling back to UTC
// when the tz database is unavailable.
func London() Clock {
	c, err := New(DefaultZone)
	if err != nil {
		return zoneClock{loc: time.UTC}
	}
	return c
}

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

// Fixed returns a clock frozen at t.
func Fixed(t time.Time) Clock {
	return fixedClock{at: t}
}

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

// Now implements Clock.
func (f Func) Now() time.Time { return f() }

// Today returns the calendar date of c.Now() in the clock's own zone.
func Today(c Clock) time.Time {
	if c == nil {
		c = London()
	}
	return DateOf(c.Now())
}

// DateOf strips the wall clock of t, returning its calendar date at
// midnight UTC. Dates compare correctly regardless of the zone they came from.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Date builds a calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// AddMonths moves a calendar date forward by n months, clamping the day to
// the last day of the target month (31 Jan + 1 month = 29 Feb in leap years).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}
