// Package calendar does day arithmetic in the engine's single reference
// timezone. Every day boundary in the engine (accrual day counts, unlock
// dates, run dates) goes through a Calendar so that no component ever
// compares calendar days in the host's local zone.
package calendar

import (
	"fmt"
	"time"
)

// DayLayout is the wire and storage format of a calendar day key.
const DayLayout = "2006-01-02"

// Clock returns the current instant. Injected everywhere the engine needs
// "now" so tests can pin it.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Calendar converts instants into calendar days of one fixed location.
type Calendar struct {
	loc *time.Location
}

// New returns a Calendar for loc. A nil loc means UTC.
func New(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Load returns a Calendar for an IANA zone name such as "America/Sao_Paulo".
func Load(name string) (Calendar, error) {
	if name == "" {
		return New(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Calendar{}, fmt.Errorf("calendar: load location %q: %w", name, err)
	}
	return New(loc), nil
}

// Location returns the reference timezone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// StartOfDay returns midnight of t's calendar day in the reference timezone.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(c.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.Location())
}

// AddDays moves a day boundary by n calendar days. DST transitions do not
// shift the result off midnight.
func (c Calendar) AddDays(day time.Time, n int) time.Time {
	y, m, d := day.In(c.Location()).Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, c.Location())
}

// DaysBetween returns the number of whole calendar days from the day of
// `from` to the day of `to`. Negative when to is earlier.
func (c Calendar) DaysBetween(from, to time.Time) int {
	fy, fm, fd := from.In(c.Location()).Date()
	ty, tm, td := to.In(c.Location()).Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// ElapsedDays returns the number of whole days that have passed from the
// instant since to the instant at, floored. A day is a calendar day of the
// reference timezone, so a 23 or 25 hour DST day still counts as one.
// Negative when at is earlier than since.
func (c Calendar) ElapsedDays(since, at time.Time) int {
	n := c.DaysBetween(since, at)
	if at.Sub(c.StartOfDay(at)) < since.Sub(c.StartOfDay(since)) {
		n--
	}
	return n
}

// Key formats t's calendar day as YYYY-MM-DD.
func (c Calendar) Key(t time.Time) string {
	return t.In(c.Location()).Format(DayLayout)
}

// Parse reads a YYYY-MM-DD key as midnight in the reference timezone.
func (c Calendar) Parse(key string) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, key, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar: parse day %q: %w", key, err)
	}
	return t, nil
}

// Today returns the start of the current day according to clock.
func (c Calendar) Today(clock Clock) time.Time {
	if clock == nil {
		clock = SystemClock
	}
	return c.StartOfDay(clock())
}
