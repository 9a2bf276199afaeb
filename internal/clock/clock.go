// Package clock provides calendar-day arithmetic in a fixed clinic timezone.
//
// All scheduling decisions in the engine are made on whole calendar days in the
// clinic's location, so "today" must be computed the same way everywhere.
package clock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTimezone is the clinic's IANA timezone.
	DefaultTimezone = "America/Los_Angeles"
	// DateLayout is the storage and wire format for calendar dates.
	DateLayout = "2006-01-02"
	// Day is the length of a nominal day.
	Day = 24 * time.Hour
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct {
	loc *time.Location
}

// System returns a Clock backed by time.Now in the given location.
func System(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return systemClock{loc: loc}
}

func (c systemClock) Now() time.Time { return time.Now().In(c.loc) }

// FixedClock is a manually driven Clock for tests and backfills.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// Fixed returns a FixedClock frozen at t.
func Fixed(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// LoadLocation resolves an IANA name, falling back to UTC when it is unknown.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("clock.LoadLocation: unknown timezone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// Today returns midnight of the clock's current day in the clock's location.
func Today(c Clock) time.Time {
	return DateOf(c.Now())
}

// DateOf truncates t to midnight in t's own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AddDays shifts t by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// DaysBetween counts whole calendar days from a to b using only their date
// components, so DST shifts and differing locations do not skew the result.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua) / Day)
}

// WeekStart returns the Monday of the ISO week containing t.
func WeekStart(t time.Time) time.Time {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return AddDays(DateOf(t), -(wd - 1))
}

// EndOfDay returns the last instant of t's calendar day.
func EndOfDay(t time.Time) time.Time {
	return AddDays(DateOf(t), 1).Add(-time.Nanosecond)
}

// ParseDate parses a YYYY-MM-DD string (or any string starting with one) as
// midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(s) < len(DateLayout) {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	t, err := time.ParseInLocation(DateLayout, s[:len(DateLayout)], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// MustDate parses a YYYY-MM-DD literal in UTC and panics on error. Intended for
// tests and static tables.
func MustDate(s string) time.Time {
	t, err := ParseDate(s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

// FormatDate renders t as YYYY-MM-DD, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}
