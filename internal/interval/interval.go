// Package interval maps a symbolic granularity onto bucket arithmetic:
// truncating an instant to the start of its containing bucket and
// stepping between adjacent buckets. Minute, hour, day, and week
// buckets are fixed-duration; month buckets are calendar-variable and
// must never be approximated with a fixed width.
package interval

import (
	"errors"
	"fmt"
	"time"
)

// Granularity is a symbolic bucket width.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
	Week   Granularity = "week"
	Month  Granularity = "month"
)

// ErrUnsupportedGranularity is returned for any granularity outside the
// closed set above.
var ErrUnsupportedGranularity = errors.New("unsupported granularity")

// Calendar converts instants to buckets for one granularity.
type Calendar struct {
	gran Granularity
}

// New returns a Calendar for the given granularity, or
// ErrUnsupportedGranularity.
func New(g Granularity) (Calendar, error) {
	switch g {
	case Minute, Hour, Day, Week, Month:
		return Calendar{gran: g}, nil
	default:
		return Calendar{}, fmt.Errorf("%w: %q", ErrUnsupportedGranularity, string(g))
	}
}

// Granularity returns the calendar's granularity symbol.
func (c Calendar) Granularity() Granularity { return c.gran }

// Truncate maps an instant to the start of its containing bucket, in UTC.
// Weeks start on Monday.
func (c Calendar) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch c.gran {
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Monday = 0 ... Sunday = 6.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the start of the bucket after the one starting at t.
// Month steps use calendar arithmetic so a 28-day February and a 31-day
// March land on the first of the month either way.
func (c Calendar) Next(t time.Time) time.Time {
	switch c.gran {
	case Minute:
		return t.Add(time.Minute)
	case Hour:
		return t.Add(time.Hour)
	case Day:
		return t.AddDate(0, 0, 1)
	case Week:
		return t.AddDate(0, 0, 7)
	case Month:
		return t.AddDate(0, 1, 0)
	}
	return t
}

// Prev returns the start of the bucket before the one starting at t.
func (c Calendar) Prev(t time.Time) time.Time {
	switch c.gran {
	case Minute:
		return t.Add(-time.Minute)
	case Hour:
		return t.Add(-time.Hour)
	case Day:
		return t.AddDate(0, 0, -1)
	case Week:
		return t.AddDate(0, 0, -7)
	case Month:
		return t.AddDate(0, -1, 0)
	}
	return t
}

// Buckets returns every bucket start in [from, to] inclusive, ascending.
// Both bounds are truncated first.
func (c Calendar) Buckets(from, to time.Time) []time.Time {
	start := c.Truncate(from)
	end := c.Truncate(to)
	var out []time.Time
	for b := start; !b.After(end); b = c.Next(b) {
		out = append(out, b)
	}
	return out
}
