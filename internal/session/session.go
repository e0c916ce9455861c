// Package session computes the daily trading-session boundary used to reset
// session-anchored indicators such as VWAP. Crypto futures trade around the
// clock, so a "day" is just a fixed wall-clock cut in a given location.
package session

import (
	"fmt"
	"time"
)

// Boundary is a daily reset point: Hour:Minute in Location.
type Boundary struct {
	Location *time.Location
	Hour     int
	Minute   int
}

// UTC returns a boundary at hour:00 UTC.
func UTC(hour int) Boundary {
	return Boundary{Location: time.UTC, Hour: hour}
}

// Validate checks the boundary fields.
func (b Boundary) Validate() error {
	if b.Hour < 0 || b.Hour > 23 || b.Minute < 0 || b.Minute > 59 {
		return fmt.Errorf("session boundary %02d:%02d out of range", b.Hour, b.Minute)
	}
	return nil
}

func (b Boundary) loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// Start returns the most recent boundary at or before t.
func (b Boundary) Start(t time.Time) time.Time {
	lt := t.In(b.loc())
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), b.Hour, b.Minute, 0, 0, b.loc())
	if lt.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// Same reports whether a and c fall in the same session.
func (b Boundary) Same(a, c time.Time) bool {
	return b.Start(a).Equal(b.Start(c))
}
