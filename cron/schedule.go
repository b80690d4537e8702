// Package cron wraps cron expression parsing and next-fire computation for
// recurring jobs. Expression parsing itself is delegated to robfig/cron;
// this package only pins down the accepted grammar and UTC semantics.
package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron expressions plus descriptors like
// "@hourly" and "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Schedule computes fire times for a recurring job.
type Schedule struct {
	expr  string
	inner cronlib.Schedule
}

// Parse validates expr and returns its Schedule.
func Parse(expr string) (*Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", expr, err)
	}
	return &Schedule{expr: expr, inner: s}, nil
}

// Validate reports whether expr is a well-formed cron expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Expr returns the original expression.
func (s *Schedule) Expr() string { return s.expr }

// Next returns the first fire time strictly after ref, in UTC.
func (s *Schedule) Next(ref time.Time) time.Time {
	return s.inner.Next(ref.UTC()).UTC()
}

// First returns the initial fire time for a schedule activated at start:
// start itself when it lands exactly on a boundary would be earlier than
// the next occurrence, so the next occurrence at or after start is used.
func (s *Schedule) First(start time.Time) time.Time {
	start = start.UTC()
	// cronlib.Next is strictly-after; step back one second so a start time
	// exactly on a boundary fires at that boundary.
	return s.inner.Next(start.Add(-time.Second)).UTC()
}

// NextAfter parses expr and returns the first fire time strictly after ref.
// Convenience for callers that do not retain a Schedule.
func NextAfter(expr string, ref time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(ref), nil
}
