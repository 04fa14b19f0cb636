package coprocessor

import (
	"time"
)

// Deadline is the time budget of one request. It is computed once from a
// start instant and checked before every unit of work. time.Now carries a
// monotonic reading, so wall-clock jumps do not affect the comparison.
type Deadline struct {
	// tag identifies the request kind in the Outdated error
	tag string

	start    time.Time
	deadline time.Time
}

// DeadlineFromNow captures the current instant as the start time and sets the
// deadline to start + after.
func DeadlineFromNow(tag string, after time.Duration) Deadline {
	start := time.Now()
	return Deadline{
		tag:      tag,
		start:    start,
		deadline: start.Add(after),
	}
}

// Reset recomputes the deadline as the original start time plus after.
// Time already spent (queueing included) keeps counting against the budget.
func (d *Deadline) Reset(after time.Duration) {
	d.deadline = d.start.Add(after)
}

// CheckIfExceeded returns an OutdatedError once the deadline has passed.
// This is the sole admission check: every execution step calls it before
// doing work so an over-budget request fails cheaply.
func (d *Deadline) CheckIfExceeded() error {
	now := time.Now()
	if !now.Before(d.deadline) {
		return &OutdatedError{
			Elapsed: now.Sub(d.start),
			Tag:     d.tag,
		}
	}
	return nil
}

// Start returns the instant the budget started counting.
func (d *Deadline) Start() time.Time {
	return d.start
}
