// Package turnclock computes elapsed and remaining time for a speaking turn.
package turnclock

import (
	"fmt"
	"time"
)

// DefaultBudget is the speaking time granted to each turn.
const DefaultBudget = 120 * time.Second

// TurnClock holds the timing state of one active turn. The zero value is not started.
type TurnClock struct {
	StartTime time.Time
	PauseTime *time.Time
	Budget    time.Duration
}

// New starts a clock at start with the given budget. A non-positive budget falls back to DefaultBudget.
func New(start time.Time, budget time.Duration) TurnClock {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return TurnClock{StartTime: start, Budget: budget}
}

// Paused reports whether a pause is recorded.
func (c TurnClock) Paused() bool {
	return c.PauseTime != nil
}

// Elapsed returns speaking time consumed so far. Time spent paused does not count.
func (c TurnClock) Elapsed(now time.Time) time.Duration {
	ref := now
	if c.PauseTime != nil {
		ref = *c.PauseTime
	}
	elapsed := ref.Sub(c.StartTime)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining returns the unused budget, never negative.
func (c TurnClock) Remaining(now time.Time) time.Duration {
	remaining := c.Budget - c.Elapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingSeconds returns Remaining truncated to whole seconds.
func (c TurnClock) RemainingSeconds(now time.Time) int {
	return int(c.Remaining(now) / time.Second)
}

// Expired reports whether an unpaused turn has used its whole budget.
func (c TurnClock) Expired(now time.Time) bool {
	return c.PauseTime == nil && c.Elapsed(now) >= c.Budget
}

// Pause records now as the pause time. Pausing twice keeps the first pause.
func (c *TurnClock) Pause(now time.Time) {
	if c.PauseTime != nil {
		return
	}
	t := now
	c.PauseTime = &t
}

// Resume shifts StartTime forward by the paused duration so the remaining budget
// is exactly what it was when the pause began.
func (c *TurnClock) Resume(now time.Time) {
	if c.PauseTime == nil {
		return
	}
	paused := now.Sub(*c.PauseTime)
	if paused > 0 {
		c.StartTime = c.StartTime.Add(paused)
	}
	c.PauseTime = nil
}

// FormatRemaining renders d as two-digit zero-padded minutes and seconds.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
