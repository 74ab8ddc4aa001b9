package turnclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func TestRemainingUnpaused(t *testing.T) {
	c := New(t0, 120*time.Second)

	assert.Equal(t, 120, c.RemainingSeconds(t0))
	assert.Equal(t, 75, c.RemainingSeconds(t0.Add(45*time.Second)))
	assert.Equal(t, 0, c.RemainingSeconds(t0.Add(500*time.Second)))
	assert.False(t, c.Expired(t0.Add(119*time.Second)))
	assert.True(t, c.Expired(t0.Add(120*time.Second)))
}

func TestPauseFreezesElapsed(t *testing.T) {
	c := New(t0, 120*time.Second)
	c.Pause(t0.Add(30 * time.Second))

	assert.True(t, c.Paused())
	assert.Equal(t, 90, c.RemainingSeconds(t0.Add(30*time.Second)))
	assert.Equal(t, 90, c.RemainingSeconds(t0.Add(10*time.Minute)))
	assert.False(t, c.Expired(t0.Add(10*time.Minute)), "paused turn never expires")

	// A second pause keeps the original pause time.
	c.Pause(t0.Add(40 * time.Second))
	assert.Equal(t, t0.Add(30*time.Second), *c.PauseTime)
}

func TestResumeCompensatesPause(t *testing.T) {
	c := New(t0, 120*time.Second)
	c.Pause(t0.Add(30 * time.Second))

	resumeAt := t0.Add(40 * time.Second)
	c.Resume(resumeAt)

	assert.False(t, c.Paused())
	assert.Equal(t, 90, c.RemainingSeconds(resumeAt))
	assert.Equal(t, t0.Add(10*time.Second), c.StartTime)
	assert.Equal(t, 80, c.RemainingSeconds(resumeAt.Add(10*time.Second)))

	// Resume without a pause is a no-op.
	c.Resume(resumeAt.Add(time.Minute))
	assert.Equal(t, t0.Add(10*time.Second), c.StartTime)
}

func TestDefaultBudget(t *testing.T) {
	c := New(t0, 0)
	assert.Equal(t, DefaultBudget, c.Budget)
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{120 * time.Second, "02:00"},
		{75 * time.Second, "01:15"},
		{9 * time.Second, "00:09"},
		{1500 * time.Millisecond, "00:01"},
		{0, "00:00"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRemaining(tt.in), tt.in.String())
	}
}
