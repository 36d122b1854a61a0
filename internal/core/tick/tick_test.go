package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockAdvance(t *testing.T) {
	c := NewClock(time.Second / 60)
	assert.Equal(t, Tick(0), c.Now())
	assert.Equal(t, Tick(1), c.Advance())
	assert.Equal(t, Tick(2), c.Advance())
	assert.Equal(t, Tick(2), c.Now())
}

func TestClockSet(t *testing.T) {
	c := NewClock(time.Second / 60)
	c.Set(1000)
	assert.Equal(t, Tick(1000), c.Now())
	assert.Equal(t, Tick(1001), c.Advance())
}

func TestClockRateClamp(t *testing.T) {
	c := NewClock(time.Second / 60)

	c.SetRate(10)
	assert.Equal(t, 2.0, c.Rate())
	c.SetRate(0.01)
	assert.Equal(t, 0.5, c.Rate())
	c.SetRate(1.05)
	assert.InDelta(t, 1.05, c.Rate(), 1e-6)
}

func TestClockStepDuration(t *testing.T) {
	c := NewClock(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, c.StepDuration())

	// A faster rate shortens the step so more ticks fit in a second.
	c.SetRate(2)
	assert.Equal(t, 50*time.Millisecond, c.StepDuration())
}

func TestDelta(t *testing.T) {
	assert.Equal(t, int64(5), Delta(10, 5))
	assert.Equal(t, int64(-5), Delta(5, 10))
	assert.Equal(t, int64(0), Delta(7, 7))
}
