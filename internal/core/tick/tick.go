package tick

import (
	"sync/atomic"
	"time"
)

// Tick identifies one fixed-duration simulation step. It is the logical
// clock for every time-stamped message in the protocol.
type Tick uint64

// Clock is the process-wide discrete time base. The host update loop calls
// Advance exactly once per step; everything else reads Now.
//
// The tick rate can be nudged by a bounded factor so a client can slowly
// drift toward the server timeline without a visible jump (see SyncManager).
type Clock struct {
	current  atomic.Uint64
	interval time.Duration
	rate     atomic.Int64 // rate multiplier in ppm offset from 1.0
}

// NewClock creates a clock with the given step interval, starting at tick 0.
func NewClock(interval time.Duration) *Clock {
	c := &Clock{interval: interval}
	return c
}

// Now returns the current tick.
func (c *Clock) Now() Tick {
	return Tick(c.current.Load())
}

// Advance moves the clock forward by exactly one tick and returns the new
// value.
func (c *Clock) Advance() Tick {
	return Tick(c.current.Add(1))
}

// Set snaps the clock to an absolute tick. Only used during the initial
// handshake; steady-state corrections go through SetRate.
func (c *Clock) Set(t Tick) {
	c.current.Store(uint64(t))
}

// Interval returns the nominal step duration.
func (c *Clock) Interval() time.Duration {
	return c.interval
}

// SetRate adjusts the effective tick rate by a multiplier. 1.0 is nominal;
// 1.05 runs five percent fast. The multiplier is clamped to [0.5, 2.0].
func (c *Clock) SetRate(multiplier float64) {
	if multiplier < 0.5 {
		multiplier = 0.5
	}
	if multiplier > 2.0 {
		multiplier = 2.0
	}
	c.rate.Store(int64((multiplier - 1.0) * 1e6))
}

// Rate returns the current rate multiplier.
func (c *Clock) Rate() float64 {
	return 1.0 + float64(c.rate.Load())/1e6
}

// StepDuration returns the wall-clock duration of the next step under the
// current rate. A rate above 1.0 shortens the step.
func (c *Clock) StepDuration() time.Duration {
	return time.Duration(float64(c.interval) / c.Rate())
}

// Delta returns a-b as a signed distance in ticks.
func Delta(a, b Tick) int64 {
	return int64(a) - int64(b)
}
