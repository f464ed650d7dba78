// Package epochclock derives epoch-indexed views (current epoch, previous
// epoch, epoch end time, fraction of the current epoch elapsed) from a fixed
// genesis and epoch length over an
// injectable wall clock, per spec.md §4.2: "the engine uses only these
// derived views; it never manipulates timestamps directly."
package epochclock

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// Clock exposes epoch-indexed views of the current wall-clock time.
type Clock struct {
	wall   clockwork.Clock
	genesis time.Time
	length  time.Duration
}

// New builds a Clock with a fixed genesis time and epoch length, backed by
// wall (use clockwork.NewFakeClock() in tests for deterministic epochs).
func New(wall clockwork.Clock, genesis time.Time, length time.Duration) *Clock {
	if wall == nil {
		wall = clockwork.NewRealClock()
	}
	return &Clock{wall: wall, genesis: genesis, length: length}
}

// CurrentEpoch returns the epoch containing the current instant.
func (c *Clock) CurrentEpoch() types.EpochIndex {
	elapsed := c.wall.Now().Sub(c.genesis)
	if elapsed < 0 {
		return 0
	}
	return types.EpochIndex(elapsed / c.length)
}

// PreviousEpoch returns CurrentEpoch()-1, or 0 if the current epoch is 0.
func (c *Clock) PreviousEpoch() types.EpochIndex {
	cur := c.CurrentEpoch()
	if cur == 0 {
		return 0
	}
	return cur.Prev()
}

// EpochEndTime returns the wall-clock instant at which epoch e ends.
func (c *Clock) EpochEndTime(e types.EpochIndex) time.Time {
	return c.genesis.Add(time.Duration(e+1) * c.length)
}

// FractionOfCurrentEpochElapsed returns how much of the current epoch has
// elapsed, in [0, 1).
func (c *Clock) FractionOfCurrentEpochElapsed() float64 {
	cur := c.CurrentEpoch()
	start := c.genesis.Add(time.Duration(cur) * c.length)
	elapsed := c.wall.Now().Sub(start)
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) / float64(c.length)
}

// Now returns the wall-clock's current time, for callers needing a raw
// timestamp alongside the epoch-indexed views (e.g. phase timeout tracking).
func (c *Clock) Now() time.Time {
	return c.wall.Now()
}
