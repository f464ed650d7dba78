package epochclock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

func TestCurrentEpochBeforeGenesisIsZero(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := clockwork.NewFakeClockAt(genesis.Add(-time.Hour))
	c := New(wall, genesis, time.Hour)
	assert.Equal(t, types.EpochIndex(0), c.CurrentEpoch())
	assert.Equal(t, types.EpochIndex(0), c.PreviousEpoch())
}

func TestCurrentEpochAdvancesByElapsedDuration(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := clockwork.NewFakeClockAt(genesis.Add(3*time.Hour + 30*time.Minute))
	c := New(wall, genesis, time.Hour)
	assert.Equal(t, types.EpochIndex(3), c.CurrentEpoch())
	assert.Equal(t, types.EpochIndex(2), c.PreviousEpoch())
}

func TestEpochEndTime(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(clockwork.NewFakeClockAt(genesis), genesis, time.Hour)
	assert.Equal(t, genesis.Add(2*time.Hour), c.EpochEndTime(1))
}

func TestFractionOfCurrentEpochElapsed(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := clockwork.NewFakeClockAt(genesis.Add(15 * time.Minute))
	c := New(wall, genesis, time.Hour)
	assert.InDelta(t, 0.25, c.FractionOfCurrentEpochElapsed(), 0.001)
}

func TestNewDefaultsToRealClockWhenNil(t *testing.T) {
	c := New(nil, time.Now().Add(-time.Minute), time.Hour)
	assert.Equal(t, types.EpochIndex(0), c.CurrentEpoch())
}
