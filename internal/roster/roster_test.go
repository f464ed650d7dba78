package roster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

type fakeRegistry struct {
	oracles []types.NodeAddress
	err     error
	calls   int
}

func (f *fakeRegistry) CurrentOracles(ctx context.Context) ([]types.NodeAddress, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.oracles, nil
}

func TestCurrentRefreshesOnFirstCall(t *testing.T) {
	reg := &fakeRegistry{oracles: []types.NodeAddress{"0xaa", "0xbb"}}
	r := New(reg, time.Minute)

	set, err := r.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.calls)
	assert.Len(t, set, 2)
}

func TestCurrentSkipsRefreshWithinInterval(t *testing.T) {
	reg := &fakeRegistry{oracles: []types.NodeAddress{"0xaa"}}
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(reg, time.Minute, WithClock(clock))

	_, err := r.Current(context.Background())
	require.NoError(t, err)
	_, err = r.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.calls, "second call within the interval must not re-query the registry")
}

func TestCurrentRetainsPreviousSnapshotOnFailure(t *testing.T) {
	reg := &fakeRegistry{oracles: []types.NodeAddress{"0xaa"}}
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(reg, time.Millisecond, WithClock(clock))

	set, err := r.Current(context.Background())
	require.NoError(t, err)
	require.Len(t, set, 1)

	reg.err = errors.New("registry unreachable")
	now = now.Add(time.Second) // force a refresh attempt past the interval
	set2, err := r.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, set, set2, "a failed refresh must keep serving the last good snapshot")
}

func TestCurrentRetainsPreviousSnapshotOnEmptyResponse(t *testing.T) {
	reg := &fakeRegistry{oracles: []types.NodeAddress{"0xaa"}}
	now := time.Now()
	clock := func() time.Time { return now }
	r := New(reg, time.Millisecond, WithClock(clock))

	_, err := r.Current(context.Background())
	require.NoError(t, err)

	reg.oracles = nil
	now = now.Add(time.Second)
	set, err := r.Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, set, 1)
}

func TestIsOracle(t *testing.T) {
	reg := &fakeRegistry{oracles: []types.NodeAddress{"0xaa"}}
	r := New(reg, time.Minute)

	ok, err := r.IsOracle(context.Background(), "0xaa")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsOracle(context.Background(), "0xzz")
	require.NoError(t, err)
	assert.False(t, ok)
}
