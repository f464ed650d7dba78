package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// settleGenesis runs enough rounds for every node to pass through the
// startup S8/S9 catch-up (nothing to sync yet, epoch 0 gets marked faulty)
// and land in S0 waiting on the shared epoch clock.
func settleGenesis(nodes []*testNode) {
	runRounds(nodes, 10, time.Millisecond)
}

func TestHappyPathThreeOraclesPersistEpoch(t *testing.T) {
	nodes, clock := buildNetwork(t, 3, fastTestConfig())
	settleGenesis(nodes)
	for _, n := range nodes {
		assert.Equal(t, types.StageWait, n.engine.Stage())
	}

	clock.set(1)
	runRounds(nodes, 300, 2*time.Millisecond)

	var want types.EpochRecord
	for i, n := range nodes {
		rec, err := n.store.GetEpoch(1)
		require.NoError(t, err, "node %d must have persisted epoch 1", i)
		assert.True(t, rec.Valid)
		assert.GreaterOrEqual(t, len(rec.Signatures), 2, "quorum of 3 oracles requires at least 2 signatures")
		for _, node := range nodes {
			assert.Equal(t, types.MaxAvailability, rec.Table[node.addr], "every fully-online node should agree at max availability")
		}
		if i == 0 {
			want = rec
		} else {
			assert.Equal(t, want.Table, rec.Table, "every oracle must persist the same agreed table")
		}
	}
}

func TestRoundCompletesWithoutNonParticipatingOracle(t *testing.T) {
	overrides := map[int]types.AvailabilityValue{2: 50} // below FullThreshold, cannot participate
	nodes, clock := buildNetworkCustom(t, 3, fastTestConfig(), overrides)
	settleGenesis(nodes)

	clock.set(1)
	runRounds(nodes, 300, 2*time.Millisecond)

	for i, n := range nodes[:2] {
		rec, err := n.store.GetEpoch(1)
		require.NoError(t, err, "participating node %d must have persisted epoch 1", i)
		assert.True(t, rec.Valid)
		assert.Len(t, rec.Signatures, 2, "only the two participating oracles should have signed")
	}
}

func TestHistoricalCatchUpForLaggingOracle(t *testing.T) {
	overrides := map[int]types.AvailabilityValue{3: 0} // node 3 never participates, only catches up
	nodes, clock := buildNetworkCustom(t, 4, fastTestConfig(), overrides)
	settleGenesis(nodes)

	clock.set(1)
	runRounds(nodes, 400, 2*time.Millisecond)

	synced, err := nodes[0].store.GetEpoch(1)
	require.NoError(t, err)
	require.True(t, synced.Valid)

	lagging, err := nodes[3].store.GetEpoch(1)
	require.NoError(t, err, "the lagging oracle must have caught up via historical voting")
	assert.Equal(t, synced.Table, lagging.Table, "catch-up must reproduce the agreed table, not recompute it")
	assert.True(t, nodes[3].store.HasSynced())
}

func TestNoHistoricalQuorumMarksRangeFaulty(t *testing.T) {
	nodes, clock := buildNetwork(t, 1, fastTestConfig())
	clock.set(5) // jump straight to a wide, unservable catch-up range
	runRounds(nodes, 50, 2*time.Millisecond)

	n := nodes[0]
	assert.Equal(t, types.StageWait, n.engine.Stage())
	for epoch := types.EpochIndex(0); epoch <= 5; epoch++ {
		rec, err := n.store.GetEpoch(epoch)
		require.NoError(t, err)
		assert.False(t, rec.Valid, "epoch %d must be marked faulty when no peer could serve it", epoch)
	}
}

// TestStaleStageMessageDoesNotBlockProgress drops both oracles directly into
// S2 (send-local) and has one of them broadcast a wrong-phase message ahead
// of its real one, confirming the stray message is dropped without stalling
// the phase's quorum count.
func TestStaleStageMessageDoesNotBlockProgress(t *testing.T) {
	nodes, _ := buildNetwork(t, 2, fastTestConfig())
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	table := types.LocalTable{a.addr: 200, b.addr: 200}
	for _, n := range nodes {
		n.engine.round.stage = types.StageSendLocal
		n.engine.round.roundEpoch = 1
		n.engine.round.canParticipate = true
		n.engine.round.isParticipating = map[types.NodeAddress]bool{a.addr: true, b.addr: true}
		n.engine.round.localTable = table
		n.engine.round.receivedLocalTables = map[types.NodeAddress]types.LocalTable{n.addr: table}
		n.engine.round.phaseStart = n.wall.Now()
		n.engine.round.lastSendAt = time.Time{}
	}

	// b fires off a stale, wrong-phase message ahead of its real one; it
	// must be dropped on receipt (malformed for its declared stage, or
	// simply discarded as out-of-phase) rather than corrupt a's round.
	_ = b.transport.Broadcast(ctx, types.StageComputeAgreed, map[string]any{})

	for i := 0; i < 5; i++ {
		a.engine.Step(ctx)
		b.engine.Step(ctx)
	}

	// Five step pairs carry both nodes through S2, S3, S4 and S5; each
	// stops in S6 without having stepped it.
	assert.Equal(t, types.StageCollectSignatures, a.engine.Stage())
	assert.Equal(t, types.StageCollectSignatures, b.engine.Stage())
	assert.False(t, a.engine.ExceptionOccurred())
	assert.False(t, b.engine.ExceptionOccurred())
}
