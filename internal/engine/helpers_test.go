package engine

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/edge-node-sub001/internal/config"
	"github.com/Ratio1/edge-node-sub001/internal/signing"
	"github.com/Ratio1/edge-node-sub001/internal/store"
	"github.com/Ratio1/edge-node-sub001/internal/transport"
	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// testClock is a directly-settable EpochSource, letting a test jump the
// round's epoch boundary without waiting on any real or fake wall clock.
type testClock struct {
	mu   sync.Mutex
	prev types.EpochIndex
}

func (c *testClock) CurrentEpoch() types.EpochIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev + 1
}

func (c *testClock) PreviousEpoch() types.EpochIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev
}

func (c *testClock) set(e types.EpochIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prev = e
}

// testRoster serves a fixed oracle set.
type testRoster struct {
	oracles map[types.NodeAddress]struct{}
}

func (r testRoster) Current(ctx context.Context) (map[types.NodeAddress]struct{}, error) {
	return r.oracles, nil
}

func (r testRoster) IsOracle(ctx context.Context, addr types.NodeAddress) (bool, error) {
	_, ok := r.oracles[addr]
	return ok, nil
}

// testDirectory serves a fixed node population.
type testDirectory struct {
	nodes []types.NodeAddress
}

func (d testDirectory) KnownNodes(ctx context.Context) ([]types.NodeAddress, error) {
	return d.nodes, nil
}

// testObserver answers PreviousEpochValue queries for every node's raw local
// observation, standing in for the store's injected LocalObserver.
type testObserver map[types.NodeAddress]types.AvailabilityValue

func (o testObserver) PreviousEpochValue(node types.NodeAddress) (types.AvailabilityValue, bool) {
	v, ok := o[node]
	return v, ok
}

// hub wires every node's transport to every other node's Receive, acting as
// the Broadcaster port for a small in-process network.
type hub struct {
	mu       sync.Mutex
	receivers map[types.NodeAddress]*transport.Transport
}

func newHub() *hub {
	return &hub{receivers: map[types.NodeAddress]*transport.Transport{}}
}

func (h *hub) register(addr types.NodeAddress, t *transport.Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receivers[addr] = t
}

// perNodeBroadcaster delivers an outbound envelope to every registered peer
// except the sender.
type perNodeBroadcaster struct {
	h    *hub
	self types.NodeAddress
}

func (b perNodeBroadcaster) Broadcast(ctx context.Context, env types.Envelope) error {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	for addr, t := range b.h.receivers {
		if addr == b.self {
			continue
		}
		_ = t.Receive(ctx, env) // best-effort, mirrors a real fan-out broadcaster
	}
	return nil
}

type allKeys map[types.NodeAddress]ed25519.PublicKey

func (k allKeys) PublicKey(addr types.NodeAddress) (ed25519.PublicKey, bool) {
	pub, ok := k[addr]
	return pub, ok
}

// testNode bundles one oracle's full stack for a multi-node integration test.
type testNode struct {
	addr      types.NodeAddress
	signer    *signing.Signer
	store     *store.Store
	transport *transport.Transport
	engine    *Engine
	wall      clockwork.FakeClock
}

func newSigner(t *testing.T) *signing.Signer {
	t.Helper()
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	s, err := signing.NewSigner(seed)
	require.NoError(t, err)
	return s
}

// buildNetwork constructs n oracle nodes sharing one hub and one set of node
// addresses (the oracles themselves, for simplicity), every node considered
// "fully online" in the prior epoch so it can participate immediately.
func buildNetwork(t *testing.T, n int, cfg config.Config) ([]*testNode, *testClock) {
	t.Helper()
	return buildNetworkCustom(t, n, cfg, nil)
}

// buildNetworkCustom is buildNetwork with per-index overrides of the shared
// observer's reported previous-epoch availability, letting a test single out
// one oracle as unable to meet the participation threshold.
func buildNetworkCustom(t *testing.T, n int, cfg config.Config, overrides map[int]types.AvailabilityValue) ([]*testNode, *testClock) {
	t.Helper()
	signers := make([]*signing.Signer, n)
	for i := range signers {
		signers[i] = newSigner(t)
	}

	oracleSet := map[types.NodeAddress]struct{}{}
	keys := allKeys{}
	nodeAddrs := make([]types.NodeAddress, n)
	observer := testObserver{}
	for i, s := range signers {
		oracleSet[s.Address()] = struct{}{}
		keys[s.Address()] = s.PublicKey()
		nodeAddrs[i] = s.Address()
		observer[s.Address()] = types.MaxAvailability
		if v, ok := overrides[i]; ok {
			observer[s.Address()] = v
		}
	}

	clock := &testClock{}
	h := newHub()
	nodes := make([]*testNode, n)
	for i, s := range signers {
		st, err := store.Open(t.TempDir(), store.WithObserver(observer))
		require.NoError(t, err)

		verifier := signing.NewVerifier(keys)
		wall := clockwork.NewFakeClock()
		tr := transport.New(s, verifier, perNodeBroadcaster{h: h, self: s.Address()}, testRoster{oracles: oracleSet}, 50)
		h.register(s.Address(), tr)

		e := New(s, verifier, testRoster{oracles: oracleSet}, testDirectory{nodes: nodeAddrs}, clock, st, tr, cfg, WithWallClock(wall))
		nodes[i] = &testNode{addr: s.Address(), signer: s, store: st, transport: tr, engine: e, wall: wall}
	}
	return nodes, clock
}

// runRounds advances every node's wall clock together and steps every
// engine round-robin, giving reordered/interleaved delivery across nodes a
// chance to manifest, until deadline rounds have elapsed.
func runRounds(nodes []*testNode, rounds int, perRoundAdvance time.Duration) {
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		for _, n := range nodes {
			n.wall.Advance(perRoundAdvance)
		}
		for _, n := range nodes {
			n.engine.Step(ctx)
		}
	}
}

func fastTestConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.ProcessDelay = 0
	cfg.SendInterval = 0
	cfg.SendPeriod = time.Millisecond
	cfg.AcceptedReportsThreshold = 0
	return cfg
}
