// Package registry provides a file-backed registry: the simplest concrete
// implementation of the external ports (oracle roster, node directory, key
// directory, local observations) the engine treats as host-provided
// collaborators. A production deployment would back these with a ledger
// client and a network-monitoring subsystem; this implementation reads a
// static JSON snapshot, suitable for a single-process demo or test network.
package registry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/spf13/afero"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// Snapshot is the on-disk shape of a static registry file.
type Snapshot struct {
	Oracles      []string          `json:"oracles"`
	Nodes        []string          `json:"nodes"`
	PublicKeys   map[string]string `json:"public_keys"`   // address -> hex-encoded ed25519 public key
	Observations map[string]int    `json:"observations"`  // address -> previous-epoch availability value
}

// Registry serves the oracle roster, node directory, key directory, and
// local-observation ports from an in-memory snapshot loaded once at
// startup.
type Registry struct {
	oracles      []types.NodeAddress
	nodes        []types.NodeAddress
	publicKeys   map[types.NodeAddress]ed25519.PublicKey
	observations map[types.NodeAddress]types.AvailabilityValue
}

// Load reads a Snapshot from path via fs.
func Load(fs afero.Fs, path string) (*Registry, error) {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", path, err)
	}
	return FromSnapshot(snap)
}

// FromSnapshot builds a Registry directly from a decoded Snapshot.
func FromSnapshot(snap Snapshot) (*Registry, error) {
	r := &Registry{
		publicKeys:   make(map[types.NodeAddress]ed25519.PublicKey, len(snap.PublicKeys)),
		observations: make(map[types.NodeAddress]types.AvailabilityValue, len(snap.Observations)),
	}
	for _, a := range snap.Oracles {
		r.oracles = append(r.oracles, types.NodeAddress(a))
	}
	for _, a := range snap.Nodes {
		r.nodes = append(r.nodes, types.NodeAddress(a))
	}
	for addr, hexKey := range snap.PublicKeys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("registry: decode public key for %s: %w", addr, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("registry: public key for %s has wrong size %d", addr, len(raw))
		}
		r.publicKeys[types.NodeAddress(addr)] = ed25519.PublicKey(raw)
	}
	for addr, v := range snap.Observations {
		if v < 0 || v > int(types.MaxAvailability) {
			return nil, fmt.Errorf("registry: observation for %s out of range: %d", addr, v)
		}
		r.observations[types.NodeAddress(addr)] = types.AvailabilityValue(v)
	}
	return r, nil
}

// CurrentOracles implements roster.RegistryClient.
func (r *Registry) CurrentOracles(ctx context.Context) ([]types.NodeAddress, error) {
	return r.oracles, nil
}

// KnownNodes implements directory.RegistryClient.
func (r *Registry) KnownNodes(ctx context.Context) ([]types.NodeAddress, error) {
	return r.nodes, nil
}

// PublicKey implements signing.KeyResolver.
func (r *Registry) PublicKey(addr types.NodeAddress) (ed25519.PublicKey, bool) {
	pub, ok := r.publicKeys[addr]
	return pub, ok
}

// PreviousEpochValue implements store.LocalObserver.
func (r *Registry) PreviousEpochValue(node types.NodeAddress) (types.AvailabilityValue, bool) {
	v, ok := r.observations[node]
	return v, ok
}
