// Package squeeze implements the optional address-key compression used when
// sending S0 historical-agreement responses: repeated node-address keys
// across a list of epoch dictionaries are replaced by small integer ids,
// with the substitution recorded in a single shared id-to-address map.
package squeeze

import (
	"strconv"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// EpochDict maps a string epoch key to an address-keyed dictionary for that
// epoch (e.g. an agreed table or a signature map for one epoch).
type EpochDict map[string]map[types.NodeAddress]any

// Squeeze replaces every node-address key across every dict in dicts with a
// small integer id (shared across all dicts), returning the squeezed copies
// and the id-to-address map. If enabled is false, it returns the inputs
// unchanged and a nil map, signalling compression was not applied.
func Squeeze(dicts []EpochDict, enabled bool) ([]EpochDict, map[string]types.NodeAddress) {
	if !enabled {
		return dicts, nil
	}
	keyToID := make(map[types.NodeAddress]string)
	idToKey := make(map[string]types.NodeAddress)
	squeezed := make([]EpochDict, len(dicts))
	for i, dict := range dicts {
		out := make(EpochDict, len(dict))
		for epoch, inner := range dict {
			squeezedInner := make(map[types.NodeAddress]any, len(inner))
			for addr, v := range inner {
				id, ok := keyToID[addr]
				if !ok {
					id = strconv.Itoa(len(keyToID))
					keyToID[addr] = id
					idToKey[id] = addr
				}
				squeezedInner[types.NodeAddress(id)] = v
			}
			out[epoch] = squeezedInner
		}
		squeezed[i] = out
	}
	return squeezed, idToKey
}

// Unsqueeze reverses Squeeze given the id-to-address map it returned. If
// idToKey is empty, the input is assumed uncompressed and is returned
// unchanged — disambiguating "compression disabled" from "compression
// enabled but nothing needed substitution" is the caller's responsibility,
// matching the source's own treatment of an empty mapping as "disabled".
func Unsqueeze(dicts []EpochDict, idToKey map[string]types.NodeAddress) []EpochDict {
	if len(idToKey) < 1 {
		return dicts
	}
	out := make([]EpochDict, len(dicts))
	for i, dict := range dicts {
		unsqueezed := make(EpochDict, len(dict))
		for epoch, inner := range dict {
			orig := make(map[types.NodeAddress]any, len(inner))
			for id, v := range inner {
				addr, ok := idToKey[string(id)]
				if !ok {
					addr = id
				}
				orig[addr] = v
			}
			unsqueezed[epoch] = orig
		}
		out[i] = unsqueezed
	}
	return out
}
