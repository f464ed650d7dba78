package squeeze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

func sampleDicts() []EpochDict {
	return []EpochDict{
		{
			"3": {"0xaaaa": 200, "0xbbbb": 100},
			"4": {"0xaaaa": 210, "0xcccc": 50},
		},
		{
			"3": {"0xaaaa": "sig-a", "0xbbbb": "sig-b"},
			"4": {"0xaaaa": "sig-a2", "0xcccc": "sig-c"},
		},
	}
}

func TestSqueezeDisabledIsPassthrough(t *testing.T) {
	dicts := sampleDicts()
	out, idToKey := Squeeze(dicts, false)
	assert.Nil(t, idToKey)
	assert.Equal(t, dicts, out)
}

func TestSqueezeSharesIDsAcrossDicts(t *testing.T) {
	dicts := sampleDicts()
	squeezed, idToKey := Squeeze(dicts, true)
	require.Len(t, idToKey, 3) // three distinct addresses across both dicts

	// Same address gets the same id in both squeezed dicts.
	var idForAAAA types.NodeAddress
	for id, addr := range idToKey {
		if addr == "0xaaaa" {
			idForAAAA = types.NodeAddress(id)
		}
	}
	require.NotEmpty(t, idForAAAA)
	_, presentInTable := squeezed[0]["3"][idForAAAA]
	_, presentInSigs := squeezed[1]["3"][idForAAAA]
	assert.True(t, presentInTable)
	assert.True(t, presentInSigs)
}

func TestSqueezeUnsqueezeRoundTrip(t *testing.T) {
	dicts := sampleDicts()
	squeezed, idToKey := Squeeze(dicts, true)
	restored := Unsqueeze(squeezed, idToKey)
	assert.Equal(t, dicts, restored)
}

func TestUnsqueezeWithEmptyMapIsPassthrough(t *testing.T) {
	dicts := sampleDicts()
	restored := Unsqueeze(dicts, map[string]types.NodeAddress{})
	assert.Equal(t, dicts, restored)
}

func TestUnsqueezeLeavesUnknownIDsUnchanged(t *testing.T) {
	dict := EpochDict{"3": {"not-an-id": 5}}
	restored := Unsqueeze([]EpochDict{dict}, map[string]types.NodeAddress{"0": "0xaaaa"})
	assert.Equal(t, 5, restored[0]["3"]["not-an-id"]) // unmapped key is returned unchanged, not rewritten
}
