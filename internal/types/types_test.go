package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalAgreedTableDropsZeroEntries(t *testing.T) {
	table := AgreedTable{
		"0xaa": 0,
		"0xbb": 17,
		"0xcc": 0,
		"0xdd": 255,
	}
	canon := table.CanonicalAgreedTable()
	assert.Equal(t, AgreedTable{"0xbb": 17, "0xdd": 255}, canon)
	// Original table is untouched.
	assert.Len(t, table, 4)
}

func TestCanonicalAgreedTableEmpty(t *testing.T) {
	table := AgreedTable{"0xaa": 0}
	canon := table.CanonicalAgreedTable()
	assert.Empty(t, canon)
}

func TestEpochIndexPrev(t *testing.T) {
	assert.Equal(t, EpochIndex(4), EpochIndex(5).Prev())
	assert.PanicsWithValue(t, "types: EpochIndex.Prev called on epoch 0", func() {
		EpochIndex(0).Prev()
	})
}

func TestEpochIndexString(t *testing.T) {
	require.Equal(t, "42", EpochIndex(42).String())
}
