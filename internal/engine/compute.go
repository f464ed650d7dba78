package engine

import (
	"math"
	"sort"

	"github.com/Ratio1/edge-node-sub001/internal/signing"
	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// potentialThreshold computes the observer-relaxed minimum availability
// required of another oracle to accept it as a participant, per spec.md
// §4.6 S11: "relaxed by MAX - own_previous_availability".
func potentialThreshold(ownPrevious types.AvailabilityValue) types.AvailabilityValue {
	relax := int(types.MaxAvailability) - int(ownPrevious)
	v := int(types.FullThreshold) - relax
	if v < 0 {
		return 0
	}
	return types.AvailabilityValue(v)
}

// sortedAddresses returns the keys of set in ascending order, the
// deterministic iteration order used throughout the engine so that tie
// breaks and hashing are reproducible across oracles.
func sortedAddresses[T any](set map[types.NodeAddress]T) []types.NodeAddress {
	out := make([]types.NodeAddress, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// median returns the element-wise median of values, following the
// conventional even-count rule of averaging (rounded) the two middle
// entries.
func median(values []types.AvailabilityValue) types.AvailabilityValue {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]types.AvailabilityValue(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	sum := int(sorted[mid-1]) + int(sorted[mid])
	return types.AvailabilityValue((sum + 1) / 2)
}

// computeMedianTable builds the signed median proposal for every node
// mentioned in any of tables (participating oracles' local tables, keyed by
// sender in deterministic order). Missing entries contribute 0.
func (e *Engine) computeMedianTable(tables map[types.NodeAddress]types.LocalTable, epoch types.EpochIndex) (types.MedianTable, error) {
	nodes := map[types.NodeAddress]struct{}{}
	for _, t := range tables {
		for node := range t {
			nodes[node] = struct{}{}
		}
	}
	senders := sortedAddresses(tables)
	out := make(types.MedianTable, len(nodes))
	for _, node := range sortedAddresses(nodes) {
		values := make([]types.AvailabilityValue, 0, len(senders))
		for _, sender := range senders {
			values = append(values, tables[sender][node])
		}
		v := median(values)
		entry := types.SignedMedianEntry{Value: v, Epoch: epoch, Node: node, Signer: e.self.Address()}
		sig, err := e.self.Sign(medianSignable{Value: v, Epoch: epoch, Node: node})
		if err != nil {
			return nil, err
		}
		entry.Signature = sig
		out[node] = entry
	}
	return out, nil
}

// medianSignable is the signed object backing one SignedMedianEntry: the
// value/epoch/node triple, excluding the signer's own signature and address
// from the digest (the signer is carried alongside, not inside, the proof).
type medianSignable struct {
	Value types.AvailabilityValue `json:"value"`
	Epoch types.EpochIndex        `json:"epoch"`
	Node  types.NodeAddress       `json:"node"`
}

// verifyMedianEntry checks a received signed median entry against its
// claimed signer.
func (e *Engine) verifyMedianEntry(entry types.SignedMedianEntry) (bool, error) {
	return e.verifier.Verify(entry.Signer, medianSignable{Value: entry.Value, Epoch: entry.Epoch, Node: entry.Node}, entry.Signature)
}

// agreementWinner picks the most-frequent value for one node across every
// received median table, ties broken by first occurrence in deterministic
// sender order, per spec.md §4.6 S5.
func agreementWinner(node types.NodeAddress, medianTables map[types.NodeAddress]types.MedianTable) (types.AvailabilityValue, int) {
	senders := sortedAddresses(medianTables)
	counts := map[types.AvailabilityValue]int{}
	firstSeen := map[types.AvailabilityValue]int{}
	order := 0
	for _, sender := range senders {
		entry, ok := medianTables[sender][node]
		if !ok {
			continue
		}
		if _, seen := firstSeen[entry.Value]; !seen {
			firstSeen[entry.Value] = order
			order++
		}
		counts[entry.Value]++
	}
	var best types.AvailabilityValue
	bestCount, bestOrder := -1, math.MaxInt
	for v, c := range counts {
		fo := firstSeen[v]
		if c > bestCount || (c == bestCount && fo < bestOrder) {
			best, bestCount, bestOrder = v, c, fo
		}
	}
	return best, bestCount
}

// agreedTableSignable is the canonical object every agreement signature is
// computed over: the zero-dropped agreed table plus the epoch index,
// serialized with sorted keys (spec.md §6 "Canonical signed form").
type agreedTableSignable struct {
	CompiledAgreedMedianTable types.AgreedTable `json:"COMPILED_AGREED_MEDIAN_TABLE"`
	Epoch                     types.EpochIndex  `json:"EPOCH"`
}

func canonicalSignable(table types.AgreedTable, epoch types.EpochIndex) agreedTableSignable {
	return agreedTableSignable{CompiledAgreedMedianTable: table.CanonicalAgreedTable(), Epoch: epoch}
}

// rangePackDigest hashes a respondent's entire requested epoch range as one
// unit (not per-epoch), per spec.md §4.6 S9.
func rangePackDigest(records map[types.EpochIndex]types.EpochRecord) (string, error) {
	type canonicalRecord struct {
		Epoch      types.EpochIndex             `json:"epoch"`
		Table      types.AgreedTable            `json:"table"`
		Signatures map[types.NodeAddress][]byte `json:"signatures"`
		Valid      bool                         `json:"valid"`
	}
	epochs := make([]types.EpochIndex, 0, len(records))
	for e := range records {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	pack := make([]canonicalRecord, 0, len(epochs))
	for _, e := range epochs {
		rec := records[e]
		pack = append(pack, canonicalRecord{
			Epoch:      rec.Epoch,
			Table:      rec.Table.CanonicalAgreedTable(),
			Signatures: rec.Signatures,
			Valid:      rec.Valid,
		})
	}
	digest, err := signing.Digest(pack)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// historicalWinner picks the range-pack hash with the highest frequency
// across respondents, ties broken by smallest respondent address — the
// deterministic replacement for the source's random tie-break (see
// DESIGN.md Open Question decision on S9).
func historicalWinner(responses map[types.NodeAddress]historicalResponse) (types.NodeAddress, int, error) {
	respondents := sortedAddresses(responses)
	hashOf := make(map[types.NodeAddress]string, len(respondents))
	for _, r := range respondents {
		h, err := rangePackDigest(responses[r].records)
		if err != nil {
			return "", 0, err
		}
		hashOf[r] = h
	}
	counts := map[string]int{}
	for _, h := range hashOf {
		counts[h]++
	}
	var bestHash string
	bestCount := -1
	for _, r := range respondents {
		h := hashOf[r]
		if counts[h] > bestCount {
			bestHash, bestCount = h, counts[h]
		}
	}
	// Smallest-address representative from the winning hash cohort.
	for _, r := range respondents {
		if hashOf[r] == bestHash {
			return r, bestCount, nil
		}
	}
	return "", 0, nil
}
