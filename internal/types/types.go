// Package types defines the wire and storage data model of the oracle
// availability consensus engine: node addresses, epochs, availability tables,
// signed entries and the persisted epoch record.
package types

import "fmt"

// NodeAddress is an opaque identifier derived from a node's signing key. It is
// used both as a participant identity and as a key in availability tables.
type NodeAddress string

// EpochIndex is a monotonically increasing, nonnegative epoch counter.
type EpochIndex uint64

// Prev returns e-1. Callers must check e > 0 first; Prev panics on underflow
// to surface a bug at the call site rather than silently wrapping.
func (e EpochIndex) Prev() EpochIndex {
	if e == 0 {
		panic("types: EpochIndex.Prev called on epoch 0")
	}
	return e - 1
}

// MaxAvailability is the upper bound of an availability score.
const MaxAvailability AvailabilityValue = 255

// FullThreshold is the minimum availability value for a node to be
// considered "fully online" (~80% of MaxAvailability).
const FullThreshold AvailabilityValue = 204

// AvailabilityValue is an integer in [0, MaxAvailability] representing how
// much of an epoch a node was observed online.
type AvailabilityValue uint8

// Stage names the protocol phase a message envelope's sender believes itself
// to be in.
type Stage string

const (
	StageWait              Stage = "WAIT_FOR_EPOCH_CHANGE"
	StageAnnounce          Stage = "ANNOUNCE_PARTICIPANTS"
	StageComputeLocal      Stage = "COMPUTE_LOCAL_TABLE"
	StageSendLocal         Stage = "SEND_LOCAL_TABLE"
	StageComputeMedian     Stage = "COMPUTE_MEDIAN_TABLE"
	StageSendMedian        Stage = "SEND_MEDIAN_TABLE"
	StageComputeAgreed     Stage = "COMPUTE_AGREED_MEDIAN_TABLE"
	StageCollectSignatures Stage = "SEND_AGREED_MEDIAN_TABLE"
	StageExchangeSigs      Stage = "EXCHANGE_AGREEMENT_SIGNATURES"
	StagePersist           Stage = "UPDATE_EPOCH_MANAGER"
	StageRequestHistory    Stage = "SEND_REQUEST_AGREED_MEDIAN_TABLE"
	StageComputeHistory    Stage = "COMPUTE_REQUESTED_AGREED_MEDIAN_TABLE"
)

// LocalTable is one oracle's raw observation of every known node's
// availability for exactly one epoch.
type LocalTable map[NodeAddress]AvailabilityValue

// SignedMedianEntry is one oracle's proposed median for one node in one
// epoch, together with its signature over (Value, Epoch, Node).
type SignedMedianEntry struct {
	Value     AvailabilityValue `json:"value"`
	Epoch     EpochIndex        `json:"epoch"`
	Node      NodeAddress       `json:"node"`
	Signer    NodeAddress       `json:"signer"`
	Signature []byte            `json:"signature"`
}

// MedianTable maps node address to one oracle's signed median proposal.
type MedianTable map[NodeAddress]SignedMedianEntry

// AgreedTable is the final consensus result for one epoch: node address to
// availability value. Zero-valued entries are dropped from the canonical
// form used for signing and storage (see CanonicalAgreedTable).
type AgreedTable map[NodeAddress]AvailabilityValue

// CanonicalAgreedTable returns t with every zero-valued entry removed. Every
// signer and verifier must build the signed/verified object from this form,
// never from the raw table.
func (t AgreedTable) CanonicalAgreedTable() AgreedTable {
	out := make(AgreedTable, len(t))
	for addr, v := range t {
		if v != 0 {
			out[addr] = v
		}
	}
	return out
}

// AgreementSignature is one signer's signature over
// (CanonicalAgreedTable, epoch).
type AgreementSignature struct {
	Signer    NodeAddress `json:"signer"`
	Signature []byte      `json:"signature"`
}

// EpochRecord is the persisted outcome of one epoch's consensus round.
type EpochRecord struct {
	Epoch      EpochIndex             `json:"epoch"`
	Table      AgreedTable            `json:"table"`
	Signatures map[NodeAddress][]byte `json:"signatures"`
	Valid      bool                   `json:"valid"`
	BlobID     string                 `json:"blob_id,omitempty"`
}

// Envelope is a signed message exchanged between oracles. Fields carries the
// stage-specific payload; the set of keys expected for a given Stage is
// declared in package schema.
type Envelope struct {
	Sender    NodeAddress    `json:"sender"`
	Stage     Stage          `json:"stage"`
	Fields    map[string]any `json:"fields"`
	Signature []byte         `json:"signature"`
}

func (e EpochIndex) String() string {
	return fmt.Sprintf("%d", uint64(e))
}
