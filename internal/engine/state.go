package engine

import (
	"time"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// roundState is the round-wide transient state reset on every entry into S0
// (idle) or S8 (catch-up), per spec.md §3 "Lifecycles".
type roundState struct {
	stage      types.Stage
	roundEpoch types.EpochIndex

	// S11
	announcedParticipants map[types.NodeAddress]struct{}
	canParticipate        bool
	potentialThreshold    types.AvailabilityValue

	// S1/S2
	isParticipating      map[types.NodeAddress]bool
	localTable           types.LocalTable
	receivedLocalTables  map[types.NodeAddress]types.LocalTable

	// S3/S4
	medianTable           types.MedianTable
	receivedMedianTables  map[types.NodeAddress]types.MedianTable

	// S5/S6/S10
	agreedTable          types.AgreedTable
	collectedSignatures  map[types.NodeAddress]types.AgreementSignature

	// S8/S9
	requestLo, requestHi types.EpochIndex
	historicalResponses  map[types.NodeAddress]historicalResponse

	phaseStart  time.Time
	lastSendAt  time.Time
}

// historicalResponse is one respondent's answer to an S8 request: a
// range-pack of epoch records.
type historicalResponse struct {
	respondent types.NodeAddress
	records    map[types.EpochIndex]types.EpochRecord
}

func newRoundState(stage types.Stage) roundState {
	return roundState{
		stage:                 stage,
		announcedParticipants: make(map[types.NodeAddress]struct{}),
		isParticipating:       make(map[types.NodeAddress]bool),
		localTable:            make(types.LocalTable),
		receivedLocalTables:   make(map[types.NodeAddress]types.LocalTable),
		medianTable:           make(types.MedianTable),
		receivedMedianTables:  make(map[types.NodeAddress]types.MedianTable),
		agreedTable:           make(types.AgreedTable),
		collectedSignatures:   make(map[types.NodeAddress]types.AgreementSignature),
		historicalResponses:   make(map[types.NodeAddress]historicalResponse),
	}
}
