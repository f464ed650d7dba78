package engine

// Wire field names, matching the schema.Table declarations and spec.md §6's
// external interface table.
const (
	fieldAnnouncedParticipants = "ANNOUNCED_PARTICIPANTS"
	fieldLocalTable            = "LOCAL_TABLE"
	fieldMedianTable           = "MEDIAN_TABLE"
	fieldAgreementSignature    = "AGREEMENT_SIGNATURE"
	fieldAgreementSignatures   = "AGREEMENT_SIGNATURES"
	fieldRequestAgreedMedian   = "REQUEST_AGREED_MEDIAN_TABLE"
	fieldStartEpoch            = "START_EPOCH"
	fieldEndEpoch              = "END_EPOCH"
	fieldEpochKeys             = "EPOCH_KEYS"
	fieldEpochAgreedTable      = "EPOCH__AGREED_MEDIAN_TABLE"
	fieldEpochSignatures       = "EPOCH__AGREEMENT_SIGNATURES"
	fieldEpochIsValid          = "EPOCH__IS_VALID"
	fieldIDToNodeAddress       = "ID_TO_NODE_ADDRESS"
)
