package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ratio1/edge-node-sub001/internal/config"
	"github.com/Ratio1/edge-node-sub001/internal/metrics"
	"github.com/Ratio1/edge-node-sub001/internal/squeeze"
	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// participantCount returns the number of oracles currently marked as
// participating, defaulting to 1 so a single-oracle network can still reach
// quorum with itself, per spec.md §8 "Single-oracle network".
func (e *Engine) participantCount() int {
	n := 0
	for _, ok := range e.round.isParticipating {
		if ok {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

func absDiff(a, b types.AvailabilityValue) int {
	if a > b {
		return int(a) - int(b)
	}
	return int(b) - int(a)
}

// stepWait implements S0: serve historical-agreement requests from peers,
// and cross into S11 once a new epoch has completed.
func (e *Engine) stepWait(ctx context.Context) types.Stage {
	for _, env := range e.transport.DrainInbox() {
		if env.Stage != types.StageRequestHistory {
			continue
		}
		if err := e.serveHistoricalRequest(ctx, env); err != nil {
			e.log.Warn("failed to serve historical request", zap.String("requester", string(env.Sender)), zap.Error(err))
		}
	}
	if e.clock.PreviousEpoch() != e.round.roundEpoch {
		e.round.roundEpoch = e.clock.PreviousEpoch()
		return types.StageAnnounce
	}
	return types.StageWait
}

func (e *Engine) serveHistoricalRequest(ctx context.Context, req types.Envelope) error {
	wantTrue, _ := req.Fields[fieldRequestAgreedMedian].(bool)
	if !wantTrue {
		return fmt.Errorf("request missing %s", fieldRequestAgreedMedian)
	}
	lo, err := decodeEpoch(req.Fields[fieldStartEpoch])
	if err != nil {
		return err
	}
	hi, err := decodeEpoch(req.Fields[fieldEndEpoch])
	if err != nil {
		return err
	}
	if lo > hi {
		return nil
	}

	keys := make([]any, 0)
	tableDict := squeeze.EpochDict{}
	sigDict := squeeze.EpochDict{}
	validDict := make(map[string]any)
	for epoch := lo; epoch <= hi; epoch++ {
		rec, err := e.store.GetEpoch(epoch)
		if err != nil {
			continue
		}
		key := epoch.String()
		keys = append(keys, epoch)

		canon := rec.Table.CanonicalAgreedTable()
		tableInner := make(map[types.NodeAddress]any, len(canon))
		for addr, v := range canon {
			tableInner[addr] = v
		}
		tableDict[key] = tableInner

		sigInner := make(map[types.NodeAddress]any, len(rec.Signatures))
		for addr, sig := range rec.Signatures {
			sigInner[addr] = encodeBytes(sig)
		}
		sigDict[key] = sigInner
		validDict[key] = rec.Valid
	}

	squeezed, idToKey := squeeze.Squeeze([]squeeze.EpochDict{tableDict, sigDict}, e.cfg.SqueezeEpochDictionaries)
	fields := map[string]any{
		fieldEpochKeys:        keys,
		fieldEpochAgreedTable: epochDictToWire(squeezed[0]),
		fieldEpochSignatures:  epochDictToWire(squeezed[1]),
		fieldEpochIsValid:     validDict,
	}
	if len(idToKey) > 0 {
		idMap := make(map[string]any, len(idToKey))
		for id, addr := range idToKey {
			idMap[id] = string(addr)
		}
		fields[fieldIDToNodeAddress] = idMap
	}
	return e.transport.Broadcast(ctx, types.StageWait, fields)
}

// stepAnnounce implements S11: establish own participation eligibility and
// accept peers' announcements that pass the potentially-online test.
func (e *Engine) stepAnnounce(ctx context.Context) types.Stage {
	ownPrev, haveOwn := e.store.GetPreviousEpochValue(e.self.Address())
	isOracle, err := e.roster.IsOracle(ctx, e.self.Address())
	if err != nil {
		e.log.Warn("oracle roster check failed", zap.Error(err))
	}
	e.round.canParticipate = haveOwn && isOracle && ownPrev >= types.FullThreshold
	e.round.potentialThreshold = potentialThreshold(ownPrev)
	if e.round.canParticipate {
		e.round.announcedParticipants[e.self.Address()] = struct{}{}
	}

	if e.wall.Now().Sub(e.round.lastSendAt) >= e.cfg.SendInterval {
		fields := map[string]any{fieldAnnouncedParticipants: encodeAddresses(sortedAddresses(e.round.announcedParticipants))}
		if err := e.transport.Broadcast(ctx, types.StageAnnounce, fields); err != nil {
			e.log.Error("broadcast announcement failed", zap.Error(err))
		}
		e.round.lastSendAt = e.wall.Now()
	}

	for _, env := range e.transport.DrainInbox() {
		if env.Stage != types.StageAnnounce {
			metrics.DroppedMessages.Inc()
			continue
		}
		addrs, err := decodeAddresses(env.Fields[fieldAnnouncedParticipants])
		if err != nil {
			metrics.MalformedMessages.Inc()
			continue
		}
		for _, addr := range addrs {
			val, ok := e.store.GetPreviousEpochValue(addr)
			if ok && val >= e.round.potentialThreshold {
				e.round.announcedParticipants[addr] = struct{}{}
			}
		}
	}

	if !e.round.canParticipate {
		return types.StageRequestHistory
	}
	if e.phaseTimedOut(1) {
		return types.StageComputeLocal
	}
	return types.StageAnnounce
}

// stepComputeLocal implements S1.
func (e *Engine) stepComputeLocal(ctx context.Context) types.Stage {
	nodes, err := e.directory.KnownNodes(ctx)
	if err != nil {
		e.log.Error("list known nodes failed", zap.Error(err))
		e.exceptionOccurred = true
		return e.round.stage
	}
	table := make(types.LocalTable, len(nodes))
	for _, node := range nodes {
		v, _ := e.store.GetPreviousEpochValue(node)
		table[node] = v
	}
	e.round.localTable = table

	oracles, err := e.roster.Current(ctx)
	if err != nil {
		e.log.Warn("oracle roster refresh failed", zap.Error(err))
	}
	for o := range oracles {
		_, announced := e.round.announcedParticipants[o]
		e.round.isParticipating[o] = announced
	}

	if e.round.canParticipate {
		return types.StageSendLocal
	}
	return types.StageRequestHistory
}

// stepSendLocal implements S2.
func (e *Engine) stepSendLocal(ctx context.Context) types.Stage {
	if _, ok := e.round.receivedLocalTables[e.self.Address()]; !ok {
		e.round.receivedLocalTables[e.self.Address()] = e.round.localTable
	}
	if e.wall.Now().Sub(e.round.lastSendAt) >= e.cfg.SendInterval {
		if err := e.sendLocalTable(ctx); err != nil {
			e.log.Error("send local table failed", zap.Error(err))
		}
		e.round.lastSendAt = e.wall.Now()
	}
	for _, env := range e.transport.DrainInbox() {
		if env.Stage != types.StageSendLocal {
			metrics.DroppedMessages.Inc()
			continue
		}
		if !e.round.isParticipating[env.Sender] {
			metrics.DroppedMessages.Inc()
			continue
		}
		raw, ok := env.Fields[fieldLocalTable].(map[string]any)
		if !ok {
			metrics.MalformedMessages.Inc()
			continue
		}
		table, err := decodeLocalTable(raw)
		if err != nil {
			metrics.MalformedMessages.Inc()
			continue
		}
		e.round.receivedLocalTables[env.Sender] = table
	}
	if len(e.round.receivedLocalTables) >= e.earlyStopThreshold(e.participantCount()) || e.phaseTimedOut(config.LocalTableSendMultiplier) {
		return types.StageComputeMedian
	}
	return types.StageSendLocal
}

func (e *Engine) sendLocalTable(ctx context.Context) error {
	fields := map[string]any{}
	if e.cfg.UseBlobOffloadDuringConsensus && e.blob != nil && e.blob.Warm() {
		buf, err := json.Marshal(encodeLocalTable(e.round.localTable))
		if err == nil {
			if id, err2 := e.blob.Put(ctx, buf); err2 == nil {
				fields[fieldLocalTable] = id
				return e.transport.Broadcast(ctx, types.StageSendLocal, fields)
			}
		}
	}
	fields[fieldLocalTable] = encodeLocalTable(e.round.localTable)
	return e.transport.Broadcast(ctx, types.StageSendLocal, fields)
}

// stepComputeMedian implements S3.
func (e *Engine) stepComputeMedian(ctx context.Context) types.Stage {
	participants := e.participantCount()
	if len(e.round.receivedLocalTables) <= participants/2 {
		metrics.RoundsAbandoned.Inc()
		return types.StageRequestHistory
	}
	medianTable, err := e.computeMedianTable(e.round.receivedLocalTables, e.round.roundEpoch)
	if err != nil {
		e.log.Error("compute median table failed", zap.Error(err))
		e.exceptionOccurred = true
		return e.round.stage
	}
	if own, ok := e.round.localTable[e.self.Address()]; ok {
		if entry, ok2 := medianTable[e.self.Address()]; ok2 {
			margin := absDiff(own, entry.Value)
			metrics.MedianErrorMargin.Observe(float64(margin))
			if margin > int(types.MaxAvailability)-int(e.round.potentialThreshold) {
				e.log.Debug("median error margin exceeded (advisory only)", zap.Int("margin", margin))
			}
		}
	}
	e.round.medianTable = medianTable
	e.narrowParticipants(addressSet(e.round.receivedLocalTables))
	return types.StageSendMedian
}

// stepSendMedian implements S4.
func (e *Engine) stepSendMedian(ctx context.Context) types.Stage {
	if _, ok := e.round.receivedMedianTables[e.self.Address()]; !ok {
		e.round.receivedMedianTables[e.self.Address()] = e.round.medianTable
	}
	if e.wall.Now().Sub(e.round.lastSendAt) >= e.cfg.SendInterval {
		if err := e.sendMedianTable(ctx); err != nil {
			e.log.Error("send median table failed", zap.Error(err))
		}
		e.round.lastSendAt = e.wall.Now()
	}
	for _, env := range e.transport.DrainInbox() {
		if env.Stage != types.StageSendMedian {
			metrics.DroppedMessages.Inc()
			continue
		}
		if !e.round.isParticipating[env.Sender] {
			metrics.DroppedMessages.Inc()
			continue
		}
		raw, ok := env.Fields[fieldMedianTable].(map[string]any)
		if !ok {
			metrics.MalformedMessages.Inc()
			continue
		}
		table, err := decodeMedianTable(raw)
		if err != nil {
			metrics.MalformedMessages.Inc()
			continue
		}
		verified := make(types.MedianTable, len(table))
		for node, entry := range table {
			ok, err := e.verifyMedianEntry(entry)
			if err != nil || !ok {
				metrics.SignatureFailures.Inc()
				continue
			}
			verified[node] = entry
		}
		e.round.receivedMedianTables[env.Sender] = verified
	}
	if len(e.round.receivedMedianTables) >= e.earlyStopThreshold(e.participantCount()) || e.phaseTimedOut(1) {
		return types.StageComputeAgreed
	}
	return types.StageSendMedian
}

func (e *Engine) sendMedianTable(ctx context.Context) error {
	fields := map[string]any{}
	if e.cfg.UseBlobOffloadDuringConsensus && e.blob != nil && e.blob.Warm() {
		buf, err := json.Marshal(encodeMedianTable(e.round.medianTable))
		if err == nil {
			if id, err2 := e.blob.Put(ctx, buf); err2 == nil {
				fields[fieldMedianTable] = id
				return e.transport.Broadcast(ctx, types.StageSendMedian, fields)
			}
		}
	}
	fields[fieldMedianTable] = encodeMedianTable(e.round.medianTable)
	return e.transport.Broadcast(ctx, types.StageSendMedian, fields)
}

// stepComputeAgreed implements S5.
func (e *Engine) stepComputeAgreed(ctx context.Context) types.Stage {
	nodes := map[types.NodeAddress]struct{}{}
	for _, table := range e.round.receivedMedianTables {
		for node := range table {
			nodes[node] = struct{}{}
		}
	}
	threshold := e.participantCount() / 2
	agreed := make(types.AgreedTable, len(nodes))
	for _, node := range sortedAddresses(nodes) {
		winner, freq := agreementWinner(node, e.round.receivedMedianTables)
		if freq <= threshold {
			metrics.RoundsAbandoned.Inc()
			return types.StageRequestHistory
		}
		agreed[node] = winner
	}
	e.round.agreedTable = agreed
	e.narrowParticipants(addressSet(e.round.receivedMedianTables))
	return types.StageCollectSignatures
}

// narrowParticipants drops any oracle marked participating that did not
// actually send a message in the phase just completed, tracking oracles that
// announced but then disappeared mid-round.
func (e *Engine) narrowParticipants(actualSenders map[types.NodeAddress]struct{}) {
	for addr, ok := range e.round.isParticipating {
		if !ok {
			continue
		}
		if _, sent := actualSenders[addr]; !sent {
			e.round.isParticipating[addr] = false
		}
	}
}

func addressSet[T any](m map[types.NodeAddress]T) map[types.NodeAddress]struct{} {
	out := make(map[types.NodeAddress]struct{}, len(m))
	for addr := range m {
		out[addr] = struct{}{}
	}
	return out
}

// stepCollectSignatures implements S6.
func (e *Engine) stepCollectSignatures(ctx context.Context) types.Stage {
	canonical := canonicalSignable(e.round.agreedTable, e.round.roundEpoch)
	if _, ok := e.round.collectedSignatures[e.self.Address()]; !ok {
		sig, err := e.self.Sign(canonical)
		if err != nil {
			e.log.Error("sign agreement failed", zap.Error(err))
			e.exceptionOccurred = true
			return e.round.stage
		}
		e.round.collectedSignatures[e.self.Address()] = types.AgreementSignature{Signer: e.self.Address(), Signature: sig}
	}
	if e.wall.Now().Sub(e.round.lastSendAt) >= e.cfg.SendInterval {
		fields := map[string]any{fieldAgreementSignature: encodeSignature(e.round.collectedSignatures[e.self.Address()])}
		if err := e.transport.Broadcast(ctx, types.StageCollectSignatures, fields); err != nil {
			e.log.Error("broadcast signature failed", zap.Error(err))
		}
		e.round.lastSendAt = e.wall.Now()
	}
	for _, env := range e.transport.DrainInbox() {
		if env.Stage != types.StageCollectSignatures {
			metrics.DroppedMessages.Inc()
			continue
		}
		if !e.round.isParticipating[env.Sender] {
			metrics.DroppedMessages.Inc()
			continue
		}
		raw, ok := env.Fields[fieldAgreementSignature]
		if !ok {
			metrics.MalformedMessages.Inc()
			continue
		}
		sig, err := decodeSignature(raw)
		if err != nil {
			metrics.MalformedMessages.Inc()
			continue
		}
		if !e.checkSignerMatchesSender(sig, env) {
			metrics.SignatureFailures.Inc()
			continue
		}
		ok2, err := e.verifier.Verify(sig.Signer, canonical, sig.Signature)
		if err != nil || !ok2 {
			metrics.SignatureFailures.Inc()
			continue
		}
		e.round.collectedSignatures[sig.Signer] = sig
	}
	if len(e.round.collectedSignatures) >= e.earlyStopThreshold(e.participantCount()) || e.phaseTimedOut(1) {
		return types.StageExchangeSigs
	}
	return types.StageCollectSignatures
}

// stepExchangeSignatures implements S10.
func (e *Engine) stepExchangeSignatures(ctx context.Context) types.Stage {
	canonical := canonicalSignable(e.round.agreedTable, e.round.roundEpoch)
	if e.wall.Now().Sub(e.round.lastSendAt) >= e.cfg.SendInterval {
		fields := map[string]any{fieldAgreementSignatures: encodeSignatures(e.round.collectedSignatures)}
		if err := e.transport.Broadcast(ctx, types.StageExchangeSigs, fields); err != nil {
			e.log.Error("broadcast signatures failed", zap.Error(err))
		}
		e.round.lastSendAt = e.wall.Now()
	}
	for _, env := range e.transport.DrainInbox() {
		if env.Stage != types.StageExchangeSigs {
			metrics.DroppedMessages.Inc()
			continue
		}
		if !e.round.isParticipating[env.Sender] {
			metrics.DroppedMessages.Inc()
			continue
		}
		raw, ok := env.Fields[fieldAgreementSignatures].(map[string]any)
		if !ok {
			metrics.MalformedMessages.Inc()
			continue
		}
		sigs, err := decodeSignatures(raw)
		if err != nil {
			metrics.MalformedMessages.Inc()
			continue
		}
		for signer, sig := range sigs {
			ok2, err := e.verifier.Verify(signer, canonical, sig.Signature)
			if err != nil || !ok2 {
				metrics.SignatureFailures.Inc()
				continue
			}
			e.round.collectedSignatures[signer] = sig
		}
	}
	if len(e.round.collectedSignatures) >= e.earlyStopThreshold(e.participantCount()) || e.phaseTimedOut(config.SignaturesExchangeMultiplier) {
		return types.StagePersist
	}
	return types.StageExchangeSigs
}

// stepPersist implements S7.
func (e *Engine) stepPersist(ctx context.Context) types.Stage {
	rec := types.EpochRecord{
		Epoch:      e.round.roundEpoch,
		Table:      e.round.agreedTable.CanonicalAgreedTable(),
		Signatures: signaturesToBytes(e.round.collectedSignatures),
		Valid:      true,
	}
	if err := e.store.WriteEpoch(rec); err != nil {
		e.log.Error("persist epoch failed", zap.Error(err))
		return types.StageRequestHistory
	}
	metrics.RoundsCompleted.Inc()
	if e.cfg.UseBlobOffload && e.blob != nil && e.blob.Warm() {
		buf, err := json.Marshal(encodeAgreedTable(rec.Table))
		if err == nil {
			if id, err2 := e.blob.Put(ctx, buf); err2 == nil {
				if err3 := e.store.AttachBlobID(rec.Epoch, id); err3 != nil {
					e.log.Warn("attach blob id failed", zap.Error(err3))
				}
			}
		}
	}
	return types.StageWait
}

// checkSignerMatchesSender rejects a signature payload whose embedded signer
// does not match the network sender of the envelope that carried it, so one
// oracle cannot forward a signature under another oracle's name.
func (e *Engine) checkSignerMatchesSender(sig types.AgreementSignature, env types.Envelope) bool {
	if sig.Signer != env.Sender {
		e.log.Warn("signature signer does not match envelope sender",
			zap.String("signer", string(sig.Signer)), zap.String("sender", string(env.Sender)))
		return false
	}
	return true
}

func signaturesToBytes(m map[types.NodeAddress]types.AgreementSignature) map[types.NodeAddress][]byte {
	out := make(map[types.NodeAddress][]byte, len(m))
	for addr, sig := range m {
		out[addr] = sig.Signature
	}
	return out
}

// stepRequestHistorical implements S8.
func (e *Engine) stepRequestHistorical(ctx context.Context) types.Stage {
	lo, hi, caughtUp := e.alreadyCaughtUp()
	if caughtUp {
		e.round.roundEpoch = hi
		return types.StageWait
	}
	if e.round.requestLo != lo || e.round.requestHi != hi {
		e.round.requestLo, e.round.requestHi = lo, hi
		e.round.historicalResponses = make(map[types.NodeAddress]historicalResponse)
		e.round.phaseStart = e.wall.Now()
	}
	if e.wall.Now().Sub(e.round.lastSendAt) >= e.cfg.SendInterval {
		fields := map[string]any{
			fieldRequestAgreedMedian: true,
			fieldStartEpoch:          lo,
			fieldEndEpoch:            hi,
		}
		if err := e.transport.Broadcast(ctx, types.StageRequestHistory, fields); err != nil {
			e.log.Error("broadcast historical request failed", zap.Error(err))
		}
		e.round.lastSendAt = e.wall.Now()
	}
	for _, env := range e.transport.DrainInbox() {
		if env.Stage != types.StageWait {
			metrics.DroppedMessages.Inc()
			continue
		}
		resp, ok := e.decodeHistoricalResponse(env)
		if !ok {
			continue
		}
		e.round.historicalResponses[env.Sender] = resp
	}
	// The phase timeout cannot fire on a tick where we have just caught up
	// (alreadyCaughtUp already returned above in that case), so a stale
	// deadline from a prior, wider range never cuts a request short early.
	if len(e.round.historicalResponses) >= e.earlyStopThreshold(e.participantCount()) || e.phaseTimedOut(config.RequestAgreementTableMultiplier) {
		return types.StageComputeHistory
	}
	return types.StageRequestHistory
}

// alreadyCaughtUp reports the current [lo, hi] historical request range and
// whether the store has already synced through it, per
// "_last_epoch_synced_is_previous_epoch" in the source plugin: once caught
// up, no request is sent and the phase cannot time out into a spurious
// S9 pass.
func (e *Engine) alreadyCaughtUp() (lo, hi types.EpochIndex, caughtUp bool) {
	lo = e.store.GetLastSyncedEpoch()
	if e.store.HasSynced() {
		lo++
	} else {
		lo = 0
	}
	hi = e.clock.PreviousEpoch()
	return lo, hi, lo > hi
}

func (e *Engine) decodeHistoricalResponse(env types.Envelope) (historicalResponse, bool) {
	keysRaw, ok := env.Fields[fieldEpochKeys]
	if !ok {
		metrics.MalformedMessages.Inc()
		return historicalResponse{}, false
	}
	keys, err := decodeEpochList(keysRaw)
	if err != nil {
		metrics.MalformedMessages.Inc()
		return historicalResponse{}, false
	}

	tablesRaw, ok := env.Fields[fieldEpochAgreedTable].(map[string]any)
	if !ok {
		metrics.MalformedMessages.Inc()
		return historicalResponse{}, false
	}
	sigsRaw, ok := env.Fields[fieldEpochSignatures].(map[string]any)
	if !ok {
		metrics.MalformedMessages.Inc()
		return historicalResponse{}, false
	}
	validRaw, ok := env.Fields[fieldEpochIsValid].(map[string]any)
	if !ok {
		metrics.MalformedMessages.Inc()
		return historicalResponse{}, false
	}

	tableDict, err := wireToEpochDict(tablesRaw)
	if err != nil {
		metrics.MalformedMessages.Inc()
		return historicalResponse{}, false
	}
	sigDict, err := wireToEpochDict(sigsRaw)
	if err != nil {
		metrics.MalformedMessages.Inc()
		return historicalResponse{}, false
	}

	idToKey := map[string]types.NodeAddress{}
	if raw, present := env.Fields[fieldIDToNodeAddress]; present {
		if m, ok := raw.(map[string]any); ok {
			for id, addr := range m {
				if s, ok := addr.(string); ok {
					idToKey[id] = types.NodeAddress(s)
				}
			}
		}
	}
	unsqueezed := squeeze.Unsqueeze([]squeeze.EpochDict{tableDict, sigDict}, idToKey)
	tableDict, sigDict = unsqueezed[0], unsqueezed[1]

	records := make(map[types.EpochIndex]types.EpochRecord, len(keys))
	for _, epoch := range keys {
		key := epoch.String()
		tableInner, ok := tableDict[key]
		if !ok {
			metrics.MalformedMessages.Inc()
			return historicalResponse{}, false
		}
		table := make(types.AgreedTable, len(tableInner))
		for addr, v := range tableInner {
			val, err := decodeUint8(v)
			if err != nil {
				metrics.MalformedMessages.Inc()
				return historicalResponse{}, false
			}
			table[addr] = val
		}

		sigInner, ok := sigDict[key]
		if !ok {
			metrics.MalformedMessages.Inc()
			return historicalResponse{}, false
		}
		sigs := make(map[types.NodeAddress][]byte, len(sigInner))
		for addr, v := range sigInner {
			s, ok := v.(string)
			if !ok {
				metrics.MalformedMessages.Inc()
				return historicalResponse{}, false
			}
			b, err := decodeBytesField(s)
			if err != nil {
				metrics.MalformedMessages.Inc()
				return historicalResponse{}, false
			}
			sigs[addr] = b
		}
		validVal, _ := validRaw[key].(bool)

		for signer, sigBytes := range sigs {
			ok2, err := e.verifier.Verify(signer, canonicalSignable(table, epoch), sigBytes)
			if err != nil || !ok2 {
				metrics.SignatureFailures.Inc()
				return historicalResponse{}, false
			}
		}
		records[epoch] = types.EpochRecord{Epoch: epoch, Table: table, Signatures: sigs, Valid: validVal}
	}
	return historicalResponse{respondent: env.Sender, records: records}, true
}

// stepComputeHistory implements S9.
func (e *Engine) stepComputeHistory(ctx context.Context) types.Stage {
	lo, hi := e.round.requestLo, e.round.requestHi
	if len(e.round.historicalResponses) == 0 {
		e.markRangeFaulty(lo, hi)
		e.round.roundEpoch = hi
		return types.StageWait
	}
	winner, freq, err := historicalWinner(e.round.historicalResponses)
	if err != nil {
		e.log.Error("historical winner computation failed", zap.Error(err))
		e.exceptionOccurred = true
		return e.round.stage
	}
	if freq <= len(e.round.historicalResponses)/2 {
		e.markRangeFaulty(lo, hi)
		e.round.roundEpoch = hi
		return types.StageWait
	}
	chosen := e.round.historicalResponses[winner]
	for epoch := lo; epoch <= hi; epoch++ {
		rec, ok := chosen.records[epoch]
		if !ok {
			continue
		}
		if err := e.store.WriteEpoch(rec); err != nil {
			e.log.Error("write historical epoch failed", zap.Uint64("epoch", uint64(epoch)), zap.Error(err))
		}
	}
	e.round.roundEpoch = hi
	return types.StageWait
}

func (e *Engine) markRangeFaulty(lo, hi types.EpochIndex) {
	for epoch := lo; epoch <= hi; epoch++ {
		if err := e.store.MarkFaulty(epoch); err != nil {
			e.log.Error("mark faulty failed", zap.Uint64("epoch", uint64(epoch)), zap.Error(err))
			continue
		}
		metrics.EpochsMarkedFaulty.Inc()
	}
}
