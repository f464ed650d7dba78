package engine

import (
	"encoding/base64"
	"fmt"

	"github.com/Ratio1/edge-node-sub001/internal/squeeze"
	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// This file converts between the engine's typed Go values and the
// JSON-generic shapes (map[string]any, []any, float64, base64 string) that
// cross the Envelope boundary, mirroring the teacher's own per-message
// encode/decode pair (see DESIGN.md). encoding/json always decodes numbers
// into float64 and byte slices into base64 strings when the destination is
// interface{}, so every field read back off an Envelope must be converted
// explicitly here rather than type-asserted directly.

func encodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytesField(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode bytes: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("decode bytes: unexpected type %T", raw)
	}
}

func decodeUint8(raw any) (types.AvailabilityValue, error) {
	switch v := raw.(type) {
	case float64:
		return types.AvailabilityValue(v), nil
	case int:
		return types.AvailabilityValue(v), nil
	case types.AvailabilityValue:
		return v, nil
	default:
		return 0, fmt.Errorf("decode availability value: unexpected type %T", raw)
	}
}

func decodeEpoch(raw any) (types.EpochIndex, error) {
	switch v := raw.(type) {
	case float64:
		return types.EpochIndex(v), nil
	case int:
		return types.EpochIndex(v), nil
	case int64:
		return types.EpochIndex(v), nil
	case types.EpochIndex:
		return v, nil
	default:
		return 0, fmt.Errorf("decode epoch: unexpected type %T", raw)
	}
}

func encodeAddresses(addrs []types.NodeAddress) []any {
	out := make([]any, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}

func decodeAddresses(raw any) ([]types.NodeAddress, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("decode addresses: expected list, got %T", raw)
	}
	out := make([]types.NodeAddress, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("decode addresses: expected string entry, got %T", item)
		}
		out = append(out, types.NodeAddress(s))
	}
	return out, nil
}

func encodeLocalTable(t types.LocalTable) map[string]any {
	out := make(map[string]any, len(t))
	for addr, v := range t {
		out[string(addr)] = v
	}
	return out
}

func decodeLocalTable(raw map[string]any) (types.LocalTable, error) {
	out := make(types.LocalTable, len(raw))
	for addr, v := range raw {
		val, err := decodeUint8(v)
		if err != nil {
			return nil, err
		}
		out[types.NodeAddress(addr)] = val
	}
	return out, nil
}

func encodeMedianEntry(entry types.SignedMedianEntry) map[string]any {
	return map[string]any{
		"value":     entry.Value,
		"epoch":     entry.Epoch,
		"node":      string(entry.Node),
		"signer":    string(entry.Signer),
		"signature": encodeBytes(entry.Signature),
	}
}

func decodeMedianEntry(raw any) (types.SignedMedianEntry, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return types.SignedMedianEntry{}, fmt.Errorf("decode median entry: expected map, got %T", raw)
	}
	value, err := decodeUint8(m["value"])
	if err != nil {
		return types.SignedMedianEntry{}, err
	}
	epoch, err := decodeEpoch(m["epoch"])
	if err != nil {
		return types.SignedMedianEntry{}, err
	}
	node, ok := m["node"].(string)
	if !ok {
		return types.SignedMedianEntry{}, fmt.Errorf("decode median entry: missing node")
	}
	signer, ok := m["signer"].(string)
	if !ok {
		return types.SignedMedianEntry{}, fmt.Errorf("decode median entry: missing signer")
	}
	sig, err := decodeBytesField(m["signature"])
	if err != nil {
		return types.SignedMedianEntry{}, err
	}
	return types.SignedMedianEntry{
		Value: value, Epoch: epoch, Node: types.NodeAddress(node),
		Signer: types.NodeAddress(signer), Signature: sig,
	}, nil
}

func encodeMedianTable(t types.MedianTable) map[string]any {
	out := make(map[string]any, len(t))
	for addr, entry := range t {
		out[string(addr)] = encodeMedianEntry(entry)
	}
	return out
}

func decodeMedianTable(raw map[string]any) (types.MedianTable, error) {
	out := make(types.MedianTable, len(raw))
	for addr, v := range raw {
		entry, err := decodeMedianEntry(v)
		if err != nil {
			return nil, err
		}
		out[types.NodeAddress(addr)] = entry
	}
	return out, nil
}

func encodeSignature(sig types.AgreementSignature) map[string]any {
	return map[string]any{
		"signer":    string(sig.Signer),
		"signature": encodeBytes(sig.Signature),
	}
}

func decodeSignature(raw any) (types.AgreementSignature, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return types.AgreementSignature{}, fmt.Errorf("decode signature: expected map, got %T", raw)
	}
	signer, ok := m["signer"].(string)
	if !ok {
		return types.AgreementSignature{}, fmt.Errorf("decode signature: missing signer")
	}
	sig, err := decodeBytesField(m["signature"])
	if err != nil {
		return types.AgreementSignature{}, err
	}
	return types.AgreementSignature{Signer: types.NodeAddress(signer), Signature: sig}, nil
}

func encodeSignatures(m map[types.NodeAddress]types.AgreementSignature) map[string]any {
	out := make(map[string]any, len(m))
	for addr, sig := range m {
		out[string(addr)] = encodeSignature(sig)
	}
	return out
}

func decodeSignatures(raw map[string]any) (map[types.NodeAddress]types.AgreementSignature, error) {
	out := make(map[types.NodeAddress]types.AgreementSignature, len(raw))
	for addr, v := range raw {
		sig, err := decodeSignature(v)
		if err != nil {
			return nil, err
		}
		out[types.NodeAddress(addr)] = sig
	}
	return out, nil
}

func encodeAgreedTable(t types.AgreedTable) map[string]any {
	out := make(map[string]any, len(t))
	for addr, v := range t {
		out[string(addr)] = v
	}
	return out
}

func decodeEpochList(raw any) ([]types.EpochIndex, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("decode epoch list: expected list, got %T", raw)
	}
	out := make([]types.EpochIndex, 0, len(list))
	for _, item := range list {
		e, err := decodeEpoch(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// epochDictToWire flattens a squeeze.EpochDict into the plain
// map[string]map[string]any shape that crosses the Envelope boundary.
func epochDictToWire(dict squeeze.EpochDict) map[string]any {
	out := make(map[string]any, len(dict))
	for epoch, inner := range dict {
		innerOut := make(map[string]any, len(inner))
		for addr, v := range inner {
			innerOut[string(addr)] = v
		}
		out[epoch] = innerOut
	}
	return out
}

// wireToEpochDict is the inverse of epochDictToWire, used to feed received
// EPOCH__AGREED_MEDIAN_TABLE / EPOCH__AGREEMENT_SIGNATURES fields into
// squeeze.Unsqueeze.
func wireToEpochDict(raw map[string]any) (squeeze.EpochDict, error) {
	out := make(squeeze.EpochDict, len(raw))
	for epoch, v := range raw {
		inner, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("wire to epoch dict: expected map for epoch %q, got %T", epoch, v)
		}
		innerOut := make(map[types.NodeAddress]any, len(inner))
		for addr, val := range inner {
			innerOut[types.NodeAddress(addr)] = val
		}
		out[epoch] = innerOut
	}
	return out, nil
}
