// Package schema replaces the source's per-field dynamic type inspection
// (Python's VALUE_STANDARDS dict plus reflection in
// _check_received_oracle_data_for_values) with a statically declared field
// table and a single generic validator.
package schema

import (
	"fmt"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// Kind is the static shape a field value must have.
type Kind int

const (
	KindString Kind = iota
	KindMap
	KindList
	KindBool
	KindInt
	KindMapOrBlobID // "maybe-id": either an inline map, or a string content id
)

// Field declares one expected field of a stage's payload.
type Field struct {
	Name     string
	Kind     Kind
	MaybeCID bool // true iff a string value must be resolved via the blob store before use
}

// Table maps each stage to the fields its envelope must carry.
var Table = map[types.Stage][]Field{
	types.StageAnnounce: {
		{Name: "ANNOUNCED_PARTICIPANTS", Kind: KindList},
	},
	types.StageSendLocal: {
		{Name: "LOCAL_TABLE", Kind: KindMapOrBlobID, MaybeCID: true},
	},
	types.StageSendMedian: {
		{Name: "MEDIAN_TABLE", Kind: KindMapOrBlobID, MaybeCID: true},
	},
	types.StageCollectSignatures: {
		{Name: "AGREEMENT_SIGNATURE", Kind: KindMap},
	},
	types.StageExchangeSigs: {
		{Name: "AGREEMENT_SIGNATURES", Kind: KindMap},
	},
	types.StageRequestHistory: {
		{Name: "REQUEST_AGREED_MEDIAN_TABLE", Kind: KindBool},
		{Name: "START_EPOCH", Kind: KindInt},
		{Name: "END_EPOCH", Kind: KindInt},
	},
	types.StageWait: {
		{Name: "EPOCH_KEYS", Kind: KindList},
		{Name: "EPOCH__AGREED_MEDIAN_TABLE", Kind: KindMapOrBlobID, MaybeCID: true},
		{Name: "EPOCH__AGREEMENT_SIGNATURES", Kind: KindMap},
		{Name: "EPOCH__IS_VALID", Kind: KindMap},
		// ID_TO_NODE_ADDRESS is optional: its presence negotiates key compression.
	},
}

// Resolver resolves a maybe-id field's content id (a string) to the map it
// stands for. Validate passes inline map values through itself and calls
// Resolve only for string values.
type Resolver interface {
	Resolve(raw any) (map[string]any, error)
}

// Validate checks env.Fields against the field table for env.Stage,
// resolving any maybe-id fields in place via resolve. It returns an error
// describing the first problem found; callers must drop the whole message
// on any error, per the engine's failure semantics.
func Validate(env *types.Envelope, resolve Resolver) error {
	fields, known := Table[env.Stage]
	if !known {
		return fmt.Errorf("schema: unknown stage %q", env.Stage)
	}
	for _, f := range fields {
		raw, present := env.Fields[f.Name]
		if !present || raw == nil {
			return fmt.Errorf("schema: stage %q missing field %q", env.Stage, f.Name)
		}
		switch f.Kind {
		case KindString:
			if _, ok := raw.(string); !ok {
				return fmt.Errorf("schema: field %q must be a string", f.Name)
			}
		case KindMap:
			if _, ok := raw.(map[string]any); !ok {
				return fmt.Errorf("schema: field %q must be a map", f.Name)
			}
		case KindList:
			if _, ok := raw.([]any); !ok {
				return fmt.Errorf("schema: field %q must be a list", f.Name)
			}
		case KindBool:
			if _, ok := raw.(bool); !ok {
				return fmt.Errorf("schema: field %q must be a bool", f.Name)
			}
		case KindInt:
			switch raw.(type) {
			case int, int64, float64, types.EpochIndex:
			default:
				return fmt.Errorf("schema: field %q must be an integer", f.Name)
			}
		case KindMapOrBlobID:
			resolved, err := resolveMaybeCID(raw, resolve)
			if err != nil {
				return fmt.Errorf("schema: field %q: %w", f.Name, err)
			}
			env.Fields[f.Name] = resolved
		}
	}
	return nil
}

func resolveMaybeCID(raw any, resolve Resolver) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		if resolve == nil {
			return nil, fmt.Errorf("content id present but no resolver configured")
		}
		resolved, err := resolve.Resolve(v)
		if err != nil {
			return nil, fmt.Errorf("resolve content id %q: %w", v, err)
		}
		if resolved == nil {
			return nil, fmt.Errorf("content id %q resolved to nothing", v)
		}
		return resolved, nil
	default:
		return nil, fmt.Errorf("expected map or content id string, got %T", raw)
	}
}
