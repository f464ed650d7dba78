package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

type fakeResolver struct {
	resolved map[string]map[string]any
	err      error
}

func (f fakeResolver) Resolve(raw any) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, _ := raw.(string)
	return f.resolved[id], nil
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	env := &types.Envelope{
		Stage: types.StageAnnounce,
		Fields: map[string]any{
			"ANNOUNCED_PARTICIPANTS": []any{"0xaa", "0xbb"},
		},
	}
	require.NoError(t, Validate(env, nil))
}

func TestValidateRejectsMissingField(t *testing.T) {
	env := &types.Envelope{Stage: types.StageAnnounce, Fields: map[string]any{}}
	err := Validate(env, nil)
	assert.Error(t, err)
}

func TestValidateRejectsWrongType(t *testing.T) {
	env := &types.Envelope{
		Stage:  types.StageRequestHistory,
		Fields: map[string]any{"REQUEST_AGREED_MEDIAN_TABLE": "yes", "START_EPOCH": 1, "END_EPOCH": 2},
	}
	err := Validate(env, nil)
	assert.Error(t, err)
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	env := &types.Envelope{Stage: "NOT_A_STAGE", Fields: map[string]any{}}
	assert.Error(t, Validate(env, nil))
}

func TestValidateResolvesInlineMapWithoutResolver(t *testing.T) {
	env := &types.Envelope{
		Stage: types.StageSendLocal,
		Fields: map[string]any{
			"LOCAL_TABLE": map[string]any{"0xaa": 100},
		},
	}
	require.NoError(t, Validate(env, nil))
	assert.Equal(t, map[string]any{"0xaa": 100}, env.Fields["LOCAL_TABLE"])
}

func TestValidateResolvesBlobID(t *testing.T) {
	resolver := fakeResolver{resolved: map[string]map[string]any{
		"cid-1": {"0xaa": 100},
	}}
	env := &types.Envelope{
		Stage:  types.StageSendLocal,
		Fields: map[string]any{"LOCAL_TABLE": "cid-1"},
	}
	require.NoError(t, Validate(env, resolver))
	assert.Equal(t, map[string]any{"0xaa": 100}, env.Fields["LOCAL_TABLE"])
}

func TestValidateFailsWhenBlobIDButNoResolverConfigured(t *testing.T) {
	env := &types.Envelope{
		Stage:  types.StageSendLocal,
		Fields: map[string]any{"LOCAL_TABLE": "cid-1"},
	}
	assert.Error(t, Validate(env, nil))
}

func TestValidatePropagatesResolverError(t *testing.T) {
	resolver := fakeResolver{err: errors.New("blob store unavailable")}
	env := &types.Envelope{
		Stage:  types.StageSendLocal,
		Fields: map[string]any{"LOCAL_TABLE": "cid-1"},
	}
	err := Validate(env, resolver)
	assert.Error(t, err)
}
