package httppeer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

type recordingReceiver struct {
	received []types.Envelope
	err      error
}

func (r *recordingReceiver) Receive(ctx context.Context, env types.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.received = append(r.received, env)
	return nil
}

func TestBroadcastPostsEnvelopeToEveryPeer(t *testing.T) {
	var got []types.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oracle/message", r.URL.Path)
		var env types.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		got = append(got, env)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := New([]string{srv.URL}, time.Second)
	err := p.Broadcast(context.Background(), types.Envelope{Sender: "0xa", Stage: types.StageAnnounce})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.NodeAddress("0xa"), got[0].Sender)
}

func TestBroadcastToleratesUnreachablePeer(t *testing.T) {
	p := New([]string{"http://127.0.0.1:1"}, 50*time.Millisecond)
	err := p.Broadcast(context.Background(), types.Envelope{Sender: "0xa"})
	assert.NoError(t, err, "an unreachable peer must not fail the whole broadcast")
}

func TestHandlerDecodesAndForwardsValidEnvelope(t *testing.T) {
	recv := &recordingReceiver{}
	h := Handler(recv)

	body := `{"sender":"0xa","stage":"ANNOUNCE_PARTICIPANTS","fields":{},"signature":null}`
	req := httptest.NewRequest(http.MethodPost, "/oracle/message", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, recv.received, 1)
	assert.Equal(t, types.NodeAddress("0xa"), recv.received[0].Sender)
}

func TestHandlerRejectsMalformedJSON(t *testing.T) {
	recv := &recordingReceiver{}
	h := Handler(recv)

	req := httptest.NewRequest(http.MethodPost, "/oracle/message", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, recv.received)
}

func TestHandlerPropagatesReceiverError(t *testing.T) {
	recv := &recordingReceiver{err: fmt.Errorf("rejected")}
	h := Handler(recv)

	req := httptest.NewRequest(http.MethodPost, "/oracle/message", strings.NewReader(`{"sender":"0xa","stage":"ANNOUNCE_PARTICIPANTS","fields":{}}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
