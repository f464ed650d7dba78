// Package httppeer is the default concrete Broadcaster: it fans an
// envelope out to a static list of peer URLs over HTTP and exposes a
// handler that feeds received envelopes into a transport.Transport. A real
// deployment could swap this for a gossip/libp2p broadcaster without any
// change to the engine or transport packages, since both consume the
// Broadcaster interface rather than this concrete type.
package httppeer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// Receiver accepts a decoded inbound envelope, matching transport.Transport's
// Receive method.
type Receiver interface {
	Receive(ctx context.Context, env types.Envelope) error
}

// Peers broadcasts envelopes to a fixed set of peer base URLs and serves
// inbound ones on an HTTP handler.
type Peers struct {
	client *http.Client
	urls   []string
	log    *zap.Logger
}

// Opt configures Peers at construction time.
type Opt func(*Peers)

// WithLogger overrides the logger used for per-peer broadcast failures.
func WithLogger(logger *zap.Logger) Opt {
	return func(p *Peers) { p.log = logger }
}

// New builds a Peers broadcaster posting to the given peer base URLs
// (each expected to serve the message endpoint at "/oracle/message").
func New(urls []string, timeout time.Duration, opts ...Opt) *Peers {
	p := &Peers{
		client: &http.Client{Timeout: timeout},
		urls:   urls,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Broadcast implements transport.Broadcaster: it posts env to every
// configured peer concurrently and best-effort (a single unreachable peer
// does not fail the round; the sending phase's periodic re-broadcast is the
// retry mechanism).
func (p *Peers) Broadcast(ctx context.Context, env types.Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("httppeer: encode envelope: %w", err)
	}
	var wg sync.WaitGroup
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/oracle/message", bytes.NewReader(buf))
			if err != nil {
				p.log.Warn("build broadcast request failed", zap.String("peer", url), zap.Error(err))
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := p.client.Do(req)
			if err != nil {
				p.log.Debug("broadcast to peer failed", zap.String("peer", url), zap.Error(err))
				return
			}
			_ = resp.Body.Close()
		}(url)
	}
	wg.Wait()
	return nil
}

// Handler returns an http.HandlerFunc that decodes a posted envelope and
// hands it to receiver.Receive.
func Handler(receiver Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env types.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}
		if err := receiver.Receive(r.Context(), env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
