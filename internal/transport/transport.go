// Package transport implements the Message Transport component: signs and
// broadcasts outbound envelopes, and receives, verifies and queues inbound
// ones into bounded per-sender deques. Grounded on the teacher's
// hare3.Hare.Handler decode -> validate -> verify pipeline, adapted from a
// gossip-topic Handler to an explicit Receive(Envelope) port since this
// protocol's networking layer is an injected port (see DESIGN.md for why
// the go-libp2p stack itself is not wired in).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Ratio1/edge-node-sub001/internal/blob"
	"github.com/Ratio1/edge-node-sub001/internal/metrics"
	"github.com/Ratio1/edge-node-sub001/internal/schema"
	"github.com/Ratio1/edge-node-sub001/internal/signing"
	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// Broadcaster fans an outbound envelope out to every other known oracle. It
// is a host-provided port; the engine never opens a socket itself.
type Broadcaster interface {
	Broadcast(ctx context.Context, env types.Envelope) error
}

// OracleChecker reports whether an address currently belongs to the oracle
// roster, used to drop messages from non-oracles at receive time.
type OracleChecker interface {
	IsOracle(ctx context.Context, addr types.NodeAddress) (bool, error)
}

// BlobResolver adapts a blob.Store to schema.Resolver, JSON-decoding the
// resolved payload into the map shape the schema validator expects.
type BlobResolver struct {
	Store *blob.Store
}

// Resolve implements schema.Resolver.
func (r BlobResolver) Resolve(raw any) (map[string]any, error) {
	id, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("blob resolver: expected string id, got %T", raw)
	}
	payload, err := r.Store.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("blob resolver: decode payload for %q: %w", id, err)
	}
	return out, nil
}

// Transport signs, broadcasts, and queues oracle messages.
type Transport struct {
	mu         sync.Mutex
	inbox      map[types.NodeAddress][]types.Envelope
	capacity   int
	self       *signing.Signer
	verifier   *signing.Verifier
	broadcast  Broadcaster
	oracles    OracleChecker
	resolve    schema.Resolver
	log        *zap.Logger
}

// Opt configures a Transport at construction time.
type Opt func(*Transport)

// WithLogger overrides the transport's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(t *Transport) { t.log = logger }
}

// WithBlobResolver sets the resolver used for maybe-id fields.
func WithBlobResolver(resolver schema.Resolver) Opt {
	return func(t *Transport) { t.resolve = resolver }
}

// New builds a Transport. capacity is the bounded per-sender inbox size
// (spec.md §4.4 default: 50).
func New(self *signing.Signer, verifier *signing.Verifier, broadcaster Broadcaster, oracles OracleChecker, capacity int, opts ...Opt) *Transport {
	t := &Transport{
		inbox:     make(map[types.NodeAddress][]types.Envelope),
		capacity:  capacity,
		self:      self,
		verifier:  verifier,
		broadcast: broadcaster,
		oracles:   oracles,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// signablePayload is the object that gets digested and signed: the field
// map plus stage, matching `self.bc.sign(oracle_data, ...)` in the source
// (EE_SIGN is the signature field itself, excluded from its own digest).
type signablePayload struct {
	Stage  types.Stage    `json:"stage"`
	Fields map[string]any `json:"fields"`
}

// Broadcast signs env with the local signer, tags it with stage, and hands
// it to the injected Broadcaster.
func (t *Transport) Broadcast(ctx context.Context, stage types.Stage, fields map[string]any) error {
	sig, err := t.self.Sign(signablePayload{Stage: stage, Fields: fields})
	if err != nil {
		return fmt.Errorf("transport: sign: %w", err)
	}
	env := types.Envelope{
		Sender:    t.self.Address(),
		Stage:     stage,
		Fields:    fields,
		Signature: sig,
	}
	return t.broadcast.Broadcast(ctx, env)
}

// Receive validates, verifies, and enqueues an inbound envelope. Messages
// from non-oracles or with malformed envelopes are dropped at receive time,
// per spec.md §4.4.
func (t *Transport) Receive(ctx context.Context, env types.Envelope) error {
	isOracle, err := t.oracles.IsOracle(ctx, env.Sender)
	if err != nil {
		return fmt.Errorf("transport: check oracle status: %w", err)
	}
	if !isOracle {
		metrics.DroppedMessages.Inc()
		return fmt.Errorf("transport: sender %q is not a current oracle", env.Sender)
	}

	if err := schema.Validate(&env, t.resolve); err != nil {
		metrics.MalformedMessages.Inc()
		return fmt.Errorf("transport: %w", err)
	}

	ok, err := t.verifier.Verify(env.Sender, signablePayload{Stage: env.Stage, Fields: env.Fields}, env.Signature)
	if err != nil || !ok {
		metrics.SignatureFailures.Inc()
		return fmt.Errorf("transport: signature verification failed for sender %q: %w", env.Sender, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	queue := t.inbox[env.Sender]
	queue = append(queue, env)
	if len(queue) > t.capacity {
		metrics.DroppedMessages.Add(float64(len(queue) - t.capacity))
		queue = queue[len(queue)-t.capacity:] // drop oldest
	}
	t.inbox[env.Sender] = queue
	return nil
}

// DrainInbox returns at most one (the oldest) queued message per sender,
// preserving fairness across senders, per spec.md §4.4.
func (t *Transport) DrainInbox() []types.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Envelope, 0, len(t.inbox))
	for sender, queue := range t.inbox {
		if len(queue) == 0 {
			continue
		}
		out = append(out, queue[0])
		if len(queue) == 1 {
			delete(t.inbox, sender)
		} else {
			t.inbox[sender] = queue[1:]
		}
	}
	return out
}

// QueueLength returns the current inbox depth for sender, exposed for tests
// asserting the bounded-queue invariant.
func (t *Transport) QueueLength(sender types.NodeAddress) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbox[sender])
}
