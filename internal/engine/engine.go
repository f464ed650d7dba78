// Package engine implements the Consensus State Machine: the twelve-state,
// message-driven protocol by which oracle nodes agree once per epoch on an
// availability score for every known node. Grounded on the teacher's
// hare3.Hare driver loop (errgroup-managed goroutine, ticker-driven Step,
// functional-option construction) generalized from a single weak-coin round
// to a twelve-state round (S0-S11) with a historical catch-up branch.
package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ratio1/edge-node-sub001/internal/config"
	"github.com/Ratio1/edge-node-sub001/internal/metrics"
	"github.com/Ratio1/edge-node-sub001/internal/signing"
	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// OracleSet is the subset of the oracle roster the engine needs.
type OracleSet interface {
	Current(ctx context.Context) (map[types.NodeAddress]struct{}, error)
	IsOracle(ctx context.Context, addr types.NodeAddress) (bool, error)
}

// NodeDirectory enumerates every node known to the local observer, the
// population the engine builds a local availability table over.
type NodeDirectory interface {
	KnownNodes(ctx context.Context) ([]types.NodeAddress, error)
}

// EpochSource is the subset of epochclock.Clock the engine consumes.
type EpochSource interface {
	CurrentEpoch() types.EpochIndex
	PreviousEpoch() types.EpochIndex
}

// AvailabilityStore is the subset of store.Store the engine consumes.
type AvailabilityStore interface {
	GetLastSyncedEpoch() types.EpochIndex
	HasSynced() bool
	GetPreviousEpochValue(node types.NodeAddress) (types.AvailabilityValue, bool)
	GetEpoch(e types.EpochIndex) (types.EpochRecord, error)
	WriteEpoch(rec types.EpochRecord) error
	MarkFaulty(e types.EpochIndex) error
	AttachBlobID(e types.EpochIndex, blobID string) error
}

// BlobStore is the subset of blob.Store the engine consumes.
type BlobStore interface {
	Warm() bool
	Put(ctx context.Context, payload []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// TransportPort is the subset of transport.Transport the engine consumes.
type TransportPort interface {
	Broadcast(ctx context.Context, stage types.Stage, fields map[string]any) error
	DrainInbox() []types.Envelope
}

// Engine runs the consensus state machine for one oracle node.
type Engine struct {
	self      *signing.Signer
	verifier  *signing.Verifier
	roster    OracleSet
	directory NodeDirectory
	clock     EpochSource
	wall      clockwork.Clock
	store     AvailabilityStore
	blob      BlobStore
	transport TransportPort
	cfg       config.Config
	log       *zap.Logger

	round roundState

	// lastSelfAssessmentAt tracks the self-assessment log timer, which runs
	// independently of the round state machine and is never reset by a
	// transition.
	lastSelfAssessmentAt time.Time

	// exceptionOccurred is sticky: once any state callback panics/errors
	// unexpectedly the engine logs and stops advancing, per the "unhandled
	// exception" failure semantics. A supervising caller may call Reset.
	exceptionOccurred bool

	// warmedUp latches true the first tick the blob store reports itself
	// warm (or isn't needed at all), so the one-time startup gate never
	// re-checks once past it.
	warmedUp bool
}

// Opt configures an Engine at construction time.
type Opt func(*Engine)

// WithLogger overrides the engine's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(e *Engine) { e.log = logger }
}

// WithWallClock overrides the clock used for phase-timeout tracking (tests
// inject clockwork.NewFakeClock()).
func WithWallClock(wall clockwork.Clock) Opt {
	return func(e *Engine) { e.wall = wall }
}

// WithBlob attaches the optional blob offload store.
func WithBlob(b BlobStore) Opt {
	return func(e *Engine) { e.blob = b }
}

// New builds an Engine. It starts in S8 (request historical agreement),
// matching the "startup" entry point in the state diagram.
func New(self *signing.Signer, verifier *signing.Verifier, roster OracleSet, directory NodeDirectory, clock EpochSource, st AvailabilityStore, transport TransportPort, cfg config.Config, opts ...Opt) *Engine {
	e := &Engine{
		self:      self,
		verifier:  verifier,
		roster:    roster,
		directory: directory,
		clock:     clock,
		wall:      clockwork.NewRealClock(),
		store:     st,
		transport: transport,
		cfg:       cfg,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.round = newRoundState(types.StageRequestHistory)
	return e
}

// Run drives the engine at a fixed cadence until ctx is canceled. It mirrors
// the teacher's errgroup-supervised goroutine pattern.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if e.cfg.ProcessDelay <= 0 {
			return e.runTight(ctx)
		}
		ticker := e.wall.NewTicker(e.cfg.ProcessDelay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.Chan():
				e.Step(ctx)
			}
		}
	})
	return g.Wait()
}

// runTight steps as fast as possible, used when ProcessDelay is zero (tests).
func (e *Engine) runTight(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			e.Step(ctx)
		}
	}
}

// Reset clears the sticky exception flag, allowing the engine to resume
// advancing. Per spec.md §4.6 this is the only recovery path from an
// unhandled exception.
func (e *Engine) Reset() {
	e.exceptionOccurred = false
}

// ExceptionOccurred reports the sticky failure flag.
func (e *Engine) ExceptionOccurred() bool {
	return e.exceptionOccurred
}

// Stage returns the engine's current state-machine stage, for observability
// and tests.
func (e *Engine) Stage() types.Stage {
	return e.round.stage
}

// Step performs one atomic advance: dispatch the current stage's handler,
// drain at most one inbound message per sender, and apply any resulting
// transition. One Step never emits more than the current phase's messages.
func (e *Engine) Step(ctx context.Context) {
	if e.exceptionOccurred {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("state callback panicked, halting engine", zap.String("stage", string(e.round.stage)), zap.Any("panic", r))
			e.exceptionOccurred = true
		}
	}()
	e.selfAssess()
	if e.awaitingBlobWarmup() {
		return
	}
	start := e.wall.Now()
	next := e.dispatch(ctx)
	metrics.PhaseLatency.WithLabelValues(string(e.round.stage)).Observe(e.wall.Now().Sub(start).Seconds())
	if next != e.round.stage {
		e.log.Debug("state transition", zap.String("from", string(e.round.stage)), zap.String("to", string(next)))
		e.transition(next)
	}
}

// selfAssess periodically logs the node's own previous-epoch availability
// and derived thresholds, independent of the state machine and of whether
// this node can currently participate as an oracle.
func (e *Engine) selfAssess() {
	if e.cfg.SelfAssessmentInterval <= 0 {
		return
	}
	now := e.wall.Now()
	if !e.lastSelfAssessmentAt.IsZero() && now.Sub(e.lastSelfAssessmentAt) < e.cfg.SelfAssessmentInterval {
		return
	}
	e.lastSelfAssessmentAt = now
	ownPrev, haveOwn := e.store.GetPreviousEpochValue(e.self.Address())
	e.log.Info("self assessment",
		zap.String("node", string(e.self.Address())),
		zap.Bool("has previous epoch value", haveOwn),
		zap.Uint8("previous availability", uint8(ownPrev)),
		zap.Uint8("full threshold", uint8(types.FullThreshold)),
		zap.Uint8("potential threshold", uint8(potentialThreshold(ownPrev))),
	)
}

// awaitingBlobWarmup implements the one-time startup gate: when blob offload
// is configured, the state machine holds (Step becomes a no-op) until the
// blob store reports itself warm, matching the source plugin blocking
// on_init until the IPFS-backed store was ready.
func (e *Engine) awaitingBlobWarmup() bool {
	if e.warmedUp {
		return false
	}
	needsBlob := e.cfg.UseBlobOffload || e.cfg.UseBlobOffloadDuringConsensus
	if !needsBlob || e.blob == nil || e.blob.Warm() {
		e.warmedUp = true
		return false
	}
	return true
}

func (e *Engine) dispatch(ctx context.Context) types.Stage {
	switch e.round.stage {
	case types.StageWait:
		return e.stepWait(ctx)
	case types.StageAnnounce:
		return e.stepAnnounce(ctx)
	case types.StageComputeLocal:
		return e.stepComputeLocal(ctx)
	case types.StageSendLocal:
		return e.stepSendLocal(ctx)
	case types.StageComputeMedian:
		return e.stepComputeMedian(ctx)
	case types.StageSendMedian:
		return e.stepSendMedian(ctx)
	case types.StageComputeAgreed:
		return e.stepComputeAgreed(ctx)
	case types.StageCollectSignatures:
		return e.stepCollectSignatures(ctx)
	case types.StageExchangeSigs:
		return e.stepExchangeSignatures(ctx)
	case types.StagePersist:
		return e.stepPersist(ctx)
	case types.StageRequestHistory:
		return e.stepRequestHistorical(ctx)
	case types.StageComputeHistory:
		return e.stepComputeHistory(ctx)
	default:
		e.log.Error("unknown stage, treating as exception", zap.String("stage", string(e.round.stage)))
		e.exceptionOccurred = true
		return e.round.stage
	}
}

// transition resets the round-wide transient state whenever the engine
// leaves the round entirely (back to S0/S8), and always records the new
// stage and phase-entry timestamp.
func (e *Engine) transition(next types.Stage) {
	if next == types.StageWait || next == types.StageRequestHistory {
		roundEpoch := e.round.roundEpoch
		e.round = newRoundState(next)
		e.round.roundEpoch = roundEpoch
	} else {
		e.round.stage = next
	}
	e.round.phaseStart = e.wall.Now()
}

func (e *Engine) phaseDeadline(multiplier int) time.Time {
	return e.round.phaseStart.Add(time.Duration(multiplier) * e.cfg.SendPeriod)
}

func (e *Engine) phaseTimedOut(multiplier int) bool {
	return e.wall.Now().After(e.phaseDeadline(multiplier))
}

func (e *Engine) earlyStopThreshold(participants int) int {
	t := participants - e.cfg.AcceptedReportsThreshold
	if t < 1 {
		t = 1
	}
	return t
}
