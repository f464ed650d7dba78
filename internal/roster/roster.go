// Package roster resolves the current set of privileged oracle nodes from an
// external registry, following the cache+fallback structure of the
// teacher's hare4/eligibility.Oracle: an LRU-cached snapshot that is
// retained verbatim whenever a refresh attempt fails.
package roster

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// RegistryClient is the external registry (ledger/contract) port the roster
// refreshes from. It corresponds to the Python plugin's `self.bc.get_oracles()`.
type RegistryClient interface {
	CurrentOracles(ctx context.Context) ([]types.NodeAddress, error)
}

const cacheKey = "oracles"

// Roster caches the oracle set, refreshing at most once per interval and
// retaining the previous snapshot on a failed or empty refresh.
type Roster struct {
	mu       sync.Mutex
	registry RegistryClient
	interval time.Duration
	cache    *lru.Cache[string, map[types.NodeAddress]struct{}]
	clock    func() time.Time

	lastRefreshAttempt time.Time
	lastRefreshSuccess time.Time

	log *zap.Logger
}

// Opt configures a Roster at construction time.
type Opt func(*Roster)

// WithLogger overrides the roster's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(r *Roster) { r.log = logger }
}

// WithClock overrides the time source used for refresh throttling (tests
// should inject a deterministic function).
func WithClock(now func() time.Time) Opt {
	return func(r *Roster) { r.clock = now }
}

// New builds a Roster backed by registry, refreshing at most once per
// interval.
func New(registry RegistryClient, interval time.Duration, opts ...Opt) *Roster {
	cache, err := lru.New[string, map[types.NodeAddress]struct{}](1)
	if err != nil {
		panic("roster: failed to create lru cache: " + err.Error())
	}
	r := &Roster{
		registry: registry,
		interval: interval,
		cache:    cache,
		clock:    time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the most recently known oracle set, refreshing from the
// registry first if the cache has gone stale. On a failed or empty refresh,
// the previous snapshot is returned unchanged.
func (r *Roster) Current(ctx context.Context) (map[types.NodeAddress]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if r.lastRefreshAttempt.IsZero() || now.Sub(r.lastRefreshAttempt) > r.interval {
		r.lastRefreshAttempt = now
		oracles, err := r.registry.CurrentOracles(ctx)
		if err != nil {
			r.log.Error("failed to refresh oracle list, keeping previous snapshot", zap.Error(err))
		} else if len(oracles) == 0 {
			r.log.Error("oracle registry returned an empty set, keeping previous snapshot")
		} else {
			set := make(map[types.NodeAddress]struct{}, len(oracles))
			for _, addr := range oracles {
				set[addr] = struct{}{}
			}
			r.cache.Add(cacheKey, set)
			r.lastRefreshSuccess = now
		}
	}

	set, ok := r.cache.Get(cacheKey)
	if !ok {
		return map[types.NodeAddress]struct{}{}, nil
	}
	return set, nil
}

// IsOracle reports whether addr is currently a privileged oracle.
func (r *Roster) IsOracle(ctx context.Context, addr types.NodeAddress) (bool, error) {
	set, err := r.Current(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[addr]
	return ok, nil
}

// LastRefreshSuccess reports when the cache was last populated from a
// non-empty registry response.
func (r *Roster) LastRefreshSuccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefreshSuccess
}
