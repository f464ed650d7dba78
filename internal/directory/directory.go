// Package directory resolves the full population of known network nodes
// (oracles and regular nodes alike) that the engine builds a local
// availability table over. It mirrors package roster's cache+fallback
// shape, since both are views over the same kind of external registry.
package directory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// RegistryClient is the external registry port the directory refreshes
// from.
type RegistryClient interface {
	KnownNodes(ctx context.Context) ([]types.NodeAddress, error)
}

const cacheKey = "nodes"

// Directory caches the known-node population, refreshing at most once per
// interval and retaining the previous snapshot on a failed or empty
// refresh.
type Directory struct {
	mu       sync.Mutex
	registry RegistryClient
	interval time.Duration
	cache    *lru.Cache[string, []types.NodeAddress]
	clock    func() time.Time

	lastRefreshAttempt time.Time
	log                *zap.Logger
}

// Opt configures a Directory at construction time.
type Opt func(*Directory)

// WithLogger overrides the directory's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(d *Directory) { d.log = logger }
}

// WithClock overrides the time source used for refresh throttling.
func WithClock(now func() time.Time) Opt {
	return func(d *Directory) { d.clock = now }
}

// New builds a Directory backed by registry, refreshing at most once per
// interval.
func New(registry RegistryClient, interval time.Duration, opts ...Opt) *Directory {
	cache, err := lru.New[string, []types.NodeAddress](1)
	if err != nil {
		panic("directory: failed to create lru cache: " + err.Error())
	}
	d := &Directory{
		registry: registry,
		interval: interval,
		cache:    cache,
		clock:    time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// KnownNodes implements engine.NodeDirectory.
func (d *Directory) KnownNodes(ctx context.Context) ([]types.NodeAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if d.lastRefreshAttempt.IsZero() || now.Sub(d.lastRefreshAttempt) > d.interval {
		d.lastRefreshAttempt = now
		nodes, err := d.registry.KnownNodes(ctx)
		if err != nil {
			d.log.Error("failed to refresh node directory, keeping previous snapshot", zap.Error(err))
		} else if len(nodes) == 0 {
			d.log.Error("node registry returned an empty set, keeping previous snapshot")
		} else {
			d.cache.Add(cacheKey, nodes)
		}
	}

	nodes, ok := d.cache.Get(cacheKey)
	if !ok {
		return nil, nil
	}
	return nodes, nil
}
