// Package blob implements the optional Blob Offload component: a
// content-addressed store for large payloads (full availability tables,
// historical packs), backed by go-ds-leveldb — the same family of IPFS
// datastore tooling the original plugin's R1FS dependency belongs to. When
// disabled, not warmed up, or failing, callers fall back to embedding the
// payload inline, per spec.md §4.5.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	ds "github.com/ipfs/go-datastore"
	leveldb "github.com/ipfs/go-ds-leveldb"
)

// ErrNotFound is returned by Get when no payload exists for the given id.
var ErrNotFound = errors.New("blob: not found")

// Store is a content-addressed blob store. Put is idempotent: putting the
// same bytes twice returns the same id.
type Store struct {
	ds      *leveldb.Datastore
	enabled bool
	warm    atomic.Bool
}

// Open opens (creating if absent) a leveldb-backed content store rooted at
// dir. enabled mirrors the `USE_R1FS` / `cfg_use_r1fs` configuration switch:
// a disabled store always reports itself as not warmed up, and its Put and
// Get return an error without reading or writing the datastore, so callers
// take the inline fallback path. The datastore directory is opened (and
// created if absent) whether or not the store is enabled.
func Open(dir string, enabled bool) (*Store, error) {
	d, err := leveldb.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: open datastore: %w", err)
	}
	s := &Store{ds: d, enabled: enabled}
	if enabled {
		s.warm.Store(true)
	}
	return s, nil
}

// Close releases the underlying datastore handle.
func (s *Store) Close() error {
	return s.ds.Close()
}

// Warm reports whether the store is ready to serve Put/Get. A disabled
// store is never warm, matching the original's "fails => inline fallback"
// contract.
func (s *Store) Warm() bool {
	return s.enabled && s.warm.Load()
}

func contentID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Put stores payload and returns its content id. Returns an error if the
// store is disabled or not warmed up; callers must fall back to inline
// embedding in that case rather than treating it as fatal.
func (s *Store) Put(ctx context.Context, payload []byte) (string, error) {
	if !s.Warm() {
		return "", errors.New("blob: store disabled or not warmed up")
	}
	id := contentID(payload)
	if err := s.ds.Put(ctx, ds.NewKey("/"+id), payload); err != nil {
		return "", fmt.Errorf("blob: put: %w", err)
	}
	return id, nil
}

// Get resolves a content id to its payload.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if !s.Warm() {
		return nil, errors.New("blob: store disabled or not warmed up")
	}
	buf, err := s.ds.Get(ctx, ds.NewKey("/"+id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get %q: %w", id, err)
	}
	return buf, nil
}
