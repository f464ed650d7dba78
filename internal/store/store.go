// Package store implements the Availability Store: the durable, append-only
// ledger of per-epoch agreed availability tables and their signatures.
// Backed by goleveldb (the same on-disk KV technology the blob store's
// go-ds-leveldb wraps). Each epoch record is written as one leveldb Put, the
// last-synced-epoch marker file is replaced through natefinch/atomic, and a
// gofrs/flock file lock enforces the single-writer invariant spec.md §5
// requires of the store.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// ErrEpochNotFound is returned by GetEpoch when no record exists for the
// requested epoch.
var ErrEpochNotFound = errors.New("store: epoch not found")

// ErrBlobAlreadyAttached is returned by AttachBlobID when the record already
// carries a blob id.
var ErrBlobAlreadyAttached = errors.New("store: blob id already attached")

// LocalObserver is the collaborating network-monitoring subsystem that
// produces raw per-epoch local observations; the store itself never computes
// these, per spec.md §4.3.
type LocalObserver interface {
	PreviousEpochValue(node types.NodeAddress) (types.AvailabilityValue, bool)
}

// Store persists epoch records and tracks the monotonic last-synced-epoch
// marker.
type Store struct {
	mu       sync.Mutex
	db       *leveldb.DB
	lock     *flock.Flock
	observer LocalObserver
	log      *zap.Logger

	markerPath     string
	lastSyncedEpoch types.EpochIndex
	haveSynced      bool
}

// Opt configures a Store at construction time.
type Opt func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) { s.log = logger }
}

// WithObserver sets the LocalObserver port used by GetPreviousEpochValue.
func WithObserver(observer LocalObserver) Opt {
	return func(s *Store) { s.observer = observer }
}

// Open opens (creating if absent) a leveldb-backed store rooted at dir,
// taking an exclusive file lock for the lifetime of the Store.
func Open(dir string, opts ...Opt) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store: %s is locked by another process", dir)
	}

	db, err := leveldb.OpenFile(filepath.Join(dir, "epochs"), nil)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("store: open leveldb: %w", err)
	}

	s := &Store{
		db:         db,
		lock:       lock,
		log:        zap.NewNop(),
		markerPath: filepath.Join(dir, "last_synced_epoch.json"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadMarker(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

// Close releases the leveldb handle and the file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

type marker struct {
	LastSyncedEpoch types.EpochIndex `json:"last_synced_epoch"`
}

func (s *Store) loadMarker() error {
	buf, err := os.ReadFile(s.markerPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read marker: %w", err)
	}
	var m marker
	if err := json.Unmarshal(buf, &m); err != nil {
		return fmt.Errorf("store: decode marker: %w", err)
	}
	s.lastSyncedEpoch = m.LastSyncedEpoch
	s.haveSynced = true
	return nil
}

func (s *Store) writeMarker(epoch types.EpochIndex) error {
	buf, err := json.Marshal(marker{LastSyncedEpoch: epoch})
	if err != nil {
		return fmt.Errorf("store: encode marker: %w", err)
	}
	if err := atomic.WriteFile(s.markerPath, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("store: write marker: %w", err)
	}
	return nil
}

// GetLastSyncedEpoch returns the highest epoch index ever successfully
// written. Callers must not assume a record exists for epoch 0 if no epoch
// has ever been synced; check HasSynced.
func (s *Store) GetLastSyncedEpoch() types.EpochIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncedEpoch
}

// HasSynced reports whether any epoch has ever been written.
func (s *Store) HasSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveSynced
}

// GetPreviousEpochValue returns node's raw local observation for the
// just-ended epoch, via the injected LocalObserver.
func (s *Store) GetPreviousEpochValue(node types.NodeAddress) (types.AvailabilityValue, bool) {
	if s.observer == nil {
		return 0, false
	}
	return s.observer.PreviousEpochValue(node)
}

func epochKey(e types.EpochIndex) []byte {
	return []byte(fmt.Sprintf("epoch/%020d", uint64(e)))
}

// GetEpoch returns the persisted record for epoch e.
func (s *Store) GetEpoch(e types.EpochIndex) (types.EpochRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.db.Get(epochKey(e), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return types.EpochRecord{}, ErrEpochNotFound
	}
	if err != nil {
		return types.EpochRecord{}, fmt.Errorf("store: get epoch %d: %w", e, err)
	}
	var rec types.EpochRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return types.EpochRecord{}, fmt.Errorf("store: decode epoch %d: %w", e, err)
	}
	return rec, nil
}

// WriteEpoch writes a new epoch record and advances last_synced_epoch. It is
// rejected (no-op, returns an error) if e <= last_synced_epoch, per spec.md
// §4.3 and the "last_synced_epoch never regresses" invariant.
func (s *Store) WriteEpoch(rec types.EpochRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveSynced && rec.Epoch <= s.lastSyncedEpoch {
		return fmt.Errorf("store: epoch %d <= last synced epoch %d, rejected", rec.Epoch, s.lastSyncedEpoch)
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode epoch %d: %w", rec.Epoch, err)
	}
	if err := s.db.Put(epochKey(rec.Epoch), buf, nil); err != nil {
		return fmt.Errorf("store: put epoch %d: %w", rec.Epoch, err)
	}
	if err := s.writeMarker(rec.Epoch); err != nil {
		return err
	}
	s.lastSyncedEpoch = rec.Epoch
	s.haveSynced = true
	return nil
}

// MarkFaulty writes epoch e as valid=false with an empty table and
// signature set, advancing last_synced_epoch the same way WriteEpoch does.
func (s *Store) MarkFaulty(e types.EpochIndex) error {
	return s.WriteEpoch(types.EpochRecord{
		Epoch:      e,
		Table:      types.AgreedTable{},
		Signatures: map[types.NodeAddress][]byte{},
		Valid:      false,
	})
}

// AttachBlobID attaches a blob identifier to an existing record. Permitted
// only when the record exists and has no blob id yet (spec.md §4.3).
func (s *Store) AttachBlobID(e types.EpochIndex, blobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.db.Get(epochKey(e), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrEpochNotFound
	}
	if err != nil {
		return fmt.Errorf("store: get epoch %d: %w", e, err)
	}
	var rec types.EpochRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return fmt.Errorf("store: decode epoch %d: %w", e, err)
	}
	if rec.BlobID != "" {
		return ErrBlobAlreadyAttached
	}
	rec.BlobID = blobID
	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode epoch %d: %w", e, err)
	}
	return s.db.Put(epochKey(e), out, nil)
}

// Persist is part of the Availability Store contract. Every WriteEpoch,
// MarkFaulty and AttachBlobID call already hands its record to goleveldb
// (with default write options, which do not force an fsync), so Persist has
// nothing buffered of its own to flush and is a no-op.
func (s *Store) Persist() error {
	return nil
}
