// Package persist implements the sidecar term-file persistence layer:
// the small snapshot of in-memory engine state that must survive a
// restart without depending on the full KV (sync_record, block_index,
// disk_pool_data_roots, disk_pool_size, compacted_size).
package persist

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/ecolog/arweave/internal/synclog"
	"github.com/ecolog/arweave/intervalset"
)

var log = synclog.New("component", "persist")

// BlockIndexEntry is one (block_hash, weave_size, tx_root) triple of
// the tracked block_index.
type BlockIndexEntry struct {
	BlockHash [32]byte
	WeaveSize uint64
	TxRoot    [32]byte
}

// DataRootEntry is the wire form of one disk_pool_data_roots row.
type DataRootEntry struct {
	Key         []byte
	TotalBytes  uint64
	FirstSeenUs int64
	Confirmed   bool
	TxIDs       [][32]byte // empty when Confirmed
}

// State is the full sidecar tuple. Intervals is the sync_record encoded
// as a flat interval list rather than *intervalset.Set so gob can decode
// it without exporting the set's internals.
type State struct {
	Intervals     []intervalset.Interval
	BlockIndex    []BlockIndexEntry
	DataRoots     []DataRootEntry
	DiskPoolSize  uint64
	CompactedSize uint64 // absent in legacy files; decodes to 0
}

func (s State) SyncRecord() *intervalset.Set {
	set := intervalset.New()
	for _, iv := range s.Intervals {
		set.Add(iv.Start, iv.End)
	}
	return set
}

// legacyState is the pre-compaction 4-tuple this package must still be
// able to read: a sidecar file written before CompactedSize existed
// decodes with that field defaulted to 0.
type legacyState struct {
	Intervals    []intervalset.Interval
	BlockIndex   []BlockIndexEntry
	DataRoots    []DataRootEntry
	DiskPoolSize uint64
}

// Store persists State to path, guarded by a flock so a concurrent
// process (e.g. a CLI inspection tool) cannot observe a half-written
// file. The write lands in a temp file and is renamed into place so a
// crash mid-write never corrupts the previous snapshot.
type Store struct {
	path string
	lock *flock.Flock
}

func NewStore(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

func (s *Store) Save(state State) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("persist: lock: %w", err)
	}
	defer s.lock.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("persist: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("persist: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	return nil
}

// Load reads the sidecar file, falling back to the legacy 4-tuple shape
// on decode failure before giving up. A missing file yields a zero
// State and no error, the empty-node startup case.
func (s *Store) Load() (State, error) {
	if err := s.lock.Lock(); err != nil {
		return State{}, fmt.Errorf("persist: lock: %w", err)
	}
	defer s.lock.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("persist: read: %w", err)
	}

	var state State
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err == nil {
		return state, nil
	}

	var legacy legacyState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&legacy); err != nil {
		return State{}, fmt.Errorf("persist: decode: %w", err)
	}
	log.Warn("loaded legacy sidecar file without compacted_size, defaulting to 0")
	return State{
		Intervals:    legacy.Intervals,
		BlockIndex:   legacy.BlockIndex,
		DataRoots:    legacy.DataRoots,
		DiskPoolSize: legacy.DiskPoolSize,
	}, nil
}
