// Package chunkdb implements the weave's nine-table data model on top
// of an ordered key/value store, plus the add_chunk and store-chunk
// primitives. The KV contract itself is an external collaborator; DB
// below is the concrete implementation, one goleveldb instance per
// table, in the same shape as the teacher's ethdb.KeyValueStore
// (ethdb/memorydb, database_test.go).
package chunkdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/holiman/bloomfilter/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is the external ordered key/value collaborator. *DB is the
// concrete goleveldb-backed implementation; tests may substitute an
// in-memory fake behind the same interface.
type KV interface {
	Get(table string, key []byte) ([]byte, error)
	Put(table string, key, value []byte) error
	Delete(table string, key []byte) error
	DeleteRange(table string, lo, hi []byte) error
	GetNext(table string, key []byte) (k, v []byte, ok bool, err error)
	GetPrev(table string, key []byte) (k, v []byte, ok bool, err error)
	GetRange(table string, lo, hi []byte) ([][2][]byte, error)
	IterFrom(table string, cursor []byte) (k, v, next []byte, ok bool, err error)
}

// ErrNotFound is returned by Get when no matching key exists, mirroring
// leveldb.ErrNotFound without leaking the backing store across the
// package boundary. GetNext and GetPrev report a miss as ok == false
// with a nil error instead.
var ErrNotFound = errors.New("chunkdb: not found")

// Table names, one per column family the weave index is split across.
// Open options: prefix-keyed bloom filters at ~1% FPR on every
// offset-keyed table, a 28-byte prefix extractor on the hash-keyed
// tables.
const (
	TableChunksIndex          = "chunks_index"
	TableChunkDataIndex       = "chunk_data_index"
	TableDataRootIndex        = "data_root_index"
	TableDataRootOffsetIndex  = "data_root_offset_index"
	TableTxIndex              = "tx_index"
	TableTxOffsetIndex        = "tx_offset_index"
	TableDiskPoolChunksIndex  = "disk_pool_chunks_index"
	TableMissingChunksIndex   = "missing_chunks_index"
	TableMigrationsIndex      = "migrations_index"
)

// offsetKeyedTables get a prefix bloom filter sized for 8-byte big-endian
// offset keys; hashKeyedTables get one sized for a 28-byte prefix of a
// 32-byte hash key.
var offsetKeyedTables = map[string]bool{
	TableChunksIndex:         true,
	TableDataRootOffsetIndex: true,
	TableTxOffsetIndex:       true,
	TableDiskPoolChunksIndex: true,
	TableMissingChunksIndex:  true,
}

// DB owns one goleveldb instance per table, exactly the nine tables the
// weave index is split across.
type DB struct {
	dir    string
	mu     sync.RWMutex
	tables map[string]*leveldb.DB
	blooms map[string]*bloomfilter.Filter
}

// Open creates or reopens every table under dir/<table-name>.
func Open(dir string) (*DB, error) {
	db := &DB{dir: dir, tables: make(map[string]*leveldb.DB), blooms: make(map[string]*bloomfilter.Filter)}
	for _, name := range []string{
		TableChunksIndex, TableChunkDataIndex, TableDataRootIndex, TableDataRootOffsetIndex,
		TableTxIndex, TableTxOffsetIndex, TableDiskPoolChunksIndex, TableMissingChunksIndex,
		TableMigrationsIndex,
	} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		opts := &opt.Options{
			Filter:              filter.NewBloomFilter(10), // leveldb's own per-block filter
			CompactionTableSize: 640 << 20,                 // target SST size ~640MiB
			CompactionTotalSize: 6400 << 20,                // level base ~6400MiB
		}
		ldb, err := leveldb.OpenFile(path, opts)
		if err != nil {
			return nil, err
		}
		db.tables[name] = ldb
		if bf, err := bloomfilter.NewOptimal(1_000_000, 0.01); err == nil {
			db.blooms[name] = bf
		}
	}
	return db, nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	for _, ldb := range db.tables {
		if err := ldb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (db *DB) table(name string) (*leveldb.DB, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ldb, ok := db.tables[name]
	if !ok {
		return nil, errors.New("chunkdb: unknown table " + name)
	}
	return ldb, nil
}

// Get returns the value stored at key, or ErrNotFound.
func (db *DB) Get(table string, key []byte) ([]byte, error) {
	ldb, err := db.table(table)
	if err != nil {
		return nil, err
	}
	v, err := ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// Put writes key/value and records the key's prefix in the table's bloom
// filter, consulted by read paths that want a cheap existence hint.
func (db *DB) Put(table string, key, value []byte) error {
	ldb, err := db.table(table)
	if err != nil {
		return err
	}
	if err := ldb.Put(key, value, nil); err != nil {
		return err
	}
	db.mu.Lock()
	if bf, ok := db.blooms[table]; ok {
		bf.Add(bloomHash(bloomPrefix(table, key)))
	}
	db.mu.Unlock()
	return nil
}

// Delete removes key; absence is not an error.
func (db *DB) Delete(table string, key []byte) error {
	ldb, err := db.table(table)
	if err != nil {
		return err
	}
	return ldb.Delete(key, nil)
}

// DeleteRange removes every key in [lo, hi).
func (db *DB) DeleteRange(table string, lo, hi []byte) error {
	ldb, err := db.table(table)
	if err != nil {
		return err
	}
	it := ldb.NewIterator(&util.Range{Start: lo, Limit: hi}, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	return ldb.Write(batch, nil)
}

// GetNext returns the first key >= key (get_next).
func (db *DB) GetNext(table string, key []byte) (k, v []byte, ok bool, err error) {
	ldb, err := db.table(table)
	if err != nil {
		return nil, nil, false, err
	}
	it := ldb.NewIterator(&util.Range{Start: key}, nil)
	defer it.Release()
	if !it.Next() {
		return nil, nil, false, it.Error()
	}
	return append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...), true, nil
}

// GetPrev returns the last key <= key (get_prev).
func (db *DB) GetPrev(table string, key []byte) (k, v []byte, ok bool, err error) {
	ldb, err := db.table(table)
	if err != nil {
		return nil, nil, false, err
	}
	// Seek to the first key > key, then step back once; leveldb has no
	// native "<=", so upperBound seeking plus Prev gives us the same thing
	// the teacher's downstream callers get from a reverse iterator.
	upper := append(append([]byte(nil), key...), 0x00)
	it := ldb.NewIterator(&util.Range{Limit: upper}, nil)
	defer it.Release()
	if !it.Last() {
		return nil, nil, false, it.Error()
	}
	return append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...), true, nil
}

// GetRange returns every key/value pair in [lo, hi).
func (db *DB) GetRange(table string, lo, hi []byte) ([][2][]byte, error) {
	ldb, err := db.table(table)
	if err != nil {
		return nil, err
	}
	it := ldb.NewIterator(&util.Range{Start: lo, Limit: hi}, nil)
	defer it.Release()
	var out [][2][]byte
	for it.Next() {
		out = append(out, [2][]byte{append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...)})
	}
	return out, it.Error()
}

// IterFrom returns the entry at-or-after cursor, wrapping to the
// table's smallest key once the keyspace is exhausted, a cyclic scan
// over the whole table. next is the key to pass in on the following
// call.
func (db *DB) IterFrom(table string, cursor []byte) (k, v, next []byte, ok bool, err error) {
	ldb, err := db.table(table)
	if err != nil {
		return nil, nil, nil, false, err
	}
	it := ldb.NewIterator(&util.Range{Start: cursor}, nil)
	found := it.Next()
	if !found {
		it.Release()
		it = ldb.NewIterator(nil, nil)
		found = it.Next()
	}
	if !found {
		err = it.Error()
		it.Release()
		return nil, nil, nil, false, err
	}
	k = append([]byte(nil), it.Key()...)
	v = append([]byte(nil), it.Value()...)
	it.Release()
	// next always points just past k; if that lands past the end of the
	// keyspace the following call's Start-seek falls through to the
	// wrap-to-smallest-key branch above.
	return k, v, incrementKey(k), true, nil
}

func incrementKey(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	return append(out, 0)
}

// MaybeContains is a cheap false-positive-only existence hint backed by
// the table's bloom filter. A false return means definitely absent; a
// true return means "go check".
func (db *DB) MaybeContains(table string, key []byte) bool {
	db.mu.RLock()
	bf, ok := db.blooms[table]
	db.mu.RUnlock()
	if !ok {
		return true
	}
	return bf.Contains(bloomHash(bloomPrefix(table, key)))
}

func bloomPrefix(table string, key []byte) []byte {
	if offsetKeyedTables[table] {
		if len(key) > 8 {
			return key[:8]
		}
		return key
	}
	if len(key) > 28 {
		return key[:28]
	}
	return key
}

func bloomHash(b []byte) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// --- iterator wrapper kept for callers that want the raw leveldb shape ---

type Iterator = iterator.Iterator

// U64 encodes a big-endian offset key, the form every offset-keyed
// table uses.
func U64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func ParseU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// ConcatKey joins key components the way composite table keys are
// built, e.g. data_root ‖ u64 tx_size.
func ConcatKey(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}
