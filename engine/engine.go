// Package engine implements the single-owner actor that serializes
// every mutation of the nine KV tables and of the in-memory sync
// record, and that drives the background sync and disk-pool tasks.
package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/ecolog/arweave/blacklist"
	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/diskpool"
	"github.com/ecolog/arweave/internal/synclog"
	"github.com/ecolog/arweave/intervalset"
	"github.com/ecolog/arweave/merkleproof"
	"github.com/ecolog/arweave/metrics"
	"github.com/ecolog/arweave/persist"
)

var log = synclog.New("component", "engine")

// Error taxonomy surfaced to callers of the engine's public methods.
var (
	ErrNotJoined             = errors.New("engine: not_joined")
	ErrInvalidProof          = errors.New("engine: invalid_proof")
	ErrExceedsDiskPoolLimit  = diskpool.ErrExceedsSizeLimit
	ErrDataRootNotFound      = diskpool.ErrDataRootNotFound
	ErrDiskFull              = errors.New("engine: disk_full")
	ErrTimeout               = errors.New("engine: timeout")
	ErrTxDataTooBig          = errors.New("engine: tx_data_too_big")
	ErrNoCommonAncestor      = errors.New("engine: join found no common ancestor")
)

// Config carries the engine's operating tunables: admission limits, disk
// pool buffer sizes, reorg depth, and the knobs that govern compaction.
type Config struct {
	MaxChunkBytes                   int
	MaxSharedSyncedIntervalsCount   int
	ExtraIntervalsBeforeCompaction  int
	MaxDiskPoolBufferBytes          uint64
	MaxDiskPoolDataRootBufferBytes  uint64
	DiskDataBufferSize              uint64
	TrackConfirmations              int
	MaxServedTxDataSize             int64
	DiskPoolDataRootExpirationUs    int64
}

// FreeSpaceFunc reports current free disk space, so the admission and
// sync paths can refuse writes without the engine depending on a
// concrete filesystem package.
type FreeSpaceFunc func() uint64

// SizeTaggedTx is one transaction entry of a block's size-tagged tx
// list, the unit add_tip_block/add_block index.
type SizeTaggedTx struct {
	TxID     [32]byte
	DataRoot [32]byte
	TxSize   uint64
	TxPath   []byte
}

// BlockTxPair pairs a newly confirmed block with its size-tagged txs.
type BlockTxPair struct {
	Block persist.BlockIndexEntry
	Txs   []SizeTaggedTx
}

// task is one unit of mailbox work; every mutating operation on Engine
// runs as a task inside Run's single goroutine.
type task func(e *Engine)

// Engine is the actor. Exactly one goroutine should call Run; all other
// access happens through the Engine's exported methods, which post tasks
// to the mailbox.
type Engine struct {
	kv        chunkdb.KV
	registry  *chunkdb.Registry
	pool      *diskpool.Pool
	blacklist blacklist.Client
	metrics   metrics.Metrics
	store     *persist.Store
	verifier  merkleproof.Verifier
	freeSpace FreeSpaceFunc
	cfg       Config

	mailbox chan task

	joined        bool
	syncRecord    *intervalset.Set
	erasedRanges  *intervalset.Set
	blockIndex    []persist.BlockIndexEntry
	weaveSize     uint64
	compactedSize uint64
	missingCursor uint64
	diskPoolCursor []byte

	syncer *syncWorker
}

func New(kv chunkdb.KV, registry *chunkdb.Registry, pool *diskpool.Pool, bl blacklist.Client, m metrics.Metrics, store *persist.Store, verifier merkleproof.Verifier, freeSpace FreeSpaceFunc, cfg Config) *Engine {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Engine{
		kv:           kv,
		registry:     registry,
		pool:         pool,
		blacklist:    bl,
		metrics:      m,
		store:        store,
		verifier:     verifier,
		freeSpace:    freeSpace,
		cfg:          cfg,
		mailbox:      make(chan task, 64),
		syncRecord:   intervalset.New(),
		erasedRanges: intervalset.New(),
	}
}

// Run drives the mailbox until ctx is cancelled. Exactly one goroutine
// should call Run.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case t := <-e.mailbox:
			t(e)
		case <-ctx.Done():
			return
		}
	}
}

// call posts fn to the mailbox and blocks for its result, honoring ctx's
// deadline for add_chunk and the engine's other blocking calls.
func (e *Engine) call(ctx context.Context, fn func(*Engine) error) error {
	resCh := make(chan error, 1)
	select {
	case e.mailbox <- func(e *Engine) { resCh <- fn(e) }:
	case <-ctx.Done():
		return ErrTimeout
	}
	select {
	case err := <-resCh:
		return err
	case <-ctx.Done():
		return ErrTimeout
	}
}

// cast posts fn to the mailbox without waiting for it to run, the
// fire-and-forget semantics join/add_tip_block/
// add_data_root_to_disk_pool/request_tx_data_removal all use. It never
// drops a cast: if the mailbox is momentarily full, the send continues
// on its own goroutine rather than blocking the caller.
func (e *Engine) cast(fn func(*Engine)) {
	select {
	case e.mailbox <- fn:
	default:
		go func() { e.mailbox <- fn }()
	}
}

func nowUs() int64 { return time.Now().UnixMicro() }

func sha256Of(b []byte) [32]byte { return sha256.Sum256(b) }

// Joined reports whether the engine has processed its first join,
// gating every read/write path behind the not_joined error.
func (e *Engine) Joined() bool {
	done := make(chan bool, 1)
	e.cast(func(e *Engine) { done <- e.joined })
	return <-done
}

// WeaveSize returns the engine's current known weave size.
func (e *Engine) WeaveSize() uint64 {
	done := make(chan uint64, 1)
	e.cast(func(e *Engine) { done <- e.weaveSize })
	return <-done
}

// SyncRecordSnapshot returns a clone of the current sync record, safe
// for the caller to read without racing the actor.
func (e *Engine) SyncRecordSnapshot(ctx context.Context) (*intervalset.Set, error) {
	var out *intervalset.Set
	err := e.call(ctx, func(e *Engine) error {
		out = e.syncRecord.Clone()
		return nil
	})
	return out, err
}

func (e *Engine) persistLocked() error {
	if e.store == nil {
		return nil
	}
	snapshots := e.pool.Snapshot()
	dataRoots := make([]persist.DataRootEntry, len(snapshots))
	for i, s := range snapshots {
		dataRoots[i] = persist.DataRootEntry{
			Key:         s.Key,
			TotalBytes:  s.TotalBytes,
			FirstSeenUs: s.FirstSeenUs,
			Confirmed:   s.Confirmed,
			TxIDs:       s.TxIDs,
		}
	}
	state := persist.State{
		Intervals:     e.syncRecord.Intervals(),
		BlockIndex:    e.blockIndex,
		DataRoots:     dataRoots,
		DiskPoolSize:  e.pool.Size(),
		CompactedSize: e.compactedSize,
	}
	return e.store.Save(state)
}

func (e *Engine) freeSpaceBelowBuffer() bool {
	if e.freeSpace == nil {
		return false
	}
	return e.freeSpace() < e.cfg.DiskDataBufferSize
}
