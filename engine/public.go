package engine

import (
	"context"

	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/weaveproof"
)

// AddDataRootToDiskPool implements add_data_root_to_disk_pool, a
// mempool-driven cast.
func (e *Engine) AddDataRootToDiskPool(dataRoot [32]byte, txSize uint64, txID [32]byte) {
	key := chunkdb.DataRootKey(dataRoot, txSize)
	e.cast(func(e *Engine) { e.pool.AnnounceRoot(key, txID, nowUs()) })
}

// MaybeDropDataRootFromDiskPool implements
// maybe_drop_data_root_from_disk_pool, a cast.
func (e *Engine) MaybeDropDataRootFromDiskPool(dataRoot [32]byte, txSize uint64, txID [32]byte) {
	key := chunkdb.DataRootKey(dataRoot, txSize)
	e.cast(func(e *Engine) { e.pool.Drop(key, txID) })
}

// GetChunk implements get_chunk(off): a read-only lookup served
// directly from the published registry, bypassing the mailbox, except
// for the not_joined gate which only the actor can answer
// authoritatively.
func (e *Engine) GetChunk(off uint64) (chunkdb.ChunkProof, error) {
	if !e.Joined() {
		return chunkdb.ChunkProof{}, ErrNotJoined
	}
	return e.registry.GetChunk(off)
}

// GetTxRoot implements get_tx_root(off).
func (e *Engine) GetTxRoot(off uint64) ([32]byte, error) {
	if !e.Joined() {
		return [32]byte{}, ErrNotJoined
	}
	return e.registry.GetTxRoot(off)
}

// GetTxOffset implements get_tx_offset(tx_id).
func (e *Engine) GetTxOffset(txID [32]byte) (chunkdb.TxIndexRecord, error) {
	if !e.Joined() {
		return chunkdb.TxIndexRecord{}, ErrNotJoined
	}
	return e.registry.GetTxOffset(txID)
}

// GetTxData implements get_tx_data(tx_id), refusing reads above
// MaxServedTxDataSize with tx_data_too_big.
func (e *Engine) GetTxData(txID [32]byte) ([]byte, error) {
	if !e.Joined() {
		return nil, ErrNotJoined
	}
	data, err := e.registry.GetTxData(txID, e.cfg.MaxServedTxDataSize)
	if err != nil && err.Error() == "chunkdb: tx_data_too_big" {
		return nil, ErrTxDataTooBig
	}
	return data, err
}

// GetSyncRecord implements get_sync_record(ETF|JSON): a blocking call,
// bounded to MaxSharedSyncedIntervalsCount.
func (e *Engine) GetSyncRecord(ctx context.Context, json bool) ([]byte, error) {
	set, err := e.SyncRecordSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if json {
		return weaveproof.EncodeSyncRecordJSON(set.Intervals(), e.cfg.MaxSharedSyncedIntervalsCount)
	}
	return weaveproof.EncodeSyncRecordBinary(set.Intervals(), e.cfg.MaxSharedSyncedIntervalsCount), nil
}
