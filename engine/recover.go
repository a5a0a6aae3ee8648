package engine

import (
	"context"

	"github.com/ecolog/arweave/diskpool"
)

// Recover loads the sidecar term file persistLocked writes and seeds
// sync_record, block_index, disk_pool_data_roots, disk_pool_size and
// compacted_size from it, the counterpart on startup to every save a
// join or add_tip_block call makes. A missing sidecar leaves the engine
// in the same zero state New does; a sidecar that does not decode,
// including an empty file, makes Recover return the decode error.
//
// Recover must run before the first join so join sees the recovered
// block_index as its prior state rather than taking the cold-start
// replay branch a truly empty history takes. It does not itself mark
// the engine joined: every read and write path still returns
// not_joined until join or add_tip_block actually runs.
func (e *Engine) Recover(ctx context.Context) error {
	return e.call(ctx, func(e *Engine) error { return e.recover() })
}

func (e *Engine) recover() error {
	if e.store == nil {
		return nil
	}
	state, err := e.store.Load()
	if err != nil {
		return err
	}
	e.syncRecord = state.SyncRecord()
	e.blockIndex = state.BlockIndex
	e.compactedSize = state.CompactedSize
	if len(e.blockIndex) > 0 {
		e.weaveSize = e.blockIndex[0].WeaveSize
	}

	snapshots := make([]diskpool.RootSnapshot, len(state.DataRoots))
	for i, d := range state.DataRoots {
		snapshots[i] = diskpool.RootSnapshot{
			Key:         d.Key,
			TotalBytes:  d.TotalBytes,
			FirstSeenUs: d.FirstSeenUs,
			Confirmed:   d.Confirmed,
			TxIDs:       d.TxIDs,
		}
	}
	e.pool.Restore(snapshots)

	log.Info("recovered engine state from sidecar",
		"synced_bytes", e.syncRecord.Sum(),
		"blocks", len(e.blockIndex),
		"disk_pool_roots", len(snapshots))
	return nil
}
