package engine

import (
	"context"

	"github.com/ecolog/arweave/chunkdb"
)

// AddChunkRequest is add_chunk's argument tuple.
type AddChunkRequest struct {
	DataRoot           [32]byte
	DataPath           []byte
	Chunk              []byte
	OffsetInTx         uint64
	TxSize             uint64
	WritePastDiskLimit bool
}

// AddChunk is the blocking call a node's HTTP chunk-upload endpoint
// drives: it validates the chunk's data_path against its data root and
// stores the chunk, or
// stages it in the disk pool when its data root isn't confirmed yet.
func (e *Engine) AddChunk(ctx context.Context, req AddChunkRequest) error {
	return e.call(ctx, func(e *Engine) error { return e.addChunk(req) })
}

func (e *Engine) addChunk(req AddChunkRequest) error {
	if !e.joined {
		return ErrNotJoined
	}
	if len(req.Chunk) == 0 || len(req.Chunk) > e.cfg.MaxChunkBytes {
		return ErrInvalidProof
	}
	if !req.WritePastDiskLimit && e.freeSpaceBelowBuffer() {
		return ErrDiskFull
	}

	key := chunkdb.DataRootKey(req.DataRoot, req.TxSize)
	raw, err := e.kv.Get(chunkdb.TableDataRootIndex, key)
	known := err == nil
	if err != nil && err != chunkdb.ErrNotFound {
		return err
	}

	proof, ok := e.verifier.ValidatePath(req.DataRoot, req.OffsetInTx, uint64(len(req.Chunk)), req.DataPath)
	if !ok || sha256Of(req.Chunk) != proof.LeafID {
		return ErrInvalidProof
	}

	if !known {
		return e.addChunkToDiskPool(key, req, proof.Start, proof.End)
	}

	dr, err := chunkdb.DecodeDataRootIndexRecord(raw)
	if err != nil {
		return err
	}
	dataPathHash := sha256Of(req.DataPath)
	chunkSize := uint64(len(req.Chunk))
	wroteOnce := false
	for _, placement := range dr.Placements {
		absEnd := placement.AbsTxStart + proof.End
		stored, err := e.storeChunk(storeChunkArgs{
			AbsOffset:       absEnd,
			ChunkOffsetInTx: proof.Start,
			DataPathHash:    dataPathHash,
			TxRoot:          placement.TxRoot,
			DataRoot:        req.DataRoot,
			TxPath:          placement.TxPath,
			DataPath:        req.DataPath,
			ChunkSize:       chunkSize,
			ChunkBytes:      req.Chunk,
			TxSize:          req.TxSize,
			IndexOnly:       wroteOnce,
		})
		if err != nil {
			return err
		}
		if stored {
			wroteOnce = true
		}
	}
	return nil
}

// addChunkToDiskPool implements add_chunk's "unknown root" branch: the
// root must already be pending in the disk pool, subject to its size
// caps; success writes the chunk bytes once and indexes it by timestamp.
func (e *Engine) addChunkToDiskPool(key []byte, req AddChunkRequest, chunkStart, chunkEnd uint64) error {
	if !e.pool.Contains(key) {
		return ErrDataRootNotFound
	}
	addBytes := uint64(len(req.Chunk))
	if err := e.pool.CheckAndReserve(key, addBytes, e.cfg.MaxDiskPoolDataRootBufferBytes, e.cfg.MaxDiskPoolBufferBytes); err != nil {
		return err
	}

	dataPathHash := sha256Of(req.DataPath)
	if _, err := e.kv.Get(chunkdb.TableChunkDataIndex, dataPathHash[:]); err == chunkdb.ErrNotFound {
		rec := chunkdb.ChunkDataRecord{Chunk: req.Chunk, DataPath: req.DataPath}
		if err := e.kv.Put(chunkdb.TableChunkDataIndex, dataPathHash[:], rec.Encode()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	ts, _ := e.pool.FirstSeenTs(key)
	dpKey := chunkdb.DiskPoolChunkKey(uint64(ts), dataPathHash)
	if _, err := e.kv.Get(chunkdb.TableDiskPoolChunksIndex, dpKey); err == chunkdb.ErrNotFound {
		rec := chunkdb.DiskPoolChunkRecord{
			ChunkOffsetInTx: chunkStart,
			ChunkSize:       chunkEnd - chunkStart,
			DataRoot:        req.DataRoot,
			TxSize:          req.TxSize,
		}
		if err := e.kv.Put(chunkdb.TableDiskPoolChunksIndex, dpKey, rec.Encode()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	e.metrics.ChunkStored("disk_pool")
	return nil
}

type storeChunkArgs struct {
	AbsOffset       uint64
	ChunkOffsetInTx uint64
	DataPathHash    [32]byte
	TxRoot          [32]byte
	DataRoot        [32]byte
	TxPath          []byte
	DataPath        []byte
	ChunkSize       uint64
	ChunkBytes      []byte
	TxSize          uint64 // 0 when unknown, skipping the disk-pool republish step
	IndexOnly       bool
}

// storeChunk is the store-chunk primitive every write path funnels
// through: add_chunk, disk-pool promotion, and a verified peer fetch
// alike. It returns true when it actually wrote a new row (as opposed to
// a not_updated no-op), used by callers that need to know whether the
// chunk body still needs writing for a later placement.
func (e *Engine) storeChunk(a storeChunkArgs) (bool, error) {
	if e.syncRecord.IsInside(a.AbsOffset - 1) {
		if _, err := e.kv.Get(chunkdb.TableChunksIndex, chunkdb.U64(a.AbsOffset)); err == nil {
			return false, nil
		} else if err != chunkdb.ErrNotFound {
			return false, err
		}
	}
	if e.erasedRanges.IsInside(a.AbsOffset - 1) {
		return false, nil
	}

	if !a.IndexOnly {
		rec := chunkdb.ChunkDataRecord{Chunk: a.ChunkBytes, DataPath: a.DataPath}
		if err := e.kv.Put(chunkdb.TableChunkDataIndex, a.DataPathHash[:], rec.Encode()); err != nil {
			return false, err
		}
	}

	rec := chunkdb.ChunkRecord{
		DataPathHash:    a.DataPathHash,
		TxRoot:          a.TxRoot,
		DataRoot:        a.DataRoot,
		TxPath:          a.TxPath,
		ChunkOffsetInTx: a.ChunkOffsetInTx,
		ChunkSize:       a.ChunkSize,
	}
	if err := e.kv.Put(chunkdb.TableChunksIndex, chunkdb.U64(a.AbsOffset), rec.Encode()); err != nil {
		return false, err
	}

	if a.TxSize > 0 {
		rootKey := chunkdb.DataRootKey(a.DataRoot, a.TxSize)
		if ts, ok := e.pool.FirstSeenTs(rootKey); ok {
			dpRec := chunkdb.DiskPoolChunkRecord{
				ChunkOffsetInTx: a.ChunkOffsetInTx,
				ChunkSize:       a.ChunkSize,
				DataRoot:        a.DataRoot,
				TxSize:          a.TxSize,
			}
			dpKey := chunkdb.DiskPoolChunkKey(uint64(ts), a.DataPathHash)
			if err := e.kv.Put(chunkdb.TableDiskPoolChunksIndex, dpKey, dpRec.Encode()); err != nil {
				return false, err
			}
		}
	}

	start := a.AbsOffset - a.ChunkSize
	wasFalsePositive := e.syncRecord.IsInside(a.AbsOffset - 1)
	e.syncRecord.Add(start, a.AbsOffset)
	if wasFalsePositive && e.compactedSize >= a.ChunkSize {
		e.compactedSize -= a.ChunkSize
	}

	threshold := e.cfg.MaxSharedSyncedIntervalsCount + e.cfg.ExtraIntervalsBeforeCompaction
	if threshold > 0 && e.syncRecord.Count() > threshold {
		if err := e.compactIntervals(); err != nil {
			return true, err
		}
	}

	e.metrics.ChunkStored("store")
	e.metrics.SyncedBytes(e.syncRecord.Sum())
	return true, nil
}

// compactIntervals merges the closest-neighbouring intervals of the sync
// record once it grows past its shared-interval budget, recording each
// swallowed gap in missing_chunks_index and adding its width to
// compacted_size. Nothing in this module reads missing_chunks_index or
// missingCursor back, so a swallowed gap stays covered in the sync
// record and the sync scheduler does not pick it for refetching.
func (e *Engine) compactIntervals() error {
	swallowed := e.syncRecord.Compact(e.cfg.MaxSharedSyncedIntervalsCount)
	if len(swallowed) == 0 {
		return nil
	}
	for _, iv := range swallowed {
		if err := e.kv.Put(chunkdb.TableMissingChunksIndex, chunkdb.U64(iv.End), chunkdb.U64(iv.Start)); err != nil {
			return err
		}
		e.compactedSize += iv.End - iv.Start
	}
	// swallowed is sorted largest-first; remember where the biggest hole starts.
	e.missingCursor = swallowed[0].Start + 1
	return nil
}

// RequestTxDataRemoval implements request_tx_data_removal: a cast,
// fire-and-forget per the public contract.
func (e *Engine) RequestTxDataRemoval(txID [32]byte) {
	e.cast(func(e *Engine) {
		if err := e.requestTxDataRemoval(txID); err != nil {
			log.Error("request_tx_data_removal failed", "tx_id", txID, "err", err)
		}
	})
}

// requestTxDataRemoval is idempotent: a second call on an already-erased
// tx_id is a no-op.
func (e *Engine) requestTxDataRemoval(txID [32]byte) error {
	raw, err := e.kv.Get(chunkdb.TableTxIndex, txID[:])
	if err == chunkdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := chunkdb.DecodeTxIndexRecord(raw)
	if err != nil {
		return err
	}
	start := rec.AbsTxEndOffset - rec.TxSize
	probe := start + 1
	for probe <= rec.AbsTxEndOffset {
		k, v, ok, err := e.kv.GetNext(chunkdb.TableChunksIndex, chunkdb.U64(probe))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		end := chunkdb.ParseU64(k)
		if end > rec.AbsTxEndOffset {
			break
		}
		cr, err := chunkdb.DecodeChunkRecord(v)
		if err != nil {
			return err
		}
		if err := e.kv.Delete(chunkdb.TableChunksIndex, k); err != nil {
			return err
		}
		if err := e.kv.Delete(chunkdb.TableChunkDataIndex, cr.DataPathHash[:]); err != nil {
			return err
		}
		e.syncRecord.Delete(end-cr.ChunkSize, end)
		e.erasedRanges.Add(end-cr.ChunkSize, end)
		e.registry.Invalidate(end)
		probe = end + 1
	}
	if err := e.kv.Delete(chunkdb.TableTxIndex, txID[:]); err != nil {
		return err
	}
	e.blacklist.NotifyRemoved(txID)
	return nil
}
