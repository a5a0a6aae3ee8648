package engine

import (
	"context"
	"errors"

	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/persist"
)

// Join implements join(block_index), a cast in the public contract.
// Callers that need to know when the join has actually been applied
// should use JoinSync.
func (e *Engine) Join(bi []persist.BlockIndexEntry) {
	e.cast(func(e *Engine) {
		if err := e.join(bi); err != nil {
			log.Error("join failed", "err", err)
		}
	})
}

// JoinSync runs join synchronously, for callers (startup, tests) that
// need to observe its error.
func (e *Engine) JoinSync(ctx context.Context, bi []persist.BlockIndexEntry) error {
	return e.call(ctx, func(e *Engine) error { return e.join(bi) })
}

func (e *Engine) join(bi []persist.BlockIndexEntry) error {
	if len(bi) == 0 {
		return errors.New("engine: join requires a non-empty block index")
	}
	newWeave := bi[0].WeaveSize

	if len(e.blockIndex) == 0 {
		if err := e.rebuildDataRootOffsetIndex(bi); err != nil {
			return err
		}
	} else {
		off, found := commonAncestor(e.blockIndex, bi)
		if !found {
			return ErrNoCommonAncestor
		}
		prevWeave := e.blockIndex[0].WeaveSize
		removed, err := e.reorg(off, prevWeave)
		if err != nil {
			return err
		}
		if err := e.replayForwardBlocks(bi, off); err != nil {
			return err
		}
		e.syncRecord.Cut(off)
		e.reannounceOrphaned(removed)
	}

	e.blockIndex = truncateBlockIndex(bi, e.cfg.TrackConfirmations)
	e.weaveSize = newWeave
	e.joined = true
	return e.persistLocked()
}

// AddTipBlock implements add_tip_block, a cast.
func (e *Engine) AddTipBlock(pairs []BlockTxPair, bi []persist.BlockIndexEntry) {
	e.cast(func(e *Engine) {
		if err := e.addTipBlock(pairs, bi); err != nil {
			log.Error("add_tip_block failed", "err", err)
		}
	})
}

// AddTipBlockSync runs add_tip_block synchronously for startup/tests.
func (e *Engine) AddTipBlockSync(ctx context.Context, pairs []BlockTxPair, bi []persist.BlockIndexEntry) error {
	return e.call(ctx, func(e *Engine) error { return e.addTipBlock(pairs, bi) })
}

func (e *Engine) addTipBlock(pairs []BlockTxPair, bi []persist.BlockIndexEntry) error {
	off := uint64(0)
	if len(e.blockIndex) > 0 {
		found := false
		off, found = commonAncestor(e.blockIndex, bi)
		if !found {
			return ErrNoCommonAncestor
		}
	}

	removed, err := e.reorg(off, e.weaveSize)
	if err != nil {
		return err
	}

	prevWeave := off
	for _, pair := range pairs {
		if pair.Block.WeaveSize <= off {
			prevWeave = pair.Block.WeaveSize
			continue
		}
		blockStart := prevWeave
		txCursor := blockStart
		var roots [][]byte
		for _, tx := range pair.Txs {
			absTxStart := txCursor
			absTxEnd := txCursor + tx.TxSize
			key := chunkdb.DataRootKey(tx.DataRoot, tx.TxSize)

			dr, err := e.loadOrNewDataRootIndex(key)
			if err != nil {
				return err
			}
			dr.Placements = append(dr.Placements, chunkdb.TxPlacement{
				TxRoot:     pair.Block.TxRoot,
				AbsTxStart: absTxStart,
				TxPath:     tx.TxPath,
			})
			if err := e.kv.Put(chunkdb.TableDataRootIndex, key, dr.Encode()); err != nil {
				return err
			}
			roots = append(roots, key)
			// The root now has a confirmed placement: stop it from expiring
			// out of the disk pool and drop its tracked tx_id set, the same
			// transition data_root_index presence already implies for the
			// promote/classify path.
			e.pool.Confirm(key)

			txRec := chunkdb.TxIndexRecord{AbsTxEndOffset: absTxEnd, TxSize: tx.TxSize}
			if err := e.kv.Put(chunkdb.TableTxIndex, tx.TxID[:], txRec.Encode()); err != nil {
				return err
			}
			if err := e.kv.Put(chunkdb.TableTxOffsetIndex, chunkdb.U64(absTxStart), tx.TxID[:]); err != nil {
				return err
			}
			txCursor = absTxEnd
		}
		offsetRec := chunkdb.DataRootOffsetIndexRecord{
			TxRoot:    pair.Block.TxRoot,
			BlockSize: pair.Block.WeaveSize - blockStart,
			Roots:     roots,
		}
		if err := e.kv.Put(chunkdb.TableDataRootOffsetIndex, chunkdb.U64(blockStart), offsetRec.Encode()); err != nil {
			return err
		}
		prevWeave = pair.Block.WeaveSize
	}

	e.reannounceOrphaned(removed)
	e.syncRecord.Cut(off)
	e.blockIndex = truncateBlockIndex(bi, e.cfg.TrackConfirmations)
	e.weaveSize = prevWeave
	e.joined = true
	return e.persistLocked()
}

func (e *Engine) reannounceOrphaned(removed map[string]map[[32]byte]struct{}) {
	now := nowUs()
	for key, txids := range removed {
		e.pool.Reannounce([]byte(key), txids, now)
	}
}

func (e *Engine) loadOrNewDataRootIndex(key []byte) (chunkdb.DataRootIndexRecord, error) {
	raw, err := e.kv.Get(chunkdb.TableDataRootIndex, key)
	if err == chunkdb.ErrNotFound {
		return chunkdb.DataRootIndexRecord{}, nil
	}
	if err != nil {
		return chunkdb.DataRootIndexRecord{}, err
	}
	return chunkdb.DecodeDataRootIndexRecord(raw)
}

// reorg implements remove_orphaned_data: deletes every index row above
// block_start_offset and returns, per fully-removed data-root key, the
// set of tx_ids that were placed there, so the caller can re-seed the
// disk pool without losing track of who referenced the now-orphaned
// root.
func (e *Engine) reorg(blockStartOffset, weaveSize uint64) (map[string]map[[32]byte]struct{}, error) {
	txIDByOffset := make(map[uint64][32]byte)
	offsetRows, err := e.kv.GetRange(chunkdb.TableTxOffsetIndex, chunkdb.U64(blockStartOffset), chunkdb.U64(weaveSize+1))
	if err != nil {
		return nil, err
	}
	for _, row := range offsetRows {
		off := chunkdb.ParseU64(row[0])
		var txID [32]byte
		copy(txID[:], row[1])
		txIDByOffset[off] = txID
		if err := e.kv.Delete(chunkdb.TableTxIndex, txID[:]); err != nil {
			return nil, err
		}
	}
	if err := e.kv.DeleteRange(chunkdb.TableTxOffsetIndex, chunkdb.U64(blockStartOffset), chunkdb.U64(weaveSize+1)); err != nil {
		return nil, err
	}

	if err := e.kv.DeleteRange(chunkdb.TableChunksIndex, chunkdb.U64(blockStartOffset+1), chunkdb.U64(weaveSize+1)); err != nil {
		return nil, err
	}

	removed := make(map[string]map[[32]byte]struct{})
	offsetIndexRows, err := e.kv.GetRange(chunkdb.TableDataRootOffsetIndex, chunkdb.U64(blockStartOffset), chunkdb.U64(weaveSize+1))
	if err != nil {
		return nil, err
	}
	for _, row := range offsetIndexRows {
		rec, err := chunkdb.DecodeDataRootOffsetIndexRecord(row[1])
		if err != nil {
			return nil, err
		}
		for _, key := range rec.Roots {
			raw, err := e.kv.Get(chunkdb.TableDataRootIndex, key)
			if err == chunkdb.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			dr, err := chunkdb.DecodeDataRootIndexRecord(raw)
			if err != nil {
				return nil, err
			}
			txids := make(map[[32]byte]struct{})
			for _, p := range dr.Placements {
				if p.AbsTxStart >= blockStartOffset {
					if id, ok := txIDByOffset[p.AbsTxStart]; ok {
						txids[id] = struct{}{}
					}
				}
			}
			if dr.RemoveTxRootsAbove(blockStartOffset) {
				if err := e.kv.Put(chunkdb.TableDataRootIndex, key, dr.Encode()); err != nil {
					return nil, err
				}
			} else {
				if err := e.kv.Delete(chunkdb.TableDataRootIndex, key); err != nil {
					return nil, err
				}
				removed[string(key)] = txids
			}
		}
	}

	if err := e.kv.DeleteRange(chunkdb.TableDataRootOffsetIndex, chunkdb.U64(blockStartOffset), chunkdb.U64(weaveSize+1)); err != nil {
		return nil, err
	}
	return removed, nil
}

// commonAncestor scans old (ordered most-recent-first) for the first
// hash also present in new, i.e. the deepest common ancestor.
func commonAncestor(old, new_ []persist.BlockIndexEntry) (offset uint64, found bool) {
	inNew := make(map[[32]byte]struct{}, len(new_))
	for _, b := range new_ {
		inNew[b.BlockHash] = struct{}{}
	}
	for _, b := range old {
		if _, ok := inNew[b.BlockHash]; ok {
			return b.WeaveSize, true
		}
	}
	return 0, false
}

func truncateBlockIndex(bi []persist.BlockIndexEntry, track int) []persist.BlockIndexEntry {
	if track <= 0 || len(bi) <= track {
		return bi
	}
	return bi[:track]
}

// rebuildDataRootOffsetIndex replays bi's block sizes (oldest first)
// into data_root_offset_index when join finds no prior block_index,
// join's empty-history branch.
func (e *Engine) rebuildDataRootOffsetIndex(bi []persist.BlockIndexEntry) error {
	rev := make([]persist.BlockIndexEntry, len(bi))
	for i, b := range bi {
		rev[len(bi)-1-i] = b
	}
	prevWeave := uint64(0)
	for _, b := range rev {
		rec := chunkdb.DataRootOffsetIndexRecord{TxRoot: b.TxRoot, BlockSize: b.WeaveSize - prevWeave}
		if err := e.kv.Put(chunkdb.TableDataRootOffsetIndex, chunkdb.U64(prevWeave), rec.Encode()); err != nil {
			return err
		}
		prevWeave = b.WeaveSize
	}
	return nil
}

// replayForwardBlocks writes data_root_offset_index rows for every bi
// entry above ancestorOffset, oldest first, join's "replay forward-only
// blocks" step.
func (e *Engine) replayForwardBlocks(bi []persist.BlockIndexEntry, ancestorOffset uint64) error {
	var forward []persist.BlockIndexEntry
	for _, b := range bi {
		if b.WeaveSize > ancestorOffset {
			forward = append(forward, b)
		}
	}
	for i, j := 0, len(forward)-1; i < j; i, j = i+1, j-1 {
		forward[i], forward[j] = forward[j], forward[i]
	}
	prev := ancestorOffset
	for _, b := range forward {
		rec := chunkdb.DataRootOffsetIndexRecord{TxRoot: b.TxRoot, BlockSize: b.WeaveSize - prev}
		if err := e.kv.Put(chunkdb.TableDataRootOffsetIndex, chunkdb.U64(prev), rec.Encode()); err != nil {
			return err
		}
		prev = b.WeaveSize
	}
	return nil
}
