package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/diskpool"
)

// diskPoolTick implements one step of the disk-pool processor's cyclic
// scan: classify the entry under the cursor and act.
func (e *Engine) diskPoolTick() error {
	k, v, next, ok, err := e.kv.IterFrom(chunkdb.TableDiskPoolChunksIndex, e.diskPoolCursor)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.diskPoolCursor = next

	ts, hash, ok := chunkdb.SplitDiskPoolChunkKey(k)
	if !ok {
		return nil
	}
	rec, err := chunkdb.DecodeDiskPoolChunkRecord(v)
	if err != nil {
		return err
	}
	rootKey := chunkdb.DataRootKey(rec.DataRoot, rec.TxSize)

	idr := true
	if _, err := e.kv.Get(chunkdb.TableDataRootIndex, rootKey); err == chunkdb.ErrNotFound {
		idr = false
	} else if err != nil {
		return err
	}
	idp := e.pool.Contains(rootKey)

	switch diskpool.Classify(idr, idp) {
	case diskpool.DecisionSkip:
		// Root still pending: skip every sibling chunk recorded under this
		// timestamp by jumping the cursor to the next timestamp bucket.
		e.diskPoolCursor = chunkdb.DiskPoolChunkKey(ts+1, [32]byte{})
	case diskpool.DecisionDelete:
		if err := e.kv.Delete(chunkdb.TableDiskPoolChunksIndex, k); err != nil {
			return err
		}
		if err := e.kv.Delete(chunkdb.TableChunkDataIndex, hash[:]); err != nil && err != chunkdb.ErrNotFound {
			return err
		}
	case diskpool.DecisionPromote:
		raw, err := e.kv.Get(chunkdb.TableDataRootIndex, rootKey)
		if err != nil {
			return err
		}
		dr, err := chunkdb.DecodeDataRootIndexRecord(raw)
		if err != nil {
			return err
		}
		for _, placement := range dr.Placements {
			absEnd := placement.AbsTxStart + rec.ChunkOffsetInTx + rec.ChunkSize
			if _, err := e.storeChunk(storeChunkArgs{
				AbsOffset:       absEnd,
				ChunkOffsetInTx: rec.ChunkOffsetInTx,
				DataPathHash:    hash,
				TxRoot:          placement.TxRoot,
				DataRoot:        rec.DataRoot,
				TxPath:          placement.TxPath,
				ChunkSize:       rec.ChunkSize,
				IndexOnly:       true,
			}); err != nil {
				return err
			}
		}
		if err := e.kv.Delete(chunkdb.TableDiskPoolChunksIndex, k); err != nil {
			return err
		}
		e.pool.Remove(rootKey)
	}
	return nil
}

// expireDiskPool implements update_disk_pool_data_roots.
func (e *Engine) expireDiskPool() {
	expired := e.pool.Expire(nowUs(), e.cfg.DiskPoolDataRootExpirationUs)
	if len(expired) > 0 {
		log.Debug("disk pool roots expired", "count", len(expired))
	}
	e.metrics.DiskPoolSize(e.pool.Size())
}

// BackgroundConfig configures the timer periods for the disk-pool scan
// and data-root expiry processors.
type BackgroundConfig struct {
	DiskPoolScanInterval    time.Duration
	ExpireDataRootsInterval time.Duration
}

// StartBackground launches the disk-pool scan and expiration timers as
// casts posted to the engine's mailbox, stopping when ctx is done. It is
// safe to call from any goroutine; the timers themselves only ever post
// work, never touch engine state directly, so background tasks own no
// engine state of their own.
func (e *Engine) StartBackground(ctx context.Context, cfg BackgroundConfig) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.tickLoop(gctx, cfg.DiskPoolScanInterval, func(e *Engine) {
			if err := e.diskPoolTick(); err != nil {
				log.Error("disk pool tick failed", "err", err)
			}
		})
		return nil
	})
	g.Go(func() error {
		e.tickLoop(gctx, cfg.ExpireDataRootsInterval, func(e *Engine) {
			e.expireDiskPool()
		})
		return nil
	})
	go g.Wait() // nothing to report: tickLoop only returns on ctx cancellation
}

func (e *Engine) tickLoop(ctx context.Context, period time.Duration, fn func(*Engine)) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.cast(fn)
		case <-ctx.Done():
			return
		}
	}
}
