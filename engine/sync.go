package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/peernet"
	"github.com/ecolog/arweave/syncer"
)

// syncWorker drives check_space_sync_random_interval /
// sync_random_interval / sync_chunk / store_fetched_chunk: it owns the
// peer connection and scheduler state, which live outside the actor's
// mailbox since fetching is I/O, but every write it produces is funneled
// back through storeChunk inside a call so it serializes like any other
// mutation.
type syncWorker struct {
	e      *Engine
	peers  peernet.Client
	sched  *syncer.Scheduler
	period time.Duration
}

// StartSync launches the peer sync loop, ticking every period until ctx
// is cancelled.
func (e *Engine) StartSync(ctx context.Context, peers peernet.Client, sched *syncer.Scheduler, period time.Duration) {
	w := &syncWorker{e: e, peers: peers, sched: sched, period: period}
	e.syncer = w
	go w.loop(ctx)
}

func (w *syncWorker) loop(ctx context.Context) {
	if w.period <= 0 {
		return
	}
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				log.Debug("sync tick skipped", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// tick implements one pass of the scheduler's state machine: find a gap
// in the sync record (check_space_sync_random_interval/sync_random_interval),
// pick a peer, fetch the chunk covering its start offset (sync_chunk), and
// validate+store it (store_fetched_chunk).
func (w *syncWorker) tick(ctx context.Context) error {
	if w.e.freeSpaceBelowBuffer() {
		return errors.New("engine: sync paused, disk buffer exhausted")
	}

	synced, err := w.e.SyncRecordSnapshot(ctx)
	if err != nil {
		return err
	}
	weaveSize := w.e.WeaveSize()

	start, _, ok := w.sched.PickInterval(synced, weaveSize)
	if !ok {
		return nil
	}

	peer, err := w.sched.PickPeer(ctx)
	if err != nil {
		return err
	}

	resp, err := w.sched.FetchChunk(ctx, peer, start)
	if err != nil {
		return err
	}

	return w.e.call(ctx, func(e *Engine) error {
		return e.storeFetchedChunk(start, resp)
	})
}

// storeFetchedChunk implements store_fetched_chunk: replays the nested
// proof (tx_path against the block's tx_root, then data_path against
// the recovered data_root) before handing the chunk to storeChunk, so a
// malicious peer cannot seed the index with unverified bytes.
func (e *Engine) storeFetchedChunk(offset uint64, resp peernet.ChunkResponse) error {
	blockStart, v, ok, err := e.kv.GetPrev(chunkdb.TableDataRootOffsetIndex, chunkdb.U64(offset))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidProof
	}
	blockOffsetRec, err := chunkdb.DecodeDataRootOffsetIndexRecord(v)
	if err != nil {
		return err
	}
	blockStartOffset := chunkdb.ParseU64(blockStart)

	txProof, ok := e.verifier.ValidatePath(blockOffsetRec.TxRoot, offset-blockStartOffset, 0, resp.TxPath)
	if !ok {
		return ErrInvalidProof
	}
	dataRoot := txProof.LeafID
	absTxStart := blockStartOffset + txProof.Start
	txSize := txProof.End - txProof.Start

	chunkProof, ok := e.verifier.ValidatePath(dataRoot, offset-absTxStart, uint64(len(resp.Chunk)), resp.DataPath)
	if !ok || sha256Of(resp.Chunk) != chunkProof.LeafID {
		return ErrInvalidProof
	}

	dataPathHash := sha256Of(resp.DataPath)
	absEnd := absTxStart + chunkProof.End
	_, err = e.storeChunk(storeChunkArgs{
		AbsOffset:       absEnd,
		ChunkOffsetInTx: chunkProof.Start,
		DataPathHash:    dataPathHash,
		TxRoot:          blockOffsetRec.TxRoot,
		DataRoot:        dataRoot,
		TxPath:          resp.TxPath,
		DataPath:        resp.DataPath,
		ChunkSize:       chunkProof.End - chunkProof.Start,
		ChunkBytes:      resp.Chunk,
		TxSize:          txSize,
	})
	if err != nil {
		return err
	}
	e.metrics.ChunkFetched(true)
	return nil
}
