package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecolog/arweave/blacklist"
	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/diskpool"
	"github.com/ecolog/arweave/merkleproof"
	"github.com/ecolog/arweave/metrics"
	"github.com/ecolog/arweave/persist"
)

func testConfig() Config {
	return Config{
		MaxChunkBytes:                  256 * 1024,
		MaxSharedSyncedIntervalsCount:  1000,
		ExtraIntervalsBeforeCompaction: 1000,
		MaxDiskPoolBufferBytes:         1 << 20,
		MaxDiskPoolDataRootBufferBytes: 1 << 18,
		DiskDataBufferSize:             0,
		TrackConfirmations:             10,
		MaxServedTxDataSize:            1 << 20,
		DiskPoolDataRootExpirationUs:   int64(time.Hour / time.Microsecond),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := chunkdb.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	registry := chunkdb.NewRegistry(db, 1<<20)
	pool := diskpool.New()
	store := persist.NewStore(t.TempDir() + "/state.gob")
	e := New(db, registry, pool, blacklist.None{}, metrics.NoOp{}, store, merkleproof.Default, func() uint64 { return 1 << 30 }, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e
}

// chunkFixture builds a one-chunk tx placed alone in a one-tx block: a
// chunk leaf under data_root, and that data_root as the sole leaf under
// tx_root, the nested proof shape a real weave chunk carries.
type chunkFixture struct {
	chunk    []byte
	dataPath []byte
	dataRoot [32]byte
	txPath   []byte
	txRoot   [32]byte
	txSize   uint64
}

func buildChunkFixture(t *testing.T, chunk []byte) chunkFixture {
	t.Helper()
	leafID := sha256Of(chunk)
	dataRoot, dataTree := merkleproof.GenerateTree([]merkleproof.Leaf{{ID: leafID, Size: uint64(len(chunk))}})
	dataPath, err := merkleproof.GeneratePath(dataTree, 0)
	if err != nil {
		t.Fatal(err)
	}
	txRoot, txTree := merkleproof.GenerateTree([]merkleproof.Leaf{{ID: dataRoot, Size: uint64(len(chunk))}})
	txPath, err := merkleproof.GeneratePath(txTree, 0)
	if err != nil {
		t.Fatal(err)
	}
	return chunkFixture{
		chunk:    chunk,
		dataPath: dataPath,
		dataRoot: dataRoot,
		txPath:   txPath,
		txRoot:   txRoot,
		txSize:   uint64(len(chunk)),
	}
}

func joinOneTxBlock(t *testing.T, e *Engine, f chunkFixture, blockHash, txID [32]byte) persist.BlockIndexEntry {
	t.Helper()
	block := persist.BlockIndexEntry{BlockHash: blockHash, WeaveSize: f.txSize, TxRoot: f.txRoot}
	pair := BlockTxPair{
		Block: block,
		Txs: []SizeTaggedTx{{
			TxID:     txID,
			DataRoot: f.dataRoot,
			TxSize:   f.txSize,
			TxPath:   f.txPath,
		}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.AddTipBlockSync(ctx, []BlockTxPair{pair}, []persist.BlockIndexEntry{block}); err != nil {
		t.Fatalf("AddTipBlockSync: %v", err)
	}
	return block
}

func TestAddChunkNotJoinedRejected(t *testing.T) {
	e := newTestEngine(t)
	f := buildChunkFixture(t, []byte("hello world"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := e.AddChunk(ctx, AddChunkRequest{DataRoot: f.dataRoot, DataPath: f.dataPath, Chunk: f.chunk, OffsetInTx: 0, TxSize: f.txSize})
	if err != ErrNotJoined {
		t.Fatalf("got %v, want ErrNotJoined", err)
	}
}

func TestAddChunkKnownRootRoundTripsThroughGetChunk(t *testing.T) {
	e := newTestEngine(t)
	f := buildChunkFixture(t, []byte("hello world, this is weave data"))
	joinOneTxBlock(t, e, f, [32]byte{1}, [32]byte{9})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := AddChunkRequest{DataRoot: f.dataRoot, DataPath: f.dataPath, Chunk: f.chunk, OffsetInTx: 0, TxSize: f.txSize}
	if err := e.AddChunk(ctx, req); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}

	proof, err := e.GetChunk(f.txSize)
	require.NoError(t, err)
	require.Equal(t, f.chunk, proof.Chunk)
	require.Equal(t, f.dataRoot, proof.DataRoot)
	require.Equal(t, f.txRoot, proof.TxRoot)
}

func TestAddChunkRejectsBadProof(t *testing.T) {
	e := newTestEngine(t)
	f := buildChunkFixture(t, []byte("hello world, this is weave data"))
	joinOneTxBlock(t, e, f, [32]byte{1}, [32]byte{9})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := AddChunkRequest{DataRoot: f.dataRoot, DataPath: f.dataPath, Chunk: []byte("tampered bytes, wrong length!!!"), OffsetInTx: 0, TxSize: f.txSize}
	if err := e.AddChunk(ctx, req); err != ErrInvalidProof {
		t.Fatalf("got %v, want ErrInvalidProof", err)
	}
}

func TestAddChunkUnknownRootRequiresDiskPoolAnnouncement(t *testing.T) {
	e := newTestEngine(t)
	// join some unrelated chain so the engine is past not_joined, but the
	// fixture's own data root is never placed in a block.
	seed := buildChunkFixture(t, []byte("seed chunk, unrelated to the fixture under test"))
	joinOneTxBlock(t, e, seed, [32]byte{2}, [32]byte{3})

	f := buildChunkFixture(t, []byte("pending chunk awaiting confirmation"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := AddChunkRequest{DataRoot: f.dataRoot, DataPath: f.dataPath, Chunk: f.chunk, OffsetInTx: 0, TxSize: f.txSize}

	if err := e.AddChunk(ctx, req); err != ErrDataRootNotFound {
		t.Fatalf("got %v, want ErrDataRootNotFound", err)
	}

	txID := [32]byte{7}
	e.AddDataRootToDiskPool(f.dataRoot, f.txSize, txID)

	if err := e.AddChunk(ctx, req); err != nil {
		t.Fatalf("AddChunk after disk pool announcement: %v", err)
	}

	// the chunk is staged, not yet confirmed: get_chunk must not see it.
	if _, err := e.GetChunk(f.txSize); err == nil {
		t.Fatalf("expected unconfirmed chunk to be absent from get_chunk")
	}
}

func TestRequestTxDataRemovalErasesAndIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	f := buildChunkFixture(t, []byte("erase me once the removal request lands"))
	txID := [32]byte{42}
	joinOneTxBlock(t, e, f, [32]byte{1}, txID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := AddChunkRequest{DataRoot: f.dataRoot, DataPath: f.dataPath, Chunk: f.chunk, OffsetInTx: 0, TxSize: f.txSize}
	if err := e.AddChunk(ctx, req); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if _, err := e.GetChunk(f.txSize); err != nil {
		t.Fatalf("expected chunk to be present before removal: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := e.call(ctx, func(e *Engine) error { return e.requestTxDataRemoval(txID) }); err != nil {
			t.Fatalf("requestTxDataRemoval call %d: %v", i, err)
		}
	}

	if _, err := e.GetChunk(f.txSize); err == nil {
		t.Fatalf("expected chunk to be gone after removal")
	}

	set, err := e.SyncRecordSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if set.IsInside(0) {
		t.Fatalf("expected sync record to no longer cover the erased byte")
	}
}

func TestReorgReannouncesOrphanedDataRootsToDiskPool(t *testing.T) {
	e := newTestEngine(t)
	f1 := buildChunkFixture(t, []byte("first confirmed block's only transaction"))
	block1 := joinOneTxBlock(t, e, f1, [32]byte{1}, [32]byte{11})

	f2 := buildChunkFixture(t, []byte("second block, later orphaned by a reorg"))
	txID2 := [32]byte{22}
	block2 := persist.BlockIndexEntry{BlockHash: [32]byte{2}, WeaveSize: block1.WeaveSize + f2.txSize, TxRoot: f2.txRoot}
	pair2 := BlockTxPair{
		Block: block2,
		Txs: []SizeTaggedTx{{
			TxID:     txID2,
			DataRoot: f2.dataRoot,
			TxSize:   f2.txSize,
			TxPath:   f2.txPath,
		}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.AddTipBlockSync(ctx, []BlockTxPair{pair2}, []persist.BlockIndexEntry{block2, block1}); err != nil {
		t.Fatalf("AddTipBlockSync block2: %v", err)
	}

	rootKey := chunkdb.DataRootKey(f2.dataRoot, f2.txSize)
	poolAfterBlock2 := e.call(ctx, func(e *Engine) error {
		if e.pool.Contains(rootKey) {
			t.Fatalf("data root should not be in the disk pool while its block is canonical")
		}
		return nil
	})
	if poolAfterBlock2 != nil {
		t.Fatal(poolAfterBlock2)
	}

	// replace block2 with a competing block at the same height: the
	// common ancestor is block1, block2's data root is orphaned.
	block2b := persist.BlockIndexEntry{BlockHash: [32]byte{3}, WeaveSize: block1.WeaveSize + f2.txSize, TxRoot: [32]byte{99}}
	if err := e.JoinSync(ctx, []persist.BlockIndexEntry{block2b, block1}); err != nil {
		t.Fatalf("JoinSync reorg: %v", err)
	}

	err := e.call(ctx, func(e *Engine) error {
		if !e.pool.Contains(rootKey) {
			t.Fatalf("expected orphaned data root reannounced to disk pool")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDiskPoolTickPromotesConfirmedRoot(t *testing.T) {
	e := newTestEngine(t)
	seed := buildChunkFixture(t, []byte("seed chunk so the engine is joined before this test"))
	seedBlock := joinOneTxBlock(t, e, seed, [32]byte{1}, [32]byte{2})

	f := buildChunkFixture(t, []byte("a chunk staged in the disk pool awaiting promotion"))
	txID := [32]byte{5}
	e.AddDataRootToDiskPool(f.dataRoot, f.txSize, txID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := AddChunkRequest{DataRoot: f.dataRoot, DataPath: f.dataPath, Chunk: f.chunk, OffsetInTx: 0, TxSize: f.txSize}
	if err := e.AddChunk(ctx, req); err != nil {
		t.Fatalf("AddChunk into disk pool: %v", err)
	}

	block := persist.BlockIndexEntry{BlockHash: [32]byte{8}, WeaveSize: seed.txSize + f.txSize, TxRoot: f.txRoot}
	pair := BlockTxPair{
		Block: block,
		Txs: []SizeTaggedTx{{
			TxID:     txID,
			DataRoot: f.dataRoot,
			TxSize:   f.txSize,
			TxPath:   f.txPath,
		}},
	}
	if err := e.AddTipBlockSync(ctx, []BlockTxPair{pair}, []persist.BlockIndexEntry{block, seedBlock}); err != nil {
		t.Fatalf("AddTipBlockSync: %v", err)
	}

	// run the cyclic disk-pool scan until the single staged entry has
	// either been classified or the table is exhausted.
	for i := 0; i < 4; i++ {
		if err := e.call(ctx, func(e *Engine) error { return e.diskPoolTick() }); err != nil {
			t.Fatalf("diskPoolTick: %v", err)
		}
	}

	proof, err := e.GetChunk(seed.txSize + f.txSize)
	if err != nil {
		t.Fatalf("expected promoted chunk to be served by get_chunk: %v", err)
	}
	if string(proof.Chunk) != string(f.chunk) {
		t.Fatalf("promoted chunk mismatch")
	}
}
