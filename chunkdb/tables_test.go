package chunkdb

import (
	"bytes"
	"reflect"
	"testing"
)

func TestChunkRecordRoundTrip(t *testing.T) {
	rec := ChunkRecord{
		DataPathHash:    Hash32{1},
		TxRoot:          Hash32{2},
		DataRoot:        Hash32{3},
		TxPath:          []byte("some tx path bytes"),
		ChunkOffsetInTx: 12345,
		ChunkSize:       262144,
	}
	got, err := DecodeChunkRecord(rec.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestDataRootIndexRecordRoundTripAndRemove(t *testing.T) {
	rec := DataRootIndexRecord{Placements: []TxPlacement{
		{TxRoot: Hash32{1}, AbsTxStart: 100, TxPath: []byte("p1")},
		{TxRoot: Hash32{2}, AbsTxStart: 500, TxPath: []byte("p2")},
	}}
	got, err := DecodeDataRootIndexRecord(rec.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Placements) != 2 {
		t.Fatalf("got %d placements, want 2", len(got.Placements))
	}
	remaining := got.RemoveTxRootsAbove(200)
	if !remaining || len(got.Placements) != 1 || got.Placements[0].AbsTxStart != 100 {
		t.Fatalf("got %+v", got.Placements)
	}
	remaining = got.RemoveTxRootsAbove(0)
	if remaining {
		t.Fatal("expected no placements to remain")
	}
}

func TestDataRootOffsetIndexRecordAddRootDedups(t *testing.T) {
	rec := DataRootOffsetIndexRecord{TxRoot: Hash32{9}, BlockSize: 100}
	key := DataRootKey(Hash32{1}, 50)
	rec.AddRoot(key)
	rec.AddRoot(key)
	if len(rec.Roots) != 1 {
		t.Fatalf("expected dedup, got %d roots", len(rec.Roots))
	}
}

func TestDiskPoolChunkKeyRoundTrip(t *testing.T) {
	hash := Hash32{7, 7, 7}
	key := DiskPoolChunkKey(1_700_000_000_000_000, hash)
	ts, h, ok := SplitDiskPoolChunkKey(key)
	if !ok || ts != 1_700_000_000_000_000 || h != hash {
		t.Fatalf("got ts=%d h=%v ok=%v", ts, h, ok)
	}
}

func TestU64Ordering(t *testing.T) {
	a, b := U64(1), U64(2)
	if bytes.Compare(a, b) >= 0 {
		t.Fatal("expected U64(1) < U64(2) lexicographically")
	}
}
