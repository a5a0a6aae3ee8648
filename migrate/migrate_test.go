package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/ecolog/arweave/chunkdb"
)

type fakeSource struct {
	entries [][]LegacyEntry // pages
	calls   int
	failAt  int
}

func (f *fakeSource) ListFrom(cursor []byte, limit int) ([]LegacyEntry, []byte, error) {
	idx := 0
	if len(cursor) > 0 {
		idx = int(cursor[0])
	}
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, nil, errTest
	}
	if idx >= len(f.entries) {
		return nil, nil, nil
	}
	page := f.entries[idx]
	return page, []byte{byte(idx + 1)}, nil
}

type testErr struct{}

func (testErr) Error() string { return "boom" }

var errTest = testErr{}

func openDB(t *testing.T) *chunkdb.DB {
	t.Helper()
	db, err := chunkdb.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigratesAllBatchesAndMarksComplete(t *testing.T) {
	db := openDB(t)
	src := &fakeSource{entries: [][]LegacyEntry{
		{{DataPathHash: [32]byte{1}, Chunk: []byte("a"), DataPath: []byte("pa")}},
		{{DataPathHash: [32]byte{2}, Chunk: []byte("b"), DataPath: []byte("pb")}},
	}}
	m := New(db, src)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Run(ctx, 10, time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !m.Done() {
		t.Fatal("expected migration to be done")
	}
	v, err := db.Get(chunkdb.TableChunkDataIndex, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := chunkdb.DecodeChunkDataRecord(v)
	if err != nil || string(rec.Chunk) != "a" {
		t.Fatalf("rec=%+v err=%v", rec, err)
	}
}

func TestRunRetriesOnBatchFailure(t *testing.T) {
	db := openDB(t)
	src := &fakeSource{
		failAt: 1,
		entries: [][]LegacyEntry{
			{{DataPathHash: [32]byte{1}, Chunk: []byte("a"), DataPath: []byte("pa")}},
		},
	}
	m := New(db, src)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Run(ctx, 10, time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !m.Done() {
		t.Fatal("expected eventual completion after retry")
	}
}

func TestDoneShortCircuitsAlreadyCompleteMigration(t *testing.T) {
	db := openDB(t)
	m := New(db, &fakeSource{})
	if err := db.Put(chunkdb.TableMigrationsIndex, completeKey, []byte{1}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Run(ctx, 10, time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !m.Done() {
		t.Fatal("expected Done() true for pre-marked complete migration")
	}
}
