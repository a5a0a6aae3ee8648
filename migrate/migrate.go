// Package migrate implements store_data_in_v2_index: a background
// cyclic scan that copies chunk bytes from a node's legacy per-hash-file
// storage into chunk_data_index, so old nodes upgrade in place without a
// stop-the-world rewrite. The legacy files are left in place; nothing
// here deletes them after copying.
package migrate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/internal/synclog"
)

var log = synclog.New("component", "migrate")

var (
	cursorKey   = []byte("store_data_in_v2_index:cursor")
	completeKey = []byte("store_data_in_v2_index:complete")
)

// LegacyEntry is one chunk found in the pre-migration per-hash-file
// store.
type LegacyEntry struct {
	DataPathHash [32]byte
	DataPath     []byte
	Chunk        []byte
}

// LegacySource lists legacy-stored chunks in a stable order, resumable
// from a cursor, so a crash mid-migration re-reads from where it left
// off rather than restarting from scratch.
type LegacySource interface {
	ListFrom(cursor []byte, limit int) (entries []LegacyEntry, nextCursor []byte, err error)
}

// Migrator drives the scan. It is safe to construct once per process;
// Done is an atomic so HTTP status handlers can report migration
// progress without touching the KV.
type Migrator struct {
	kv     chunkdb.KV
	source LegacySource
	done   atomic.Bool
}

func New(kv chunkdb.KV, source LegacySource) *Migrator {
	return &Migrator{kv: kv, source: source}
}

func (m *Migrator) Done() bool { return m.done.Load() }

func (m *Migrator) loadCursor() ([]byte, bool, error) {
	if _, err := m.kv.Get(chunkdb.TableMigrationsIndex, completeKey); err == nil {
		return nil, true, nil
	} else if err != chunkdb.ErrNotFound {
		return nil, false, err
	}
	cur, err := m.kv.Get(chunkdb.TableMigrationsIndex, cursorKey)
	if err == chunkdb.ErrNotFound {
		return nil, false, nil
	}
	return cur, false, err
}

func (m *Migrator) saveCursor(cursor []byte) error {
	return m.kv.Put(chunkdb.TableMigrationsIndex, cursorKey, cursor)
}

func (m *Migrator) markComplete() error {
	m.done.Store(true)
	return m.kv.Put(chunkdb.TableMigrationsIndex, completeKey, []byte{1})
}

// Run drives the scan to completion, retrying each batch forever on
// error with an exponential backoff, the way the teacher's downloader
// retries a stalled peer rather than giving up on sync altogether.
// It returns once the migration completes or ctx is cancelled.
func (m *Migrator) Run(ctx context.Context, batchSize int, retryInitial, retryMax time.Duration) error {
	cursor, complete, err := m.loadCursor()
	if err != nil {
		return err
	}
	if complete {
		m.done.Store(true)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.MaxInterval = retryMax
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, next, err := m.runBatch(cursor, batchSize)
		if err != nil {
			wait := bo.NextBackOff()
			log.Warn("migration batch failed, retrying", "err", err, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if len(entries) == 0 {
			return m.markComplete()
		}
		cursor = next
		if err := m.saveCursor(cursor); err != nil {
			return err
		}
	}
}

func (m *Migrator) runBatch(cursor []byte, limit int) ([]LegacyEntry, []byte, error) {
	entries, next, err := m.source.ListFrom(cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		rec := chunkdb.ChunkDataRecord{Chunk: e.Chunk, DataPath: e.DataPath}
		if err := m.kv.Put(chunkdb.TableChunkDataIndex, e.DataPathHash[:], rec.Encode()); err != nil {
			return nil, nil, err
		}
	}
	return entries, next, nil
}
