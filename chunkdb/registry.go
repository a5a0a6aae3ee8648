package chunkdb

import (
	"errors"

	"github.com/VictoriaMetrics/fastcache"
)

// Registry is the process-wide published set of read handles:
// get_chunk/get_tx_root/get_tx_data/get_tx_offset never round-trip
// through the engine's mailbox, they read KV (and a fastcache hot-read
// layer in front of it) directly.
type Registry struct {
	kv    KV
	cache *fastcache.Cache
}

// ErrNotJoined names the not_joined condition for the read path.
// Registry's accessors do not track join state and never return it; the
// engine's read methods check join state first and return their own
// engine.ErrNotJoined.
var ErrNotJoined = errors.New("chunkdb: engine not joined")

// ErrChunkNotFound / ErrTxNotFound distinguish missing rows from corrupt
// ones for callers.
var (
	ErrChunkNotFound = errors.New("chunkdb: chunk not found")
	ErrTxNotFound    = errors.New("chunkdb: tx not found")
)

func NewRegistry(kv KV, cacheBytes int) *Registry {
	return &Registry{kv: kv, cache: fastcache.New(cacheBytes)}
}

// ChunkProof is the assembled answer to get_chunk: enough to serve the
// chunk proof's boundary JSON.
type ChunkProof struct {
	Chunk    []byte
	DataPath []byte
	TxPath   []byte
	DataRoot Hash32
	TxRoot   Hash32
	Offset   uint64 // absolute end offset, the chunks_index key
	Size     uint64
}

// GetChunk reconstructs the full two-path proof for the chunk ending at
// off, reading chunks_index then chunk_data_index.
func (r *Registry) GetChunk(off uint64) (ChunkProof, error) {
	cacheKey := append([]byte("c:"), U64(off)...)
	if cached, ok := r.cache.HasGet(nil, cacheKey); ok {
		rec, err := DecodeChunkRecord(cached)
		if err != nil {
			return ChunkProof{}, err
		}
		return r.assembleProof(off, rec)
	}
	raw, err := r.kv.Get(TableChunksIndex, U64(off))
	if errors.Is(err, ErrNotFound) {
		return ChunkProof{}, ErrChunkNotFound
	}
	if err != nil {
		return ChunkProof{}, err
	}
	rec, err := DecodeChunkRecord(raw)
	if err != nil {
		return ChunkProof{}, err
	}
	r.cache.Set(cacheKey, raw)
	return r.assembleProof(off, rec)
}

func (r *Registry) assembleProof(off uint64, rec ChunkRecord) (ChunkProof, error) {
	dataRaw, err := r.kv.Get(TableChunkDataIndex, rec.DataPathHash[:])
	if errors.Is(err, ErrNotFound) {
		return ChunkProof{}, ErrChunkNotFound
	}
	if err != nil {
		return ChunkProof{}, err
	}
	data, err := DecodeChunkDataRecord(dataRaw)
	if err != nil {
		return ChunkProof{}, err
	}
	return ChunkProof{
		Chunk:    data.Chunk,
		DataPath: data.DataPath,
		TxPath:   rec.TxPath,
		DataRoot: rec.DataRoot,
		TxRoot:   rec.TxRoot,
		Offset:   off,
		Size:     rec.ChunkSize,
	}, nil
}

// GetTxRoot returns the tx_root covering absolute offset off, read from
// data_root_offset_index via get_prev.
func (r *Registry) GetTxRoot(off uint64) (Hash32, error) {
	_, v, ok, err := r.kv.GetPrev(TableDataRootOffsetIndex, U64(off))
	if err != nil {
		return Hash32{}, err
	}
	if !ok {
		return Hash32{}, ErrChunkNotFound
	}
	rec, err := DecodeDataRootOffsetIndexRecord(v)
	if err != nil {
		return Hash32{}, err
	}
	return rec.TxRoot, nil
}

// GetTxOffset returns (abs_end_offset, tx_size) for a tx_id.
func (r *Registry) GetTxOffset(txID Hash32) (TxIndexRecord, error) {
	raw, err := r.kv.Get(TableTxIndex, txID[:])
	if errors.Is(err, ErrNotFound) {
		return TxIndexRecord{}, ErrTxNotFound
	}
	if err != nil {
		return TxIndexRecord{}, err
	}
	return DecodeTxIndexRecord(raw)
}

// GetTxData assembles a transaction's full payload in weave order from
// per-chunk reads, refusing to serve more than maxBytes with
// tx_data_too_big.
func (r *Registry) GetTxData(txID Hash32, maxBytes int64) ([]byte, error) {
	txRec, err := r.GetTxOffset(txID)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(txRec.TxSize) > maxBytes {
		return nil, errors.New("chunkdb: tx_data_too_big")
	}
	start := txRec.AbsTxEndOffset - txRec.TxSize
	out := make([]byte, 0, txRec.TxSize)
	probe := start + 1
	for probe <= txRec.AbsTxEndOffset {
		k, v, ok, err := r.kv.GetNext(TableChunksIndex, U64(probe))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrChunkNotFound
		}
		end := ParseU64(k)
		rec, err := DecodeChunkRecord(v)
		if err != nil {
			return nil, err
		}
		dataRaw, err := r.kv.Get(TableChunkDataIndex, rec.DataPathHash[:])
		if err != nil {
			return nil, ErrChunkNotFound
		}
		data, err := DecodeChunkDataRecord(dataRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, data.Chunk...)
		probe = end + 1
	}
	return out, nil
}

// Invalidate drops a cached chunk record, called after a reorg or
// blacklist erasure removes the underlying row.
func (r *Registry) Invalidate(off uint64) {
	r.cache.Del(append([]byte("c:"), U64(off)...))
}
