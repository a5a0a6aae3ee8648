package chunkdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/holiman/uint256"
)

// Hash32 is a content-addressed identifier: a data_path_hash, tx_root,
// data_root or tx_id, all SHA-256-sized.
type Hash32 = [32]byte

func writeHash(buf *bytes.Buffer, h Hash32) { buf.Write(h[:]) }

func readHash(r *bytes.Reader) (Hash32, error) {
	var h Hash32
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return h, err
	}
	return h, nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

var errShortRecord = errors.New("chunkdb: short record")

// ChunkRecord is the chunks_index value: everything needed to
// reconstruct and re-verify a chunk's two Merkle paths.
type ChunkRecord struct {
	DataPathHash    Hash32
	TxRoot          Hash32
	DataRoot        Hash32
	TxPath          []byte
	ChunkOffsetInTx uint64
	ChunkSize       uint64
}

func (c ChunkRecord) Encode() []byte {
	var buf bytes.Buffer
	writeHash(&buf, c.DataPathHash)
	writeHash(&buf, c.TxRoot)
	writeHash(&buf, c.DataRoot)
	writeBytes(&buf, c.TxPath)
	writeU64(&buf, c.ChunkOffsetInTx)
	writeU64(&buf, c.ChunkSize)
	return buf.Bytes()
}

func DecodeChunkRecord(b []byte) (ChunkRecord, error) {
	r := bytes.NewReader(b)
	var c ChunkRecord
	var err error
	if c.DataPathHash, err = readHash(r); err != nil {
		return c, errShortRecord
	}
	if c.TxRoot, err = readHash(r); err != nil {
		return c, errShortRecord
	}
	if c.DataRoot, err = readHash(r); err != nil {
		return c, errShortRecord
	}
	if c.TxPath, err = readBytes(r); err != nil {
		return c, errShortRecord
	}
	if c.ChunkOffsetInTx, err = readU64(r); err != nil {
		return c, errShortRecord
	}
	if c.ChunkSize, err = readU64(r); err != nil {
		return c, errShortRecord
	}
	return c, nil
}

// ChunkDataRecord is the chunk_data_index value: the raw chunk bytes plus
// the data_path that hashes to the table key.
type ChunkDataRecord struct {
	Chunk    []byte
	DataPath []byte
}

func (c ChunkDataRecord) Encode() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, c.Chunk)
	writeBytes(&buf, c.DataPath)
	return buf.Bytes()
}

func DecodeChunkDataRecord(b []byte) (ChunkDataRecord, error) {
	r := bytes.NewReader(b)
	var c ChunkDataRecord
	var err error
	if c.Chunk, err = readBytes(r); err != nil {
		return c, errShortRecord
	}
	if c.DataPath, err = readBytes(r); err != nil {
		return c, errShortRecord
	}
	return c, nil
}

// TxPlacement is one entry of the data_root_index's nested
// {tx_root -> {abs_tx_start_offset -> tx_path}} map, flattened.
type TxPlacement struct {
	TxRoot     Hash32
	AbsTxStart uint64
	TxPath     []byte
}

// DataRootIndexRecord is the data_root_index value keyed by
// data_root ‖ tx_size: every block placement this data root is known
// under — the same data root can be hosted by more than one block.
type DataRootIndexRecord struct {
	Placements []TxPlacement
}

func (d DataRootIndexRecord) Encode() []byte {
	var buf bytes.Buffer
	writeU64(&buf, uint64(len(d.Placements)))
	for _, p := range d.Placements {
		writeHash(&buf, p.TxRoot)
		writeU64(&buf, p.AbsTxStart)
		writeBytes(&buf, p.TxPath)
	}
	return buf.Bytes()
}

func DecodeDataRootIndexRecord(b []byte) (DataRootIndexRecord, error) {
	r := bytes.NewReader(b)
	var d DataRootIndexRecord
	n, err := readU64(r)
	if err != nil {
		return d, errShortRecord
	}
	for i := uint64(0); i < n; i++ {
		var p TxPlacement
		if p.TxRoot, err = readHash(r); err != nil {
			return d, errShortRecord
		}
		if p.AbsTxStart, err = readU64(r); err != nil {
			return d, errShortRecord
		}
		if p.TxPath, err = readBytes(r); err != nil {
			return d, errShortRecord
		}
		d.Placements = append(d.Placements, p)
	}
	return d, nil
}

// RemoveTxRootsAbove drops every placement whose AbsTxStart >= floor,
// returning whether any placement survives; the caller deletes the key
// entirely once the per-tx-root map becomes empty.
func (d *DataRootIndexRecord) RemoveTxRootsAbove(floor uint64) (remaining bool) {
	out := d.Placements[:0:0]
	for _, p := range d.Placements {
		if p.AbsTxStart < floor {
			out = append(out, p)
		}
	}
	d.Placements = out
	return len(d.Placements) > 0
}

// DataRootOffsetIndexRecord is the data_root_offset_index value keyed by
// block_start_offset: the block's tx_root, size, and the set of data
// roots it is known to have confirmed.
type DataRootOffsetIndexRecord struct {
	TxRoot    Hash32
	BlockSize uint64
	Roots     [][]byte // each entry is a 40-byte data_root_key (data_root ‖ tx_size)
}

func (d DataRootOffsetIndexRecord) Encode() []byte {
	var buf bytes.Buffer
	writeHash(&buf, d.TxRoot)
	writeU64(&buf, d.BlockSize)
	writeU64(&buf, uint64(len(d.Roots)))
	for _, key := range d.Roots {
		writeBytes(&buf, key)
	}
	return buf.Bytes()
}

func DecodeDataRootOffsetIndexRecord(b []byte) (DataRootOffsetIndexRecord, error) {
	r := bytes.NewReader(b)
	var d DataRootOffsetIndexRecord
	var err error
	if d.TxRoot, err = readHash(r); err != nil {
		return d, errShortRecord
	}
	if d.BlockSize, err = readU64(r); err != nil {
		return d, errShortRecord
	}
	n, err := readU64(r)
	if err != nil {
		return d, errShortRecord
	}
	for i := uint64(0); i < n; i++ {
		key, err := readBytes(r)
		if err != nil {
			return d, errShortRecord
		}
		d.Roots = append(d.Roots, key)
	}
	return d, nil
}

func (d *DataRootOffsetIndexRecord) AddRoot(key []byte) {
	for _, existing := range d.Roots {
		if bytes.Equal(existing, key) {
			return
		}
	}
	d.Roots = append(d.Roots, key)
}

// TxIndexRecord is the tx_index value keyed by tx_id.
type TxIndexRecord struct {
	AbsTxEndOffset uint64
	TxSize         uint64
}

func (t TxIndexRecord) Encode() []byte {
	var buf bytes.Buffer
	writeU64(&buf, t.AbsTxEndOffset)
	writeU64(&buf, t.TxSize)
	return buf.Bytes()
}

func DecodeTxIndexRecord(b []byte) (TxIndexRecord, error) {
	r := bytes.NewReader(b)
	var t TxIndexRecord
	var err error
	if t.AbsTxEndOffset, err = readU64(r); err != nil {
		return t, errShortRecord
	}
	if t.TxSize, err = readU64(r); err != nil {
		return t, errShortRecord
	}
	return t, nil
}

// DiskPoolChunkRecord is the disk_pool_chunks_index value.
type DiskPoolChunkRecord struct {
	ChunkOffsetInTx uint64
	ChunkSize       uint64
	DataRoot        Hash32
	TxSize          uint64
}

func (d DiskPoolChunkRecord) Encode() []byte {
	var buf bytes.Buffer
	writeU64(&buf, d.ChunkOffsetInTx)
	writeU64(&buf, d.ChunkSize)
	writeHash(&buf, d.DataRoot)
	writeU64(&buf, d.TxSize)
	return buf.Bytes()
}

func DecodeDiskPoolChunkRecord(b []byte) (DiskPoolChunkRecord, error) {
	r := bytes.NewReader(b)
	var d DiskPoolChunkRecord
	var err error
	if d.ChunkOffsetInTx, err = readU64(r); err != nil {
		return d, errShortRecord
	}
	if d.ChunkSize, err = readU64(r); err != nil {
		return d, errShortRecord
	}
	if d.DataRoot, err = readHash(r); err != nil {
		return d, errShortRecord
	}
	if d.TxSize, err = readU64(r); err != nil {
		return d, errShortRecord
	}
	return d, nil
}

// DataRootKey builds the 40-byte data_root ‖ u64 tx_size key used by
// data_root_index and data_root_offset_index's Roots set.
func DataRootKey(dataRoot Hash32, txSize uint64) []byte {
	return ConcatKey(dataRoot[:], U64(txSize))
}

// DiskPoolChunkKey builds the u256-timestamp ‖ data_path_hash key for
// disk_pool_chunks_index. Timestamps are carried as a 256-bit value, but
// every value the engine actually produces (microsecond Unix
// timestamps) fits in 64 bits, so we zero-pad to 32 bytes on the wire.
func DiskPoolChunkKey(timestampUs uint64, dataPathHash Hash32) []byte {
	ts := uint256.NewInt(timestampUs).Bytes32()
	return ConcatKey(ts[:], dataPathHash[:])
}

// SplitDiskPoolChunkKey recovers the timestamp and data_path_hash from a
// disk_pool_chunks_index key.
func SplitDiskPoolChunkKey(key []byte) (timestampUs uint64, dataPathHash Hash32, ok bool) {
	if len(key) != 64 {
		return 0, dataPathHash, false
	}
	var ts [32]byte
	copy(ts[:], key[:32])
	timestampUs = uint256.NewInt(0).SetBytes32(ts[:]).Uint64()
	copy(dataPathHash[:], key[32:64])
	return timestampUs, dataPathHash, true
}
