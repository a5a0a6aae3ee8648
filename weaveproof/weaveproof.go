// Package weaveproof marshals the node's HTTP-boundary representations:
// the chunk proof JSON object and the sync-record output encodings
// (binary term list and JSON pair array).
package weaveproof

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/intervalset"
)

// ChunkProofJSON is the chunk proof's wire shape:
//
//	{ chunk: base64url, data_path: base64url, data_root: base64url,
//	  data_size: decimal-string, offset: decimal-string, tx_path: base64url (opt) }
type ChunkProofJSON struct {
	Chunk    string `json:"chunk"`
	DataPath string `json:"data_path"`
	DataRoot string `json:"data_root"`
	DataSize string `json:"data_size"`
	Offset   string `json:"offset"`
	TxPath   string `json:"tx_path,omitempty"`
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// MarshalChunkProof renders a chunkdb.ChunkProof as the HTTP boundary
// JSON object.
func MarshalChunkProof(p chunkdb.ChunkProof) ([]byte, error) {
	out := ChunkProofJSON{
		Chunk:    b64(p.Chunk),
		DataPath: b64(p.DataPath),
		DataRoot: b64(p.DataRoot[:]),
		DataSize: strconv.FormatUint(p.Size, 10),
		Offset:   strconv.FormatUint(p.Offset, 10),
	}
	if len(p.TxPath) > 0 {
		out.TxPath = b64(p.TxPath)
	}
	return json.Marshal(out)
}

// UnmarshalChunkProofJSON parses the HTTP boundary JSON into a
// merkleproof.ChunkClaim-shaped set of fields for verification. The
// caller supplies tx_root and the transaction's offset/size, since the
// wire object does not carry them (they are looked up from the URL path
// or a prior tx_offset query).
func UnmarshalChunkProofJSON(raw []byte) (ChunkProofJSON, []byte, []byte, [32]byte, uint64, uint64, error) {
	var j ChunkProofJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return j, nil, nil, [32]byte{}, 0, 0, err
	}
	chunk, err := unb64(j.Chunk)
	if err != nil {
		return j, nil, nil, [32]byte{}, 0, 0, err
	}
	dataPath, err := unb64(j.DataPath)
	if err != nil {
		return j, nil, nil, [32]byte{}, 0, 0, err
	}
	rootBytes, err := unb64(j.DataRoot)
	if err != nil || len(rootBytes) != 32 {
		return j, nil, nil, [32]byte{}, 0, 0, errors.New("weaveproof: bad data_root")
	}
	var root [32]byte
	copy(root[:], rootBytes)
	size, err := strconv.ParseUint(j.DataSize, 10, 64)
	if err != nil {
		return j, nil, nil, [32]byte{}, 0, 0, err
	}
	offset, err := strconv.ParseUint(j.Offset, 10, 64)
	if err != nil {
		return j, nil, nil, [32]byte{}, 0, 0, err
	}
	return j, chunk, dataPath, root, size, offset, nil
}

// boundedDescending sorts intervals by End descending and truncates to
// maxCount, the MAX_SHARED_SYNCED_INTERVALS_COUNT cap.
func boundedDescending(intervals []intervalset.Interval, maxCount int) []intervalset.Interval {
	out := make([]intervalset.Interval, len(intervals))
	copy(out, intervals)
	sort.Slice(out, func(i, j int) bool { return out[i].End > out[j].End })
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}

// EncodeSyncRecordBinary renders the sync record as a length-prefixed
// binary term list: a uint32 count followed by (end,start) uint64 pairs,
// descending by end. This mirrors the compact wire form a node-to-node
// sync record exchange wants, as opposed to the JSON form meant for
// human-facing HTTP callers.
func EncodeSyncRecordBinary(intervals []intervalset.Interval, maxCount int) []byte {
	bounded := boundedDescending(intervals, maxCount)
	buf := make([]byte, 4+16*len(bounded))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(bounded)))
	for i, iv := range bounded {
		off := 4 + i*16
		binary.BigEndian.PutUint64(buf[off:off+8], iv.End)
		binary.BigEndian.PutUint64(buf[off+8:off+16], iv.Start)
	}
	return buf
}

// DecodeSyncRecordBinary is EncodeSyncRecordBinary's inverse.
func DecodeSyncRecordBinary(b []byte) ([]intervalset.Interval, error) {
	if len(b) < 4 {
		return nil, errors.New("weaveproof: short sync record")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if uint64(len(b)) != 4+16*uint64(n) {
		return nil, errors.New("weaveproof: truncated sync record")
	}
	out := make([]intervalset.Interval, n)
	for i := uint32(0); i < n; i++ {
		off := 4 + i*16
		end := binary.BigEndian.Uint64(b[off : off+8])
		start := binary.BigEndian.Uint64(b[off+8 : off+16])
		out[i] = intervalset.Interval{Start: start, End: end}
	}
	return out, nil
}

// EncodeSyncRecordJSON renders the sync record as a JSON array of
// [end, start] pairs, descending, the human-facing HTTP form.
func EncodeSyncRecordJSON(intervals []intervalset.Interval, maxCount int) ([]byte, error) {
	bounded := boundedDescending(intervals, maxCount)
	pairs := make([][2]uint64, len(bounded))
	for i, iv := range bounded {
		pairs[i] = [2]uint64{iv.End, iv.Start}
	}
	return json.Marshal(pairs)
}
