package merkleproof

import "crypto/sha256"

// ChunkClaim bundles everything a proof submission carries: the two paths
// to validate plus the chunk bytes they ultimately authenticate. It is
// the pure-function input a ProofValidator consumes.
type ChunkClaim struct {
	TxRoot   [32]byte
	DataRoot [32]byte

	// TxPath proves DataRoot sits at TxOffsetInBlock within the TxSize-wide
	// leaf of the block's tx_root tree.
	TxPath          []byte
	TxOffsetInBlock uint64
	TxSize          uint64

	// DataPath proves Chunk's hash sits at ChunkOffsetInTx within the
	// DataRoot tree.
	DataPath        []byte
	ChunkOffsetInTx uint64
	Chunk           []byte
}

// ValidateChunkProof composes the two validate_path calls a full chunk
// proof requires: tx_path against tx_root locates the data root, data_path
// against the data root locates the chunk. It also enforces the chunk's
// hash matches the resolved leaf id and the chunk body does not exceed
// maxChunkBytes. On success it returns the chunk's [start, end) range
// within the transaction's own address space.
func ValidateChunkProof(v Verifier, c ChunkClaim, maxChunkBytes int) (Proof, bool) {
	if len(c.Chunk) == 0 || len(c.Chunk) > maxChunkBytes {
		return Proof{}, false
	}
	txProof, ok := v.ValidatePath(c.TxRoot, c.TxOffsetInBlock, c.TxSize, c.TxPath)
	if !ok || txProof.LeafID != c.DataRoot {
		return Proof{}, false
	}
	dataProof, ok := v.ValidatePath(c.DataRoot, c.ChunkOffsetInTx, uint64(len(c.Chunk)), c.DataPath)
	if !ok {
		return Proof{}, false
	}
	if sha256.Sum256(c.Chunk) != dataProof.LeafID {
		return Proof{}, false
	}
	return dataProof, true
}
