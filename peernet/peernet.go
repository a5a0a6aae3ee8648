// Package peernet is the PeerClient external collaborator: everything
// the sync scheduler needs to ask of the P2P layer, plus the bounded
// peer_sync_records cache that remembers what each peer last claimed to
// have synced.
package peernet

import (
	"context"
	"errors"
	"math/rand"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ecolog/arweave/intervalset"
)

// Info identifies a peer the scheduler may hunt against.
type Info struct {
	Addr   string
	Weight int // release-rate hint, 0 if unknown; not consulted by SampleOutOfRandomN
}

// ChunkResponse is what a peer returns for get_chunk(offset).
type ChunkResponse struct {
	Chunk    []byte
	DataPath []byte
	TxPath   []byte
}

var ErrPeerUnavailable = errors.New("peernet: peer unavailable")

// Client is the external interface the engine's sync scheduler drives;
// a real implementation sits on top of the node's HTTP/gossip transport.
type Client interface {
	GetPeers(ctx context.Context) ([]Info, error)
	GetSyncRecord(ctx context.Context, peer Info) (*intervalset.Set, error)
	GetChunk(ctx context.Context, peer Info, absoluteOffset uint64) (ChunkResponse, error)
}

// RecordCache is the bounded peer_sync_records cache: synced intervals
// are only ever consulted for a small working set of
// recently-contacted peers, so an LRU eviction policy is enough to keep
// memory bounded without ever dropping an actively-used entry.
type RecordCache struct {
	cache *lru.Cache[string, *intervalset.Set]
}

func NewRecordCache(size int) *RecordCache {
	c, err := lru.New[string, *intervalset.Set](size)
	if err != nil {
		// only returns an error for size <= 0, which is a programmer error.
		panic(err)
	}
	return &RecordCache{cache: c}
}

func (c *RecordCache) Get(peer Info) (*intervalset.Set, bool) {
	return c.cache.Get(peer.Addr)
}

func (c *RecordCache) Put(peer Info, rec *intervalset.Set) {
	c.cache.Add(peer.Addr, rec)
}

func (c *RecordCache) Remove(peer Info) {
	c.cache.Remove(peer.Addr)
}

// SampleOutOfRandomN implements PICK_PEERS_OUT_OF_RANDOM_N: shuffle the
// full candidate list, take the first randomN, and return at most want
// of those. The shuffle discards the input order, and Weight is not
// used, so every candidate is equally likely.
func SampleOutOfRandomN(peers []Info, randomN, want int) []Info {
	if len(peers) == 0 || want <= 0 {
		return nil
	}
	pool := make([]Info, len(peers))
	copy(pool, peers)
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if randomN > 0 && randomN < len(pool) {
		pool = pool[:randomN]
	}
	if want > len(pool) {
		want = len(pool)
	}
	return pool[:want]
}

// ExcludeByAddr filters out peers whose Addr is present in excluded.
func ExcludeByAddr(peers []Info, excluded map[string]struct{}) []Info {
	out := peers[:0:0]
	for _, p := range peers {
		if _, skip := excluded[p.Addr]; !skip {
			out = append(out, p)
		}
	}
	return out
}
