// Package diskpool implements the bounded staging area for chunks of
// not-yet-confirmed transactions. It owns only in-memory bookkeeping
// (disk_pool_data_roots, disk_pool_size); the KV side effects of
// promoting or evicting disk-pool chunks are carried out by the engine,
// the only component allowed to write to chunkdb.
package diskpool

import (
	"errors"
	"sync"
)

var (
	// ErrDataRootNotFound is returned when a caller references a root the
	// pool has never heard of (data_root_not_found).
	ErrDataRootNotFound = errors.New("diskpool: data root not found")
	// ErrExceedsSizeLimit covers both the per-root and the global cap
	// (exceeds_disk_pool_size_limit).
	ErrExceedsSizeLimit = errors.New("diskpool: exceeds disk pool size limit")
)

// RootEntry mirrors one disk_pool_data_roots row: a map from
// data_root_key to (total_bytes, first_seen_ts, option<set<tx_id>>).
// TxIDs == nil encodes "None" — the root has been confirmed at least
// once and must not expire.
type RootEntry struct {
	TotalBytes  uint64
	FirstSeenTs int64 // microseconds since epoch
	TxIDs       map[[32]byte]struct{}
}

func (r *RootEntry) confirmed() bool { return r.TxIDs == nil }

// Pool is the engine's in-memory disk-pool state.
type Pool struct {
	mu    sync.Mutex
	roots map[string]*RootEntry
	size  uint64
}

func New() *Pool {
	return &Pool{roots: make(map[string]*RootEntry)}
}

func keyStr(dataRootKey []byte) string { return string(dataRootKey) }

// Size returns disk_pool_size.
func (p *Pool) Size() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Contains reports IDP, the disk-pool processor's membership predicate.
func (p *Pool) Contains(dataRootKey []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.roots[keyStr(dataRootKey)]
	return ok
}

// FirstSeenTs returns the root's announcement timestamp, used to key its
// disk_pool_chunks_index rows.
func (p *Pool) FirstSeenTs(dataRootKey []byte) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.roots[keyStr(dataRootKey)]
	if !ok {
		return 0, false
	}
	return entry.FirstSeenTs, true
}

// AnnounceRoot registers a new pending data root, the mempool-driven
// add_data_root_to_disk_pool cast.
func (p *Pool) AnnounceRoot(dataRootKey []byte, txID [32]byte, nowUs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyStr(dataRootKey)
	entry, ok := p.roots[k]
	if !ok {
		p.roots[k] = &RootEntry{FirstSeenTs: nowUs, TxIDs: map[[32]byte]struct{}{txID: {}}}
		return
	}
	if !entry.confirmed() {
		entry.TxIDs[txID] = struct{}{}
	}
}

// Drop implements maybe_drop_data_root_from_disk_pool: the mempool
// dropping a pending tx removes its association; an unconfirmed root left
// with no referencing tx is removed outright.
func (p *Pool) Drop(dataRootKey []byte, txID [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyStr(dataRootKey)
	entry, ok := p.roots[k]
	if !ok || entry.confirmed() {
		return
	}
	delete(entry.TxIDs, txID)
	if len(entry.TxIDs) == 0 {
		p.size -= entry.TotalBytes
		delete(p.roots, k)
	}
}

// Confirm marks a root as confirmed — it must no longer expire — called
// once its enclosing block lands in add_tip_block/add_block.
func (p *Pool) Confirm(dataRootKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.roots[keyStr(dataRootKey)]; ok {
		entry.TxIDs = nil
	}
}

// RootSnapshot is the wire-friendly form of one pool entry, used to
// persist and restore disk_pool_data_roots across a restart.
type RootSnapshot struct {
	Key         []byte
	TotalBytes  uint64
	FirstSeenUs int64
	Confirmed   bool
	TxIDs       [][32]byte // empty when Confirmed
}

// Snapshot returns every root in the pool, confirmed or not, as a
// RootSnapshot, for the engine
// to fold into its sidecar state on save.
func (p *Pool) Snapshot() []RootSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RootSnapshot, 0, len(p.roots))
	for k, entry := range p.roots {
		var ids [][32]byte
		if !entry.confirmed() {
			ids = make([][32]byte, 0, len(entry.TxIDs))
			for id := range entry.TxIDs {
				ids = append(ids, id)
			}
		}
		out = append(out, RootSnapshot{
			Key:         []byte(k),
			TotalBytes:  entry.TotalBytes,
			FirstSeenUs: entry.FirstSeenTs,
			Confirmed:   entry.confirmed(),
			TxIDs:       ids,
		})
	}
	return out
}

// Restore replaces the pool's contents with snapshots loaded from the
// sidecar file, the counterpart to Snapshot used on startup recovery.
func (p *Pool) Restore(snapshots []RootSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roots = make(map[string]*RootEntry, len(snapshots))
	var total uint64
	for _, s := range snapshots {
		var txids map[[32]byte]struct{}
		if !s.Confirmed {
			txids = make(map[[32]byte]struct{}, len(s.TxIDs))
			for _, id := range s.TxIDs {
				txids[id] = struct{}{}
			}
		}
		p.roots[string(s.Key)] = &RootEntry{TotalBytes: s.TotalBytes, FirstSeenTs: s.FirstSeenUs, TxIDs: txids}
		total += s.TotalBytes
	}
	p.size = total
}

// Remove deletes the disk-pool entry entirely, e.g. once the disk-pool
// processor has promoted every chunk for a now-confirmed root.
func (p *Pool) Remove(dataRootKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyStr(dataRootKey)
	if entry, ok := p.roots[k]; ok {
		p.size -= entry.TotalBytes
		delete(p.roots, k)
	}
}

// Reannounce re-adds a root with a fresh timestamp, preserving its TXID
// set, used when a reorg in add_tip_block returns orphaned data roots
// to the pool.
func (p *Pool) Reannounce(dataRootKey []byte, txIDs map[[32]byte]struct{}, nowUs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(map[[32]byte]struct{}, len(txIDs))
	for id := range txIDs {
		cp[id] = struct{}{}
	}
	p.roots[keyStr(dataRootKey)] = &RootEntry{FirstSeenTs: nowUs, TxIDs: cp}
}

// CheckAndReserve enforces the per-root and global size caps before a
// chunk is admitted, bumping the counters on success. Unknown roots are
// rejected with ErrDataRootNotFound.
func (p *Pool) CheckAndReserve(dataRootKey []byte, addBytes uint64, maxPerRootBytes, maxTotalBytes uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.roots[keyStr(dataRootKey)]
	if !ok {
		return ErrDataRootNotFound
	}
	if maxPerRootBytes > 0 && entry.TotalBytes+addBytes > maxPerRootBytes {
		return ErrExceedsSizeLimit
	}
	if maxTotalBytes > 0 && p.size+addBytes > maxTotalBytes {
		return ErrExceedsSizeLimit
	}
	entry.TotalBytes += addBytes
	p.size += addBytes
	return nil
}

// Expire drops every unconfirmed entry whose first_seen_ts +
// expirationUs has elapsed, recomputing disk_pool_size from the
// survivors, and returns the data_root_keys that expired so the engine
// can notify the blacklist-adjacent bookkeeping if needed.
func (p *Pool) Expire(nowUs int64, expirationUs int64) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired [][]byte
	var total uint64
	for k, entry := range p.roots {
		if !entry.confirmed() && entry.FirstSeenTs+expirationUs < nowUs {
			expired = append(expired, []byte(k))
			delete(p.roots, k)
			continue
		}
		total += entry.TotalBytes
	}
	p.size = total
	return expired
}

// Decision is the disk-pool processor's per-entry classification from
// the (IDR, IDP) truth table.
type Decision int

const (
	// DecisionSkip: root still pending, neither confirmed nor expired.
	DecisionSkip Decision = iota
	// DecisionDelete: root expired without confirmation.
	DecisionDelete
	// DecisionPromote: root has been confirmed, promote its chunks.
	DecisionPromote
)

// Classify implements the exact (¬IDR,IDP) / (¬IDR,¬IDP) / (IDR,_) table
// the disk-pool processor drives its cyclic scan from.
func Classify(idr, idp bool) Decision {
	switch {
	case idr:
		return DecisionPromote
	case idp:
		return DecisionSkip
	default:
		return DecisionDelete
	}
}
