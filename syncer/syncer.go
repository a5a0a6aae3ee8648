// Package syncer implements the peer sync scheduler: the state machine
// that picks an unsynced region of the weave, hunts for a peer that can
// serve it, and fetches one chunk from that peer per FetchChunk call.
package syncer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ecolog/arweave/internal/synclog"
	"github.com/ecolog/arweave/intervalset"
	"github.com/ecolog/arweave/peernet"
)

var log = synclog.New("component", "syncer")

// State is one of the four scheduler states.
type State int

const (
	StateIdleForSpace State = iota
	StateHunting
	StateFetching
	StateIdleForPeer
)

func (s State) String() string {
	switch s {
	case StateIdleForSpace:
		return "idle_for_space"
	case StateHunting:
		return "hunting"
	case StateFetching:
		return "fetching"
	case StateIdleForPeer:
		return "idle_for_peer"
	default:
		return "unknown"
	}
}

var ErrNoPeerAvailable = errors.New("syncer: no peer available")

// Config mirrors the scheduler's operating tunables.
type Config struct {
	PickPeersOutOfRandomN  int
	ConsultPeerRecordsN    int
	MaxIntervalBytes       uint64
	PeerBackoffInitial     time.Duration
	PeerBackoffMax         time.Duration
	PeerExclusionRecovery  time.Duration
}

// Scheduler drives the Hunting/Fetching state machine. It does not own
// the weave's ground truth; it is handed a fresh snapshot of the local
// sync record and the weave size on every PickInterval call, so it never
// races the engine's single-owner mutation of that state.
type Scheduler struct {
	cfg    Config
	peers  peernet.Client
	rec    *peernet.RecordCache
	mu     sync.Mutex
	state  State
	failed map[string]*backoff.ExponentialBackOff
	until  map[string]time.Time
}

func New(cfg Config, peers peernet.Client, rec *peernet.RecordCache) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		peers:  peers,
		rec:    rec,
		state:  StateIdleForSpace,
		failed: make(map[string]*backoff.ExponentialBackOff),
		until:  make(map[string]time.Time),
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// PickInterval implements sync_random_interval: it computes the gaps in
// synced (the local sync record joined against confirmed) below
// weaveSize and samples one, bounded to cfg.MaxIntervalBytes.
func (s *Scheduler) PickInterval(synced *intervalset.Set, weaveSize uint64) (start, end uint64, ok bool) {
	if weaveSize == 0 {
		s.setState(StateIdleForSpace)
		return 0, 0, false
	}
	have := intervalset.New()
	for _, iv := range synced.Intervals() {
		have.Add(iv.Start, iv.End)
	}
	missing := complement(have, weaveSize)
	if len(missing) == 0 {
		s.setState(StateIdleForSpace)
		return 0, 0, false
	}
	pick := missing[rand.Intn(len(missing))]
	end = pick.End
	if s.cfg.MaxIntervalBytes > 0 && end-pick.Start > s.cfg.MaxIntervalBytes {
		end = pick.Start + s.cfg.MaxIntervalBytes
	}
	s.setState(StateHunting)
	return pick.Start, end, true
}

// complement returns the gaps of have within [0, weaveSize).
func complement(have *intervalset.Set, weaveSize uint64) []intervalset.Interval {
	var gaps []intervalset.Interval
	cursor := uint64(0)
	for _, iv := range have.Intervals() {
		if iv.Start > cursor {
			gaps = append(gaps, intervalset.Interval{Start: cursor, End: iv.Start})
		}
		if iv.End > cursor {
			cursor = iv.End
		}
	}
	if cursor < weaveSize {
		gaps = append(gaps, intervalset.Interval{Start: cursor, End: weaveSize})
	}
	return gaps
}

// PickPeer implements the PICK_PEERS_OUT_OF_RANDOM_N / hunting step:
// fetch the candidate peer list, drop any currently backed off, and
// sample one.
func (s *Scheduler) PickPeer(ctx context.Context) (peernet.Info, error) {
	all, err := s.peers.GetPeers(ctx)
	if err != nil {
		return peernet.Info{}, err
	}
	excluded := s.currentlyExcluded()
	candidates := peernet.ExcludeByAddr(all, excluded)
	sample := peernet.SampleOutOfRandomN(candidates, s.cfg.PickPeersOutOfRandomN, 1)
	if len(sample) == 0 {
		s.setState(StateIdleForPeer)
		return peernet.Info{}, ErrNoPeerAvailable
	}
	return sample[0], nil
}

func (s *Scheduler) currentlyExcluded() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]struct{})
	for addr, until := range s.until {
		if now.Before(until) {
			out[addr] = struct{}{}
		} else {
			delete(s.until, addr)
			delete(s.failed, addr)
		}
	}
	return out
}

// FetchChunk implements sync_chunk: ask peer for the chunk covering
// offset, recording success/failure into the backoff/exclusion state.
func (s *Scheduler) FetchChunk(ctx context.Context, peer peernet.Info, offset uint64) (peernet.ChunkResponse, error) {
	s.setState(StateFetching)
	resp, err := s.peers.GetChunk(ctx, peer, offset)
	if err != nil {
		s.recordFailure(peer)
		s.setState(StateIdleForPeer)
		return peernet.ChunkResponse{}, err
	}
	s.recordSuccess(peer)
	s.setState(StateHunting)
	return resp, nil
}

func (s *Scheduler) recordFailure(peer peernet.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.failed[peer.Addr]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.PeerBackoffInitial
		b.MaxInterval = s.cfg.PeerBackoffMax
		b.MaxElapsedTime = 0
		s.failed[peer.Addr] = b
	}
	s.until[peer.Addr] = time.Now().Add(b.NextBackOff())
	log.Debug("peer excluded after fetch failure", "peer", peer.Addr, "until", s.until[peer.Addr])
}

func (s *Scheduler) recordSuccess(peer peernet.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, peer.Addr)
	delete(s.until, peer.Addr)
}

// ExcludedSet materializes the current exclusion set as a mapset, for
// callers that want set algebra over peer addresses rather than a plain
// map.
func (s *Scheduler) ExcludedSet() mapset.Set[string] {
	excluded := s.currentlyExcluded()
	set := mapset.NewSet[string]()
	for addr := range excluded {
		set.Add(addr)
	}
	return set
}
