package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/ecolog/arweave/intervalset"
	"github.com/ecolog/arweave/peernet"
)

type fakePeers struct {
	peers   []peernet.Info
	fail    map[string]bool
	lastOff uint64
}

func (f *fakePeers) GetPeers(ctx context.Context) ([]peernet.Info, error) {
	return f.peers, nil
}

func (f *fakePeers) GetSyncRecord(ctx context.Context, peer peernet.Info) (*intervalset.Set, error) {
	return intervalset.New(), nil
}

func (f *fakePeers) GetChunk(ctx context.Context, peer peernet.Info, off uint64) (peernet.ChunkResponse, error) {
	f.lastOff = off
	if f.fail[peer.Addr] {
		return peernet.ChunkResponse{}, errTest
	}
	return peernet.ChunkResponse{Chunk: []byte("x")}, nil
}

var errTest = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func newScheduler(peers *fakePeers) *Scheduler {
	cfg := Config{
		PickPeersOutOfRandomN: 10,
		MaxIntervalBytes:      1000,
		PeerBackoffInitial:    time.Millisecond,
		PeerBackoffMax:        time.Second,
	}
	return New(cfg, peers, peernet.NewRecordCache(10))
}

func TestPickIntervalFindsGap(t *testing.T) {
	s := newScheduler(&fakePeers{})
	synced := intervalset.New(intervalset.Interval{Start: 0, End: 50})
	start, end, ok := s.PickInterval(synced, 200)
	if !ok || start < 50 || end > 200 {
		t.Fatalf("start=%d end=%d ok=%v", start, end, ok)
	}
	if s.State() != StateHunting {
		t.Fatalf("state = %v, want Hunting", s.State())
	}
}

func TestPickIntervalFullyCovered(t *testing.T) {
	s := newScheduler(&fakePeers{})
	synced := intervalset.New(intervalset.Interval{Start: 0, End: 200})
	_, _, ok := s.PickInterval(synced, 200)
	if ok {
		t.Fatal("expected no interval when weave fully synced")
	}
	if s.State() != StateIdleForSpace {
		t.Fatalf("state = %v, want IdleForSpace", s.State())
	}
}

func TestFetchChunkSuccessTransitionsToHunting(t *testing.T) {
	peers := &fakePeers{peers: []peernet.Info{{Addr: "p1"}}, fail: map[string]bool{}}
	s := newScheduler(peers)
	_, err := s.FetchChunk(context.Background(), peernet.Info{Addr: "p1"}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateHunting {
		t.Fatalf("state = %v, want Hunting", s.State())
	}
}

func TestFetchChunkFailureExcludesPeer(t *testing.T) {
	peers := &fakePeers{peers: []peernet.Info{{Addr: "p1"}}, fail: map[string]bool{"p1": true}}
	s := newScheduler(peers)
	_, err := s.FetchChunk(context.Background(), peernet.Info{Addr: "p1"}, 100)
	if err == nil {
		t.Fatal("expected error")
	}
	if s.State() != StateIdleForPeer {
		t.Fatalf("state = %v, want IdleForPeer", s.State())
	}
	if !s.ExcludedSet().Contains("p1") {
		t.Fatal("expected p1 to be excluded after failure")
	}
}

func TestPickPeerExcludesBackedOff(t *testing.T) {
	peers := &fakePeers{peers: []peernet.Info{{Addr: "p1"}}, fail: map[string]bool{"p1": true}}
	s := newScheduler(peers)
	s.FetchChunk(context.Background(), peernet.Info{Addr: "p1"}, 1)
	_, err := s.PickPeer(context.Background())
	if err != ErrNoPeerAvailable {
		t.Fatalf("err = %v, want ErrNoPeerAvailable", err)
	}
}
