package diskpool

import "testing"

func root(b byte) []byte { return []byte{b} }

func TestAnnounceAndReserve(t *testing.T) {
	p := New()
	p.AnnounceRoot(root(1), [32]byte{9}, 1000)
	if !p.Contains(root(1)) {
		t.Fatal("expected root present")
	}
	if err := p.CheckAndReserve(root(1), 100, 0, 0); err != nil {
		t.Fatal(err)
	}
	if p.Size() != 100 {
		t.Fatalf("size = %d, want 100", p.Size())
	}
}

func TestCheckAndReserveUnknownRoot(t *testing.T) {
	p := New()
	if err := p.CheckAndReserve(root(1), 1, 0, 0); err != ErrDataRootNotFound {
		t.Fatalf("err = %v, want ErrDataRootNotFound", err)
	}
}

func TestCheckAndReservePerRootLimit(t *testing.T) {
	p := New()
	p.AnnounceRoot(root(1), [32]byte{9}, 1000)
	if err := p.CheckAndReserve(root(1), 50, 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckAndReserve(root(1), 51, 100, 0); err != ErrExceedsSizeLimit {
		t.Fatalf("err = %v, want ErrExceedsSizeLimit", err)
	}
}

func TestCheckAndReserveGlobalLimit(t *testing.T) {
	p := New()
	p.AnnounceRoot(root(1), [32]byte{9}, 1000)
	p.AnnounceRoot(root(2), [32]byte{8}, 1000)
	if err := p.CheckAndReserve(root(1), 80, 0, 100); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckAndReserve(root(2), 30, 0, 100); err != ErrExceedsSizeLimit {
		t.Fatalf("err = %v, want ErrExceedsSizeLimit", err)
	}
}

func TestConfirmPreventsExpiry(t *testing.T) {
	p := New()
	p.AnnounceRoot(root(1), [32]byte{9}, 1000)
	p.Confirm(root(1))
	expired := p.Expire(10_000_000, 1000)
	if len(expired) != 0 {
		t.Fatalf("confirmed root should not expire, got %v", expired)
	}
	if !p.Contains(root(1)) {
		t.Fatal("confirmed root should remain present")
	}
}

func TestExpireDropsStaleUnconfirmedRoots(t *testing.T) {
	p := New()
	p.AnnounceRoot(root(1), [32]byte{9}, 1000)
	p.CheckAndReserve(root(1), 42, 0, 0)
	expired := p.Expire(1000+5000, 1000)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired root, got %d", len(expired))
	}
	if p.Contains(root(1)) {
		t.Fatal("expired root should have been removed")
	}
	if p.Size() != 0 {
		t.Fatalf("size after expiry = %d, want 0", p.Size())
	}
}

func TestDropRemovesUnreferencedUnconfirmedRoot(t *testing.T) {
	p := New()
	txID := [32]byte{9}
	p.AnnounceRoot(root(1), txID, 1000)
	p.Drop(root(1), txID)
	if p.Contains(root(1)) {
		t.Fatal("root with no remaining tx references should be dropped")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		idr, idp bool
		want     Decision
	}{
		{true, false, DecisionPromote},
		{true, true, DecisionPromote},
		{false, true, DecisionSkip},
		{false, false, DecisionDelete},
	}
	for _, c := range cases {
		if got := Classify(c.idr, c.idp); got != c.want {
			t.Fatalf("Classify(%v,%v) = %v, want %v", c.idr, c.idp, got, c.want)
		}
	}
}
