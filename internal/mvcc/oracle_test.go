package mvcc

import "testing"

func TestOracle_AllocateRequiresGrant(t *testing.T) {
	o := NewOracle()

	if _, ok := o.Allocate(); ok {
		t.Fatal("expected allocation to fail without a grant")
	}

	lo, hi := o.ApplyReserve(10)
	if lo != 1 || hi != 10 {
		t.Fatalf("expected [1,10], got [%d,%d]", lo, hi)
	}
	// The ceiling advanced, but only Adopt installs a grant.
	if _, ok := o.Allocate(); ok {
		t.Fatal("expected allocation to fail before Adopt")
	}

	o.Adopt(lo, hi)
	for want := uint64(1); want <= 10; want++ {
		ts, ok := o.Allocate()
		if !ok || ts != want {
			t.Fatalf("expected ts %d, got %d ok=%v", want, ts, ok)
		}
	}
	if _, ok := o.Allocate(); ok {
		t.Fatal("expected exhausted grant")
	}
}

func TestOracle_RangesNeverOverlap(t *testing.T) {
	o := NewOracle()

	lo1, hi1 := o.ApplyReserve(5)
	lo2, hi2 := o.ApplyReserve(5)
	if hi1 >= lo2 {
		t.Fatalf("ranges overlap: [%d,%d] [%d,%d]", lo1, hi1, lo2, hi2)
	}

	// A leader that adopted the first range and a successor adopting the
	// second never issue the same timestamp.
	o.Adopt(lo1, hi1)
	var issued []uint64
	for {
		ts, ok := o.Allocate()
		if !ok {
			break
		}
		issued = append(issued, ts)
	}
	o.Adopt(lo2, hi2)
	for {
		ts, ok := o.Allocate()
		if !ok {
			break
		}
		issued = append(issued, ts)
	}

	seen := map[uint64]bool{}
	for _, ts := range issued {
		if seen[ts] {
			t.Fatalf("timestamp %d issued twice", ts)
		}
		seen[ts] = true
	}
	if len(issued) != 10 {
		t.Fatalf("expected 10 timestamps, got %d", len(issued))
	}
}

func TestOracle_AdoptIgnoresStaleRange(t *testing.T) {
	o := NewOracle()

	lo1, hi1 := o.ApplyReserve(10)
	o.Adopt(lo1, hi1)
	// A duplicate or reordered adoption of an already-covered range must not
	// rewind the grant.
	if ts, ok := o.Allocate(); !ok || ts != 1 {
		t.Fatalf("expected ts 1, got %d ok=%v", ts, ok)
	}
	o.Adopt(lo1, hi1)
	if ts, ok := o.Allocate(); !ok || ts != 2 {
		t.Fatalf("expected ts 2 after stale adopt, got %d ok=%v", ts, ok)
	}
}

func TestOracle_RestoreDropsGrant(t *testing.T) {
	o := NewOracle()

	lo, hi := o.ApplyReserve(10)
	o.Adopt(lo, hi)

	o.Restore(100)
	if _, ok := o.Allocate(); ok {
		t.Fatal("expected no grant after restore")
	}
	if got := o.Reserved(); got != 100 {
		t.Fatalf("expected ceiling 100, got %d", got)
	}
	lo, hi = o.ApplyReserve(5)
	if lo != 101 || hi != 105 {
		t.Fatalf("expected [101,105], got [%d,%d]", lo, hi)
	}
}

func TestOracle_NextTracksGrant(t *testing.T) {
	o := NewOracle()
	if got := o.Next(); got != 0 {
		t.Fatalf("expected no next without a grant, got %d", got)
	}

	lo, hi := o.ApplyReserve(2)
	o.Adopt(lo, hi)
	if got := o.Next(); got != 1 {
		t.Fatalf("expected next 1, got %d", got)
	}
	o.Allocate()
	if got := o.Next(); got != 2 {
		t.Fatalf("expected next 2, got %d", got)
	}
	o.Allocate()
	if got := o.Next(); got != 0 {
		t.Fatalf("expected no next on exhausted grant, got %d", got)
	}
}

func TestOracle_Remaining(t *testing.T) {
	o := NewOracle()
	if got := o.Remaining(); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
	lo, hi := o.ApplyReserve(4)
	o.Adopt(lo, hi)
	if got := o.Remaining(); got != 4 {
		t.Fatalf("expected 4 remaining, got %d", got)
	}
	o.Allocate()
	if got := o.Remaining(); got != 3 {
		t.Fatalf("expected 3 remaining, got %d", got)
	}
}
