package mvcc

import "sync"

// Oracle is the logical timestamp source. Every replica tracks the durable
// ceiling (the highest timestamp covered by a committed reservation) by
// applying reserve commands in log order; only the leader additionally holds
// a grant it hands timestamps out of. A new leader starts with an empty grant
// and must commit its own reservation before issuing timestamps, so no
// timestamp is ever issued twice across leader changes.
type Oracle struct {
	mu sync.Mutex

	reserved uint64 // durable ceiling, advanced at apply
	next     uint64 // leader grant: next timestamp to issue
	limit    uint64 // leader grant: last issuable timestamp, inclusive
}

// NewOracle creates an oracle with no reservations. Timestamps start at 1.
func NewOracle() *Oracle {
	return &Oracle{}
}

// ApplyReserve advances the durable ceiling by n and returns the reserved
// range [lo, hi]. Called on every replica when a reserve command applies;
// deterministic given log order.
func (o *Oracle) ApplyReserve(n uint64) (lo, hi uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	lo = o.reserved + 1
	hi = o.reserved + n
	o.reserved = hi
	return lo, hi
}

// Adopt installs a committed reservation as the local grant. Only the leader
// that proposed the reservation adopts it; stale ranges below the current
// grant are ignored.
func (o *Oracle) Adopt(lo, hi uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if hi <= o.limit {
		return
	}
	o.next = lo
	if o.next <= o.limit {
		o.next = o.limit + 1
	}
	o.limit = hi
}

// Allocate issues the next timestamp from the local grant. ok is false when
// the grant is exhausted (or absent); the caller must commit a new
// reservation before retrying.
func (o *Oracle) Allocate() (ts uint64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.next == 0 || o.next > o.limit {
		return 0, false
	}
	ts = o.next
	o.next++
	return ts, true
}

// Remaining reports how many timestamps are left in the local grant.
func (o *Oracle) Remaining() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.next == 0 || o.next > o.limit {
		return 0
	}
	return o.limit - o.next + 1
}

// Next returns the next timestamp the local grant would issue, or zero when
// no grant is held or the grant is exhausted.
func (o *Oracle) Next() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.next == 0 || o.next > o.limit {
		return 0
	}
	return o.next
}

// Reserved returns the durable ceiling, for snapshots.
func (o *Oracle) Reserved() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reserved
}

// Restore resets the oracle from snapshot state. Any local grant is dropped:
// a restored node is never mid-grant.
func (o *Oracle) Restore(reserved uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reserved = reserved
	o.next = 0
	o.limit = 0
}
