package pairtable

import (
	"sync"

	"github.com/cockroachdb/swiss"
)

const (
	minBuckets  = 4
	growFactor  = 1.0 // rehash up when count/bucketCount > 1
	shrinkRatio = 0.25
)

// Table is the resident-set hash table, clock ring, and pending-checkpoint
// list described by spec.md §4.1: a power-of-two sized open-chained hash
// table with a single read/writer lock, plus the split pending lock.
//
// The zero value is not usable; construct with New.
type Table struct {
	mu sync.RWMutex

	buckets []*Pair // bucket i holds the head of the chain threaded by Pair.hashNext
	count   int

	clockHead *Pair

	pending     pendingLock
	pendingHead *Pair

	// fileHeads maps a FileID to the head of that file's secondary chain,
	// threaded by Pair.fileNext/filePrev, so Flush and file removal can
	// enumerate a file's resident pages in O(pages) instead of O(table).
	fileHeads *swiss.Map[FileID, *Pair]
}

// New constructs an empty table.
func New() *Table {
	return &Table{
		buckets:   make([]*Pair, minBuckets),
		fileHeads: swiss.New[FileID, *Pair](16),
	}
}

// Lock/Unlock/RLock/RUnlock expose the table-wide read/writer lock directly
// so the façade can compose a lookup with an upgrade to a write lock the way
// spec.md's Pin operation does ("on miss: upgrade to table write lock").
func (t *Table) Lock()    { t.mu.Lock() }
func (t *Table) Unlock()  { t.mu.Unlock() }
func (t *Table) RLock()   { t.mu.RLock() }
func (t *Table) RUnlock() { t.mu.RUnlock() }

func (t *Table) bucketIndex(fullhash FullHash) int {
	return int(uint32(fullhash) & uint32(len(t.buckets)-1))
}

// Lookup finds a resident pair by key. Callers must hold at least RLock.
func (t *Table) Lookup(key Key, fullhash FullHash) *Pair {
	for p := t.buckets[t.bucketIndex(fullhash)]; p != nil; p = p.hashNext {
		if p.File == key.File && p.Key == key.Page {
			return p
		}
	}
	return nil
}

// Count reports the number of resident pairs. Callers must hold at least
// RLock.
func (t *Table) Count() int { return t.count }

// Insert links a newly constructed pair into the bucket chain, the clock
// ring, and its file's secondary chain, growing the table if the load
// factor now exceeds 1. Callers must hold Lock.
func (t *Table) Insert(p *Pair) {
	idx := t.bucketIndex(p.FullHash)
	p.hashNext = t.buckets[idx]
	t.buckets[idx] = p

	t.linkClock(p)
	t.linkFile(p)

	t.count++
	if float64(t.count)/float64(len(t.buckets)) > growFactor {
		t.rehash(len(t.buckets) * 2)
	}
}

// Remove unlinks a pair from every structure it participates in. The pair
// must not be on the pending list (callers discharge that separately via
// DischargePending, matching spec invariant 3). Callers must hold Lock.
func (t *Table) Remove(p *Pair) {
	idx := t.bucketIndex(p.FullHash)
	if t.buckets[idx] == p {
		t.buckets[idx] = p.hashNext
	} else {
		for cur := t.buckets[idx]; cur != nil; cur = cur.hashNext {
			if cur.hashNext == p {
				cur.hashNext = p.hashNext
				break
			}
		}
	}
	p.hashNext = nil

	t.unlinkClock(p)
	t.unlinkFile(p)

	t.count--
	if len(t.buckets) > minBuckets && float64(t.count)/float64(len(t.buckets)) < shrinkRatio {
		newSize := len(t.buckets) / 2
		if newSize < minBuckets {
			newSize = minBuckets
		}
		t.rehash(newSize)
	}
}

// rehash preserves every pair's cached FullHash (it is never recomputed)
// and only ever runs while the caller holds the table write lock, so no
// other thread can observe an in-progress rehash.
func (t *Table) rehash(newSize int) {
	newBuckets := make([]*Pair, newSize)
	mask := uint32(newSize - 1)
	for _, head := range t.buckets {
		for p := head; p != nil; {
			next := p.hashNext
			idx := uint32(p.FullHash) & mask
			p.hashNext = newBuckets[idx]
			newBuckets[idx] = p
			p = next
		}
	}
	t.buckets = newBuckets
}

// --- clock ring ---

func (t *Table) linkClock(p *Pair) {
	if t.clockHead == nil {
		p.clockNext, p.clockPrev = p, p
		t.clockHead = p
		return
	}
	tail := t.clockHead.clockPrev
	tail.clockNext = p
	p.clockPrev = tail
	p.clockNext = t.clockHead
	t.clockHead.clockPrev = p
}

func (t *Table) unlinkClock(p *Pair) {
	if p.clockNext == p {
		t.clockHead = nil
	} else {
		p.clockPrev.clockNext = p.clockNext
		p.clockNext.clockPrev = p.clockPrev
		if t.clockHead == p {
			t.clockHead = p.clockNext
		}
	}
	p.clockNext, p.clockPrev = nil, nil
}

// ClockHead returns the current clock hand start. Callers must hold at
// least RLock. It returns nil if the table is empty.
func (t *Table) ClockHead() *Pair { return t.clockHead }

// AdvanceClockHead moves the shared clock head to p's successor. Used by the
// evictor after it finishes examining the current head. Callers must hold
// Lock.
func (t *Table) AdvanceClockHead() {
	if t.clockHead != nil {
		t.clockHead = t.clockHead.clockNext
	}
}

// ClockNext returns p's successor in the ring. Callers must hold at least
// RLock. Used by the cleaner, which walks the same ring with an independent
// head pointer.
func ClockNext(p *Pair) *Pair { return p.clockNext }

// --- per-file secondary chain ---

func (t *Table) linkFile(p *Pair) {
	head, _ := t.fileHeads.Get(p.File)
	p.fileNext = head
	p.filePrev = nil
	if head != nil {
		head.filePrev = p
	}
	t.fileHeads.Put(p.File, p)
}

func (t *Table) unlinkFile(p *Pair) {
	if p.filePrev != nil {
		p.filePrev.fileNext = p.fileNext
	} else {
		if p.fileNext != nil {
			t.fileHeads.Put(p.File, p.fileNext)
		} else {
			t.fileHeads.Delete(p.File)
		}
	}
	if p.fileNext != nil {
		p.fileNext.filePrev = p.filePrev
	}
	p.fileNext, p.filePrev = nil, nil
}

// FilePairs returns every resident pair belonging to file, in unspecified
// order. Callers must hold at least RLock.
func (t *Table) FilePairs(file FileID) []*Pair {
	head, _ := t.fileHeads.Get(file)
	var out []*Pair
	for p := head; p != nil; p = p.fileNext {
		out = append(out, p)
	}
	return out
}

// Iterate calls fn for every resident pair, in unspecified order, stopping
// early if fn returns false. Callers must hold at least RLock.
func (t *Table) Iterate(fn func(*Pair) bool) {
	if t.clockHead == nil {
		return
	}
	p := t.clockHead
	for {
		if !fn(p) {
			return
		}
		p = p.clockNext
		if p == t.clockHead {
			return
		}
	}
}

// --- pending-checkpoint list ---

func (t *Table) linkPendingLocked(p *Pair) {
	p.pendingNext = t.pendingHead
	p.pendingPrev = nil
	if t.pendingHead != nil {
		t.pendingHead.pendingPrev = p
	}
	t.pendingHead = p
	p.checkpointPending = true
}

func (t *Table) unlinkPendingLocked(p *Pair) {
	if !p.checkpointPending {
		return
	}
	if p.pendingPrev != nil {
		p.pendingPrev.pendingNext = p.pendingNext
	} else {
		t.pendingHead = p.pendingNext
	}
	if p.pendingNext != nil {
		p.pendingNext.pendingPrev = p.pendingPrev
	}
	p.pendingNext, p.pendingPrev = nil, nil
	p.checkpointPending = false
}

// BeginCheckpointScan walks every resident pair under the table read lock
// and the expensive+cheap pending locks held together, calling fn once per
// pair. The scan itself marks nothing: fn runs with the pending locks held,
// so it may inspect or mutate the pair's dirty bit and mark the pair pending
// with MarkPendingLocked (matching spec.md §4.5's "mark dirty, pending"
// step).
func (t *Table) BeginCheckpointScan(fn func(*Pair)) {
	t.pending.beginCheckpoint()
	defer t.pending.endCheckpoint()

	t.RLock()
	defer t.RUnlock()

	t.Iterate(func(p *Pair) bool {
		fn(p)
		return true
	})
}

// MarkPendingLocked marks p pending and threads it onto the list. Callers
// must be inside a BeginCheckpointScan callback or otherwise hold the
// pending expensive+cheap locks.
func (t *Table) MarkPendingLocked(p *Pair) {
	if !p.checkpointPending {
		t.linkPendingLocked(p)
	}
}

// DischargePending clears p's pending bit and unlinks it from the pending
// list under the cheap lock alone, so it never blocks behind a concurrent
// begin-checkpoint scan longer than that scan's own duration. Discharges on
// unrelated pairs all take that one cheap mutex, so they serialize with each
// other for the length of an unlink.
func (t *Table) DischargePending(p *Pair) {
	unlock := t.pending.discharge()
	defer unlock()
	t.unlinkPendingLocked(p)
}

// DischargeIfPending reports whether p was pending and, if so, clears the
// bit and unlinks it from the pending list, atomically. Used by the evictor
// and cleaner to service a pair's checkpoint obligation before reusing or
// handing it to a client callback.
func (t *Table) DischargeIfPending(p *Pair) (wasPending bool) {
	unlock := t.pending.discharge()
	defer unlock()
	wasPending = p.checkpointPending
	if wasPending {
		t.unlinkPendingLocked(p)
	}
	return wasPending
}

// PendingPeek reports whether p currently has checkpoint_pending set,
// without discharging it. Used by the non-blocking pin variant, which must
// treat a pending pair as "not available" rather than service and clear its
// obligation on the caller's behalf.
func (t *Table) PendingPeek(p *Pair) bool {
	unlock := t.pending.discharge()
	defer unlock()
	return p.checkpointPending
}

// SnapshotDependents atomically snapshots and clears the pending bit of
// every pair in dependents, per spec.md's pin-with-dependents contract. It
// returns the subset that were pending (and therefore need their checkpoint
// write serviced) before the clear.
func (t *Table) SnapshotDependents(dependents []*Pair) []*Pair {
	unlock := t.pending.dependentsSnapshot()
	defer unlock()

	var needsService []*Pair
	for _, p := range dependents {
		if p.checkpointPending {
			needsService = append(needsService, p)
			t.unlinkPendingLocked(p)
		}
	}
	return needsService
}

// PendingPairs returns every pair currently on the pending list, in
// unspecified order, for the checkpointer's drain phase.
func (t *Table) PendingPairs() []*Pair {
	unlock := t.pending.discharge()
	defer unlock()
	var out []*Pair
	for p := t.pendingHead; p != nil; p = p.pendingNext {
		out = append(out, p)
	}
	return out
}
