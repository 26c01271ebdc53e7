package pairtable

import (
	"fmt"
	"sync"

	"github.com/cachetable/cachetable/internal/invariants"
	"github.com/cachetable/cachetable/internal/phaselock"
)

// clockCountMax is the saturating ceiling for Pair.clockCount (spec: "small
// saturating counter 0..15").
const clockCountMax = 15

// Pair is one resident page entry: value, dirty bit, attributes, the two
// phased locks, and the clock/pending/hash linkage that lets the pair table,
// evictor, cleaner, and checkpointer all walk the resident set without
// allocating.
//
// File, Key, and FullHash are immutable after insertion and may be read
// without holding mu. Every other field is guarded either by mu (counters
// and link fields) or by ValueLock/DiskLock (Value/DiskImage/ClonedValue).
type Pair struct {
	File     FileID
	Key      PageKey
	FullHash FullHash

	Callbacks *Callbacks

	ValueLock phaselock.Lock
	DiskLock  phaselock.Lock

	mu sync.Mutex

	value     any
	diskImage any

	clonedValue any
	clonedSize  int64

	attr  Attr
	dirty bool

	checkpointPending bool
	clockCount        int32

	// hashNext chains pairs within a single bucket of the owning Table.
	hashNext *Pair

	// clockNext/clockPrev thread every resident pair into one doubly linked
	// ring, walked by both the evictor's clock hand and the cleaner's
	// independent head.
	clockNext, clockPrev *Pair

	// pendingNext/pendingPrev thread the pair onto the checkpoint pending
	// list; both are nil whenever checkpointPending is false (a pending pair
	// at either end of the list, or alone on it, also has nil links).
	pendingNext, pendingPrev *Pair

	// fileNext/filePrev thread every pair belonging to the same file, used
	// by Flush and by file removal to enumerate a file's resident pages
	// without scanning the whole table.
	fileNext, filePrev *Pair
}

// NewPair constructs a resident pair. It does not link the pair into any
// table; callers use Table.Insert for that.
func NewPair(file FileID, key PageKey, fullhash FullHash, value, diskImage any, attr Attr, dirty bool, cbs *Callbacks) *Pair {
	p := &Pair{
		File:      file,
		Key:       key,
		FullHash:  fullhash,
		Callbacks: cbs,
		value:     value,
		diskImage: diskImage,
		attr:      attr,
		dirty:     dirty,
	}
	if invariants.UseFinalizers {
		invariants.SetFinalizer(p, checkNotPinnedOnFinalize)
	}
	return p
}

// checkNotPinnedOnFinalize panics (in builds where invariants.UseFinalizers
// is set: invariants or tracing tags, never under race) when a pair is
// garbage collected while its ValueLock is still held, catching a caller
// that pinned a pair and then lost its last reference without unpinning.
func checkNotPinnedOnFinalize(obj interface{}) {
	p := obj.(*Pair)
	if !p.ValueLock.TryLock() {
		panic(fmt.Sprintf("cachetable: pair (%d,%d) garbage collected while still pinned", p.File, p.Key))
	}
	p.ValueLock.Unlock()
}

// Touch increments the clock count, saturating at clockCountMax. It is
// called whenever a client pin observes the pair, per the clock algorithm.
func (p *Pair) Touch() {
	p.mu.Lock()
	if p.clockCount < clockCountMax {
		p.clockCount++
	}
	p.mu.Unlock()
}

// DecrementClock decrements the clock count if positive and returns the
// value after decrementing. Called only by the eviction thread's clock hand.
func (p *Pair) DecrementClock() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clockCount > 0 {
		p.clockCount--
	}
	return p.clockCount
}

// ClockCount returns the current clock count.
func (p *Pair) ClockCount() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clockCount
}

// WithMutex runs fn with the pair's short critical-section mutex held. fn
// must not block on ValueLock, DiskLock, or the table lock: this mutex is
// meant to be held only long enough to inspect or mutate counters and link
// fields, per spec's "short critical-section lock" description.
func (p *Pair) WithMutex(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Dirty reports the dirty bit. Callers must hold ValueLock or the pair's
// short mutex, matching the invariant that dirty is only meaningfully
// observed by whoever currently controls Value.
func (p *Pair) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// SetDirty sets or clears the dirty bit. It does not touch any clone state;
// ClonedValue and ClonedSize are managed separately under DiskLock.
func (p *Pair) SetDirty(dirty bool) {
	p.mu.Lock()
	p.dirty = dirty
	p.mu.Unlock()
}

// Attr returns a copy of the pair's current attribute set.
func (p *Pair) Attr() Attr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attr
}

// SetAttr replaces the pair's attribute set and returns the delta in Total,
// which the caller feeds into the evictor's size accounting.
func (p *Pair) SetAttr(newAttr Attr) (delta int64) {
	p.mu.Lock()
	delta = newAttr.Total - p.attr.Total
	p.attr = newAttr
	p.mu.Unlock()
	return delta
}

// Value returns the pair's client-owned in-memory representation. Callers
// must hold ValueLock.
func (p *Pair) Value() any { return p.value }

// SetValue replaces the pair's in-memory representation. Callers must hold
// ValueLock.
func (p *Pair) SetValue(v any) { p.value = v }

// DiskImage returns the auxiliary on-disk-shaped representation the client
// maintains alongside Value. Callers must hold DiskLock.
func (p *Pair) DiskImage() any { return p.diskImage }

// SetDiskImage replaces the pair's disk image. Callers must hold DiskLock.
func (p *Pair) SetDiskImage(v any) { p.diskImage = v }

// ClonedValue and ClonedSize are set only while a checkpoint clone is
// in-flight; both must be accessed under DiskLock (spec invariant 4).
func (p *Pair) ClonedValue() any { return p.clonedValue }

func (p *Pair) SetClone(value any, size int64) {
	p.clonedValue = value
	p.clonedSize = size
}

func (p *Pair) ClearClone() (freed int64) {
	freed = p.clonedSize
	p.clonedValue = nil
	p.clonedSize = 0
	return freed
}

func (p *Pair) ClonedSize() int64 { return p.clonedSize }

// checkpointPendingLocked reports whether the pair is on the
// pending-checkpoint list. Guarded by the owning Table's pending.cheap lock.
func (p *Pair) checkpointPendingLocked() bool { return p.checkpointPending }
