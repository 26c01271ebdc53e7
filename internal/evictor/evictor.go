// Package evictor owns the cache's size-accounting counters and runs the
// background eviction thread that enforces them via a clock algorithm, with
// cheap/expensive partial-eviction callbacks and full-page eviction,
// grounded on pebble/internal/cache/clockpro.go's hand-walk generalized to
// spec.md §4.3's single clock-count ring.
package evictor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachetable/cachetable/internal/base"
	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/invariants"
	"github.com/cachetable/cachetable/internal/pairtable"
	"github.com/cachetable/cachetable/internal/rate"
	"github.com/cachetable/cachetable/internal/workqueue"
)

// Thresholds are derived from one configured limit, per spec.md §4.3's
// table. They are recomputed from Limit whenever it is hot-swapped.
type Thresholds struct {
	Limit         int64
	LowWatermark  int64 // == Limit
	LowHysteresis int64 // 1.10 * Limit
	HighHyst      int64 // 1.25 * Limit
	HighWatermark int64 // 1.50 * Limit
	Reserved      int64 // Limit / 4
}

// evictionDispatchRate/Burst throttle how fast the eviction thread queues
// write-back jobs, so a sudden flood of cold dirty pages doesn't overwhelm
// the work queue in one clock pass.
const (
	evictionDispatchRate  = 2000
	evictionDispatchBurst = 200
)

func computeThresholds(limit int64) Thresholds {
	return Thresholds{
		Limit:         limit,
		LowWatermark:  limit,
		LowHysteresis: limit + limit/10,
		HighHyst:      limit + limit/4,
		HighWatermark: limit + limit/2,
		Reserved:      limit / 4,
	}
}

// Evictor owns size accounting (current, evicting, category breakdowns,
// reserved) and the background eviction thread.
type Evictor struct {
	table     *pairtable.Table
	files     *fileregistry.Registry
	workQueue *workqueue.Queue
	pacer     *rate.Limiter
	logger    base.Logger

	current    atomic.Int64
	evicting   atomic.Int64
	reserved   atomic.Int64
	leaf       atomic.Int64
	nonLeaf    atomic.Int64
	rollback   atomic.Int64
	cachePress atomic.Int64

	mu struct {
		sync.Mutex
		thresholds Thresholds
		period     time.Duration
	}

	wakeCond     *sync.Cond
	wakeMu       sync.Mutex
	pressureCond *sync.Cond
	pressureMu   sync.Mutex
	sleepers     int

	stop chan struct{}
	done chan struct{}

	// onEvictClean/Dirty/Partial are optional metrics hooks the facade
	// wires up via SetEvictionHooks; nil means "no one is counting".
	onEvictClean   func()
	onEvictDirty   func()
	onEvictPartial func()
}

// SetEvictionHooks registers callbacks invoked at the point each kind of
// eviction commits, for a caller (the facade's metrics collector) to tally.
// Any of clean/dirty/partial may be nil.
func (e *Evictor) SetEvictionHooks(clean, dirty, partial func()) {
	e.onEvictClean = clean
	e.onEvictDirty = dirty
	e.onEvictPartial = partial
}

// New constructs an Evictor with the given size limit and eviction period
// (0 disables the periodic tick but not manual triggering). logger may be
// nil, in which case per-pass diagnostics are skipped.
func New(table *pairtable.Table, files *fileregistry.Registry, wq *workqueue.Queue, logger base.Logger, limit int64, period time.Duration) *Evictor {
	e := &Evictor{
		table:     table,
		files:     files,
		workQueue: wq,
		pacer:     rate.NewLimiter(evictionDispatchRate, evictionDispatchBurst),
		logger:    logger,
	}
	e.mu.thresholds = computeThresholds(limit)
	e.mu.period = period
	e.wakeCond = sync.NewCond(&e.wakeMu)
	e.pressureCond = sync.NewCond(&e.pressureMu)
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	return e
}

// SetLimit hot-swaps the size limit and recomputes every threshold.
func (e *Evictor) SetLimit(limit int64) {
	e.mu.Lock()
	e.mu.thresholds = computeThresholds(limit)
	e.mu.Unlock()
	e.Wake()
}

// SetPeriod hot-swaps the eviction thread's wake period.
func (e *Evictor) SetPeriod(period time.Duration) {
	e.mu.Lock()
	e.mu.period = period
	e.mu.Unlock()
	e.Wake()
}

func (e *Evictor) thresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mu.thresholds
}

func (e *Evictor) wakePeriod() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mu.period
}

// Current reports size_current.
func (e *Evictor) Current() int64 { return e.current.Load() }

// Evicting reports size_evicting.
func (e *Evictor) Evicting() int64 { return e.evicting.Load() }

// AddCurrent adjusts size_current by delta (may be negative), e.g. when a
// pin's Unpin reports an attribute-size change, or a clone adds
// cloned_size. A grower only bothers waking the evictor once size_current
// is at or above low-hysteresis; below that a client is not "helping" in
// the spec.md §4.2 sense, since the evictor's own periodic wake is enough.
func (e *Evictor) AddCurrent(delta int64) {
	e.current.Add(delta)
	if delta > 0 && e.ShouldHelp() {
		e.Wake()
	}
}

// AddEvicting adjusts size_evicting.
func (e *Evictor) AddEvicting(delta int64) { e.evicting.Add(delta) }

// AddCategory folds a per-category attr delta into the informational
// breakdown counters that Categories reports.
func (e *Evictor) AddCategory(leaf, nonLeaf, rollback, cachePressure int64) {
	e.leaf.Add(leaf)
	e.nonLeaf.Add(nonLeaf)
	e.rollback.Add(rollback)
	e.cachePress.Add(cachePressure)
}

// Categories reports the six-category breakdown (total is Current()).
func (e *Evictor) Categories() (leaf, nonLeaf, rollback, cachePressure int64) {
	return e.leaf.Load(), e.nonLeaf.Load(), e.rollback.Load(), e.cachePress.Load()
}

// Reserve atomically reserves a fraction of (limit - reserved fraction -
// already_reserved) for a bulk loader's own allocations outside the cache,
// blocking behind eviction if necessary. It returns the number of bytes
// actually reserved. t.Reserved (a quarter of the limit, per spec.md §4.3)
// is never handed out here, so a long-running loader can never itself grow
// unbounded and starve the rest of the cache.
func (e *Evictor) Reserve(requested int64) int64 {
	for {
		t := e.thresholds()
		unreservable := t.Reserved
		avail := t.Limit - unreservable - e.reserved.Load()
		if avail <= 0 {
			e.waitForPressureToSubside()
			continue
		}
		grant := requested
		if grant > avail {
			grant = avail
		}
		if e.reserved.Add(grant) > t.Limit-unreservable {
			e.reserved.Add(-grant)
			continue
		}
		e.current.Add(grant)
		return grant
	}
}

// Release returns previously reserved bytes.
func (e *Evictor) Release(n int64) {
	if remaining := e.reserved.Add(-n); invariants.Enabled && remaining < 0 {
		panic(fmt.Sprintf("cachetable: Release(%d) released more than was reserved", n))
	}
	e.current.Add(-n)
}

// MaybeWaitForPressure blocks the calling client thread if size_current is
// at or above the high watermark, per spec.md §5's "pin additionally blocks
// when the cache is over the high watermark until the evictor broadcasts".
func (e *Evictor) MaybeWaitForPressure() {
	if e.current.Load() >= e.thresholds().HighWatermark {
		e.waitForPressureToSubside()
	}
}

func (e *Evictor) waitForPressureToSubside() {
	e.pressureMu.Lock()
	e.sleepers++
	e.pressureMu.Unlock()
	e.Wake()

	e.pressureMu.Lock()
	for e.current.Load() > e.thresholds().HighHyst {
		e.pressureCond.Wait()
	}
	e.sleepers--
	e.pressureMu.Unlock()
}

// OverHighWatermark reports whether size_current is at or above the high
// watermark, the condition under which a background prefetch has no effect
// per spec.md §4.2.
func (e *Evictor) OverHighWatermark() bool {
	return e.current.Load() >= e.thresholds().HighWatermark
}

// ShouldHelp reports whether size_current is at or above low-hysteresis, the
// level at which a client thread that grows the cache helps by waking the
// evictor; below it, clients stop helping (spec.md's "client threads stop
// helping wake the evictor below this").
func (e *Evictor) ShouldHelp() bool {
	return e.current.Load() >= e.thresholds().LowHysteresis
}

// Wake signals the eviction thread to run a pass immediately.
func (e *Evictor) Wake() {
	e.wakeMu.Lock()
	e.wakeCond.Signal()
	e.wakeMu.Unlock()
}

// Run is the eviction thread's main loop. It runs until Stop is called.
func (e *Evictor) Run() {
	defer close(e.done)
	for {
		e.sleepUntilWakeOrTimeout()
		select {
		case <-e.stop:
			return
		default:
		}
		e.runPass()
	}
}

func (e *Evictor) sleepUntilWakeOrTimeout() {
	period := e.wakePeriod()
	if period <= 0 {
		e.wakeMu.Lock()
		e.wakeCond.Wait()
		e.wakeMu.Unlock()
		return
	}
	timer := time.AfterFunc(period, e.Wake)
	defer timer.Stop()
	e.wakeMu.Lock()
	e.wakeCond.Wait()
	e.wakeMu.Unlock()
}

// Stop signals the eviction thread to exit at its next wakeup and joins it.
func (e *Evictor) Stop() {
	close(e.stop)
	e.Wake()
	<-e.done
}

type livelockGuard struct {
	set  bool
	file pairtable.FileID
	key  pairtable.PageKey
}

// runPass scans the clock ring from the shared head while current-evicting
// exceeds the low watermark, per spec.md §4.3's five-step loop. It tracks a
// running total of bytes evicted during the pass and logs it once at the
// end when non-zero, matching cachetable.cc's maybe_flush_some bookkeeping
// of size_evicted_this_pass (diagnostics only, not a correctness concern).
//
// Per spec.md §4.3 step 1, only reading and advancing the shared clock head
// happens under the table lock; it is released before examining the pair,
// so pacing, work-queue dispatch, and client callbacks never run while a
// concurrent Pin/Put/Lookup is blocked behind the table lock.
func (e *Evictor) runPass() {
	var guard livelockGuard
	var evictedThisPass int64
	for {
		t := e.thresholds()
		if e.current.Load()-e.evicting.Load() <= t.LowWatermark {
			e.broadcastIfBelowHighHyst(t)
			e.logPassTotal(evictedThisPass)
			return
		}

		e.table.Lock()
		p := e.table.ClockHead()
		if p == nil {
			e.table.Unlock()
			e.logPassTotal(evictedThisPass)
			return
		}
		e.table.AdvanceClockHead()
		e.table.Unlock()

		progressed, evicted := e.examine(p, &guard)
		evictedThisPass += evicted
		if progressed {
			guard = livelockGuard{}
		}

		e.broadcastIfBelowHighHyst(e.thresholds())

		if !progressed && guard.set && guard.file == p.File && guard.key == p.Key {
			e.logPassTotal(evictedThisPass)
			return
		}
	}
}

func (e *Evictor) logPassTotal(evicted int64) {
	if evicted != 0 && e.logger != nil {
		e.logger.Infof("evictor: evicted %d bytes this pass", evicted)
	}
}

func (e *Evictor) broadcastIfBelowHighHyst(t Thresholds) {
	if e.current.Load() <= t.HighHyst {
		e.pressureMu.Lock()
		if e.sleepers > 0 {
			e.pressureCond.Broadcast()
		}
		e.pressureMu.Unlock()
	}
}

// examine implements one clock-ring step on p. The caller has already
// advanced the shared clock head past p and dropped the table lock before
// calling this: nothing below touches the table lock except remove, which
// reacquires it only for the structural splice-out. It returns true if the
// pass made eviction progress on p (so the livelock guard should reset),
// plus the number of bytes the step removed (or committed to removing) from
// size_current, for the pass's diagnostic total.
func (e *Evictor) examine(p *pairtable.Pair, guard *livelockGuard) (progressed bool, evicted int64) {
	count := p.DecrementClock()

	if count > 0 {
		e.partialEvict(p)
		return true, 0
	}

	// count == 0: attempt full eviction.
	if !p.ValueLock.TryLock() {
		e.noteNoProgress(p, guard)
		return false, 0
	}

	if !p.Dirty() && p.DiskLock.TryLock() {
		p.DiskLock.Unlock()
		p.ValueLock.Unlock()
		attr := p.Attr()
		e.remove(p)
		return true, attr.Total
	}

	attr := p.Attr()
	e.dispatchFullEviction(p)
	return true, attr.Total
}

func (e *Evictor) noteNoProgress(p *pairtable.Pair, guard *livelockGuard) {
	if !guard.set {
		guard.set = true
		guard.file = p.File
		guard.key = p.Key
	}
}

// remove removes a clean pair with no in-flight disk I/O directly on the
// calling (eviction) thread, since no write-back is necessary. p.ValueLock
// is already released by the time this runs; the table lock is taken here
// only for the structural splice-out, not held across the Flush callback.
func (e *Evictor) remove(p *pairtable.Pair) {
	attr := p.Attr()
	e.table.Lock()
	e.table.Remove(p)
	e.table.Unlock()
	e.AddCurrent(-attr.Total)
	if p.Callbacks != nil && p.Callbacks.Flush != nil {
		p.Callbacks.Flush(pairtable.FlushArgs{
			File: p.File, Key: p.Key, Value: p.Value(), DiskImage: p.DiskImage(),
			Extra: callbackExtra(p), OldAttr: attr, DoWrite: false, Keep: false,
		})
	}
	if e.onEvictClean != nil {
		e.onEvictClean()
	}
}

// dispatchFullEviction queues the write-back and removal on the work queue,
// per spec.md's "queue a full eviction on the work queue, add attr.size to
// size_evicting ... write the page if dirty, then acquire the table write
// lock, remove from all structures, invoke flush with keep=false".
func (e *Evictor) dispatchFullEviction(p *pairtable.Pair) {
	e.pacer.Wait(1)
	attr := p.Attr()
	e.AddEvicting(attr.Total)

	entry, _ := e.files.Lookup(p.File)
	if entry != nil && !entry.Jobs.Begin() {
		p.ValueLock.Unlock()
		e.AddEvicting(-attr.Total)
		return
	}

	e.workQueue.Dispatch(func() {
		defer func() {
			if entry != nil {
				entry.Jobs.End()
			}
		}()
		defer p.ValueLock.Unlock()

		dirty := p.Dirty()
		if dirty && p.Callbacks != nil && p.Callbacks.Flush != nil {
			newAttr := attr
			_ = p.Callbacks.Flush(pairtable.FlushArgs{
				File: p.File, Key: p.Key, Value: p.Value(), DiskImage: p.DiskImage(),
				Extra: callbackExtra(p), OldAttr: attr, NewAttr: &newAttr, DoWrite: true, Keep: true,
			})
		}

		e.table.Lock()
		e.table.Remove(p)
		e.table.Unlock()

		e.AddCurrent(-attr.Total)
		e.AddEvicting(-attr.Total)

		if p.Callbacks != nil && p.Callbacks.Flush != nil {
			p.Callbacks.Flush(pairtable.FlushArgs{
				File: p.File, Key: p.Key, Value: p.Value(), DiskImage: p.DiskImage(),
				Extra: callbackExtra(p), OldAttr: attr, DoWrite: false, Keep: false,
			})
		}
		if dirty && e.onEvictDirty != nil {
			e.onEvictDirty()
		} else if !dirty && e.onEvictClean != nil {
			e.onEvictClean()
		}
	})
}

// partialEvict asks the client for a cost estimate and either runs partial
// eviction inline (cheap) or dispatches it (expensive), per spec.md step 3.
func (e *Evictor) partialEvict(p *pairtable.Pair) {
	if p.Callbacks == nil || p.Callbacks.PartialEvictEstimate == nil {
		return
	}
	if !p.ValueLock.TryLock() {
		return
	}

	value := p.Value()
	extra := callbackExtra(p)
	cheap, estimate := p.Callbacks.PartialEvictEstimate(value, extra)
	if estimate <= 0 {
		p.ValueLock.Unlock()
		return
	}

	if cheap {
		defer p.ValueLock.Unlock()
		oldAttr := p.Attr()
		if p.Callbacks.PartialEvict == nil {
			return
		}
		newAttr, err := p.Callbacks.PartialEvict(value, oldAttr, extra)
		if err != nil {
			return
		}
		delta := p.SetAttr(newAttr)
		e.AddCurrent(delta)
		if e.onEvictPartial != nil {
			e.onEvictPartial()
		}
		return
	}

	e.pacer.Wait(1)
	e.AddEvicting(estimate)
	entry, _ := e.files.Lookup(p.File)
	if entry != nil && !entry.Jobs.Begin() {
		p.ValueLock.Unlock()
		e.AddEvicting(-estimate)
		return
	}
	e.workQueue.Dispatch(func() {
		defer func() {
			if entry != nil {
				entry.Jobs.End()
			}
		}()
		defer p.ValueLock.Unlock()
		if p.Callbacks.PartialEvict == nil {
			e.AddEvicting(-estimate)
			return
		}
		oldAttr := p.Attr()
		newAttr, err := p.Callbacks.PartialEvict(value, oldAttr, extra)
		e.AddEvicting(-estimate)
		if err != nil {
			return
		}
		delta := p.SetAttr(newAttr)
		e.AddCurrent(delta)
		if e.onEvictPartial != nil {
			e.onEvictPartial()
		}
	})
}

func callbackExtra(p *pairtable.Pair) any {
	if p.Callbacks == nil {
		return nil
	}
	return p.Callbacks.Extra
}
