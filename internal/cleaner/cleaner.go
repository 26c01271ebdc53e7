// Package cleaner runs the periodic background worker that selects the
// highest cache-pressure resident page and invokes the client's reshaping
// callback on it, grounded on the same clock-ring walk as internal/evictor
// but restricted to an independent head pointer and a bounded per-iteration
// scan, per spec.md §4.4.
package cleaner

import (
	"sync"
	"time"

	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/pairtable"
)

// scanWidth is the number of pairs walked per iteration before picking the
// best candidate (spec.md: "examining at most 8 pairs"). Every pair walked
// counts toward it, including pinned ones and ones pairLooksFree rejects.
const scanWidth = 8

// Cleaner periodically walks the clock ring looking for the pair with the
// highest cache-pressure score and hands it to the client's Cleaner
// callback.
type Cleaner struct {
	table *pairtable.Table
	files *fileregistry.Registry

	headMu sync.Mutex
	head   *pairtable.Pair

	mu struct {
		sync.Mutex
		iterations int
		period     time.Duration
	}

	wakeMu   sync.Mutex
	wakeCond *sync.Cond
	stop     chan struct{}
	done     chan struct{}

	// onScoreSample is an optional metrics hook invoked with the winning
	// candidate's cache-pressure score at the end of each iteration that
	// found one.
	onScoreSample func(score int64)
}

// SetScoreSampleHook registers fn to be called with the cache-pressure
// score of each iteration's chosen candidate, for a caller (the facade's
// metrics collector) to build a distribution.
func (c *Cleaner) SetScoreSampleHook(fn func(score int64)) {
	c.onScoreSample = fn
}

// New constructs a Cleaner running iterationsPerCycle scans every period (0
// disables the periodic tick but RunOnce still works).
func New(table *pairtable.Table, files *fileregistry.Registry, iterationsPerCycle int, period time.Duration) *Cleaner {
	c := &Cleaner{table: table, files: files}
	c.mu.iterations = iterationsPerCycle
	c.mu.period = period
	c.wakeCond = sync.NewCond(&c.wakeMu)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	return c
}

// SetIterations hot-swaps the number of scans per cycle.
func (c *Cleaner) SetIterations(n int) {
	c.mu.Lock()
	c.mu.iterations = n
	c.mu.Unlock()
}

// SetPeriod hot-swaps the wake period.
func (c *Cleaner) SetPeriod(d time.Duration) {
	c.mu.Lock()
	c.mu.period = d
	c.mu.Unlock()
	c.Wake()
}

func (c *Cleaner) config() (iterations int, period time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.iterations, c.mu.period
}

// Wake signals the cleaner thread to run a cycle immediately.
func (c *Cleaner) Wake() {
	c.wakeMu.Lock()
	c.wakeCond.Signal()
	c.wakeMu.Unlock()
}

// Run is the cleaner thread's main loop.
func (c *Cleaner) Run() {
	defer close(c.done)
	for {
		period := c.sleepUntilWakeOrTimeout()
		select {
		case <-c.stop:
			return
		default:
		}
		_ = period
		c.RunOnce()
	}
}

func (c *Cleaner) sleepUntilWakeOrTimeout() time.Duration {
	_, period := c.config()
	if period <= 0 {
		c.wakeMu.Lock()
		c.wakeCond.Wait()
		c.wakeMu.Unlock()
		return period
	}
	timer := time.AfterFunc(period, c.Wake)
	defer timer.Stop()
	c.wakeMu.Lock()
	c.wakeCond.Wait()
	c.wakeMu.Unlock()
	return period
}

// Stop signals the cleaner thread to exit at its next wakeup and joins it.
func (c *Cleaner) Stop() {
	close(c.stop)
	c.Wake()
	<-c.done
}

// RunOnce runs one full cycle (iterations scans) synchronously. It is safe
// to call from any goroutine, including the periodic Run loop and manual
// client triggers.
func (c *Cleaner) RunOnce() {
	iterations, _ := c.config()
	for i := 0; i < iterations; i++ {
		c.runIteration()
	}
}

// runIteration implements spec.md §4.4's single scan: walk up to scanWidth
// pairs (pinned or not) starting at the cleaner's own head, track the
// highest-scoring one that pairLooksFree accepts, then service it outside
// the table lock.
func (c *Cleaner) runIteration() {
	best, bestScore := c.pickCandidateLocked()
	if best == nil {
		return
	}
	if c.onScoreSample != nil {
		c.onScoreSample(bestScore)
	}

	entry, _ := c.files.Lookup(best.File)
	if entry != nil && !entry.Jobs.Begin() {
		return
	}
	defer func() {
		if entry != nil {
			entry.Jobs.End()
		}
	}()

	if !best.ValueLock.TryLock() {
		return
	}
	defer best.ValueLock.Unlock()

	c.servicePending(best)

	// Re-check the score now that we hold the pair exclusively: the client
	// may have shrunk it between the scan and the pin.
	if best.Attr().CachePressure <= 0 {
		return
	}

	if best.Callbacks == nil || best.Callbacks.Cleaner == nil {
		return
	}
	_ = best.Callbacks.Cleaner(best.Value(), pairtable.Key{File: best.File, Page: best.Key}, best.FullHash, callbackExtra(best))
}

func (c *Cleaner) pickCandidateLocked() (*pairtable.Pair, int64) {
	c.table.RLock()
	defer c.table.RUnlock()

	c.headMu.Lock()
	head := c.head
	if head == nil {
		head = c.table.ClockHead()
	}
	c.headMu.Unlock()
	if head == nil {
		return nil, 0
	}

	var best *pairtable.Pair
	var bestScore int64
	cur := head
	for i := 0; i < scanWidth; i++ {
		if score := cur.Attr().CachePressure; score > 0 && score > bestScore && pairLooksFree(cur) {
			best, bestScore = cur, score
		}
		cur = pairtable.ClockNext(cur)
		if cur == head {
			break
		}
	}

	c.headMu.Lock()
	c.head = pairtable.ClockNext(head)
	c.headMu.Unlock()

	return best, bestScore
}

// pairLooksFree reports whether p's ValueLock appears uncontended. It is an
// inexpensive, racy heuristic: the definitive check is the TryLock the
// caller performs on the chosen candidate.
func pairLooksFree(p *pairtable.Pair) bool {
	return !p.ValueLock.HasWaiters()
}

// servicePending discharges best's checkpoint obligation, if any, with a
// synchronous write-back — the cleaner does not use the clone path, since
// it already holds the pair exclusively for the duration of the client's
// Cleaner callback.
func (c *Cleaner) servicePending(p *pairtable.Pair) {
	if !c.table.DischargeIfPending(p) {
		return
	}
	if !p.Dirty() || p.Callbacks == nil || p.Callbacks.Flush == nil {
		return
	}
	attr := p.Attr()
	newAttr := attr
	err := p.Callbacks.Flush(pairtable.FlushArgs{
		File: p.File, Key: p.Key, Value: p.Value(), DiskImage: p.DiskImage(),
		Extra: callbackExtra(p), OldAttr: attr, NewAttr: &newAttr, DoWrite: true, Keep: true,
	})
	if err == nil {
		p.SetDirty(false)
	}
}

func callbackExtra(p *pairtable.Pair) any {
	if p.Callbacks == nil {
		return nil
	}
	return p.Callbacks.Extra
}
