// Package cachetable implements the cache manager of a transactional
// storage engine: a bounded, in-memory buffer pool that mediates all
// access to on-disk pages of a set of indexed files. See internal/pairtable
// for the resident-set data structure, internal/evictor for size-based
// eviction, internal/cleaner for the incremental reshaping worker, and
// internal/checkpoint for the crash-consistent snapshot protocol this
// package glues together.
package cachetable

import (
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cachetable/cachetable/internal/base"
	"github.com/cachetable/cachetable/internal/checkpoint"
	"github.com/cachetable/cachetable/internal/cleaner"
	"github.com/cachetable/cachetable/internal/evictor"
	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/pairtable"
	"github.com/cachetable/cachetable/internal/workqueue"
)

// defaultQueueDepth bounds each work-queue pool's buffered channel when
// Config.QueueDepth is left at zero.
const defaultQueueDepth = 1024

// Config configures a CacheManager.
type Config struct {
	// SizeLimit is the limit L in bytes every eviction threshold (spec.md
	// §4.3's watermark table) is derived from.
	SizeLimit int64

	// CheckpointPeriod, CleanerPeriod, and EvictionPeriod are the three
	// background threads' wake periods; zero disables the periodic tick
	// without disabling manual triggering.
	CheckpointPeriod time.Duration
	CleanerPeriod    time.Duration
	EvictionPeriod   time.Duration

	// CleanerIterations is the number of scans the cleaner runs per cycle.
	CleanerIterations int

	// Logger receives diagnostic output from the background threads.
	// Defaults to base.DefaultLogger when nil.
	Logger base.Logger

	// WALLogger is the externally owned transactional logger the
	// checkpointer writes begin_checkpoint/end_checkpoint records through
	// (spec.md §1's "out of scope: the transactional logger"). Required.
	// internal/walrecord ships a reference implementation for callers that
	// don't already have a WAL of their own.
	WALLogger checkpoint.Logger

	// LiveTransactions supplies the checkpointer with the set of live
	// transactions to persist as xstillopen/xstillopenprepared records at
	// each checkpoint boundary. Optional; nil means no such records are
	// written.
	LiveTransactions checkpoint.LiveTransactionLister

	// ClientWorkers, CacheWorkers, and CheckpointWorkers size the three
	// work-queue pools spec.md §4.6 requires (client-initiated,
	// cache-initiated, checkpoint-initiated). Zero defaults to
	// runtime.GOMAXPROCS(0).
	ClientWorkers     int
	CacheWorkers      int
	CheckpointWorkers int

	// QueueDepth sizes each pool's buffered channel. Zero defaults to 1024.
	QueueDepth int
}

// CacheManager is the façade spec.md §4.6 describes: pin / unpin / put /
// prefetch / remove / flush / close, backed by the pair table, the file
// registry, three background threads, and three work-queue pools.
//
// Construct with New; the zero value is not usable.
type CacheManager struct {
	logger base.Logger
	opts   *Options

	table *pairtable.Table
	files *fileregistry.Registry

	evictor      *evictor.Evictor
	cleaner      *cleaner.Cleaner
	checkpointer *checkpoint.Checkpointer

	clientQueue     *workqueue.Queue
	cacheQueue      *workqueue.Queue
	checkpointQueue *workqueue.Queue

	metrics *metricsCollector
}

// sizeAccountant adapts the evictor's size counters to
// checkpoint.SizeAccountant, so internal/checkpoint never imports
// internal/evictor directly.
type sizeAccountant struct {
	e *evictor.Evictor
}

func (s sizeAccountant) AddCurrent(delta int64) { s.e.AddCurrent(delta) }

// New constructs a CacheManager and starts its three background threads.
func New(cfg Config) (*CacheManager, error) {
	if cfg.WALLogger == nil {
		return nil, errors.New("cachetable: Config.WALLogger is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = base.DefaultLogger{}
	}

	workers := func(n int) int {
		if n > 0 {
			return n
		}
		return runtime.GOMAXPROCS(0)
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}

	table := pairtable.New()
	files := fileregistry.New()

	clientQueue := workqueue.New(workers(cfg.ClientWorkers), queueDepth)
	cacheQueue := workqueue.New(workers(cfg.CacheWorkers), queueDepth)
	checkpointQueue := workqueue.New(workers(cfg.CheckpointWorkers), queueDepth)

	ev := evictor.New(table, files, cacheQueue, logger, cfg.SizeLimit, cfg.EvictionPeriod)
	cl := cleaner.New(table, files, cfg.CleanerIterations, cfg.CleanerPeriod)
	cp := checkpoint.New(table, files, checkpointQueue, cfg.WALLogger, sizeAccountant{ev}, cfg.LiveTransactions, cfg.CheckpointPeriod)

	metrics := newMetricsCollector()
	ev.SetEvictionHooks(
		func() { metrics.evictClean.Add(1) },
		func() { metrics.evictDirty.Add(1) },
		func() { metrics.evictPartial.Add(1) },
	)
	cl.SetScoreSampleHook(metrics.recordPressureScore)
	cp.SetCompletionHook(func() { metrics.checkpointsRun.Add(1) })

	cm := &CacheManager{
		logger:          logger,
		table:           table,
		files:           files,
		evictor:         ev,
		cleaner:         cl,
		checkpointer:    cp,
		clientQueue:     clientQueue,
		cacheQueue:      cacheQueue,
		checkpointQueue: checkpointQueue,
		metrics:         metrics,
	}
	cm.opts = newOptions(cfg)

	go ev.Run()
	go cl.Run()
	go cp.Run()

	return cm, nil
}

// checkFileOpen reports ErrFileDraining if file is unregistered or has
// begun closing, per spec.md §8 scenario 6's "every client's next pin on
// that file fails".
func (cm *CacheManager) checkFileOpen(file FileID) error {
	entry, ok := cm.files.Lookup(file)
	if !ok {
		return ErrFileDraining
	}
	entry.Lock()
	draining := entry.Draining
	entry.Unlock()
	if draining {
		return ErrFileDraining
	}
	return nil
}

// OpenFile registers identity (a client-defined token, e.g. a
// (device, inode) pair — the actual file-open machinery is out of scope
// per spec.md §1) as a newly open file, wiring cbs as its checkpoint
// hooks, and returns its stable id.
func (cm *CacheManager) OpenFile(identity fileregistry.Identity, cbs *FileCallbacks) (FileID, error) {
	if _, ok := cm.files.FindByIdentity(identity); ok {
		return 0, ErrAlreadyPresent
	}
	e := cm.files.Register(identity)
	e.Callbacks = cbs
	return e.ID, nil
}

// CloseFile implements spec.md §5's graceful close: flags the file
// draining so client pins and puts against it are refused, flushes every
// resident page, waits for its job counter to drain (which also refuses new
// background jobs against the file), and removes it from the registry.
func (cm *CacheManager) CloseFile(file FileID) error {
	entry, ok := cm.files.Lookup(file)
	if !ok {
		return ErrNotFound
	}

	entry.Lock()
	entry.Draining = true
	entry.Unlock()

	// A pin that passed checkFileOpen a moment before Draining was set above
	// can still be in flight; flush until no stragglers remain. Draining
	// blocks every new pin, so this always terminates.
	for {
		if err := cm.flush(file, false); err != nil {
			return err
		}
		cm.table.RLock()
		remaining := len(cm.table.FilePairs(file))
		cm.table.RUnlock()
		if remaining == 0 {
			break
		}
	}

	entry.Jobs.Drain()
	cm.files.Remove(file)
	return nil
}

// Pin implements spec.md §4.2's Pin(key, may_modify, fetch_cb,
// partial_fetch_cb). On a hit it acquires value_lock, services any pending
// checkpoint write if mayModify, and runs a partial fetch if the client
// requires one. On a miss it inserts a pinned placeholder and calls
// cbs.Fetch under disk_lock.
func (cm *CacheManager) Pin(file FileID, key PageKey, mayModify bool, cbs *Callbacks) (*pairtable.Pair, int64, error) {
	if err := cm.checkFileOpen(file); err != nil {
		return nil, 0, err
	}

	cm.evictor.MaybeWaitForPressure()

	fullhash := ComputeFullHash(file, key)
	k := Key{File: file, Page: key}

	cm.table.RLock()
	p := cm.table.Lookup(k, fullhash)
	cm.table.RUnlock()

	if p != nil {
		return cm.pinHit(p, mayModify)
	}
	return cm.pinMiss(file, key, fullhash, mayModify, cbs)
}

func (cm *CacheManager) pinHit(p *pairtable.Pair, mayModify bool) (*pairtable.Pair, int64, error) {
	p.ValueLock.Lock()
	p.Touch()
	cm.metrics.hits.Add(1)

	if mayModify {
		cm.servicePendingWrite(p)
	}

	if p.Callbacks != nil && p.Callbacks.PartialFetchRequired != nil && p.Callbacks.PartialFetchRequired(p.Value()) {
		if err := cm.partialFetch(p); err != nil {
			p.ValueLock.Unlock()
			return nil, 0, err
		}
	}

	return p, p.Attr().Total, nil
}

func (cm *CacheManager) pinMiss(file FileID, key PageKey, fullhash FullHash, mayModify bool, cbs *Callbacks) (*pairtable.Pair, int64, error) {
	k := Key{File: file, Page: key}

	cm.table.Lock()
	if existing := cm.table.Lookup(k, fullhash); existing != nil {
		cm.table.Unlock()
		return cm.pinHit(existing, mayModify)
	}

	p := pairtable.NewPair(file, key, fullhash, nil, nil, pairtable.Attr{}, false, cbs)
	p.ValueLock.Lock()
	cm.table.Insert(p)
	cm.table.Unlock()

	cm.metrics.misses.Add(1)

	if cbs == nil || cbs.Fetch == nil {
		p.ValueLock.Unlock()
		cm.table.Lock()
		cm.table.Remove(p)
		cm.table.Unlock()
		return nil, 0, ErrNotFound
	}

	p.DiskLock.Lock()
	value, diskImage, attr, dirty, err := cbs.Fetch(file, k, fullhash, cbs.Extra)
	p.DiskLock.Unlock()
	if err != nil {
		p.ValueLock.Unlock()
		cm.table.Lock()
		cm.table.Remove(p)
		cm.table.Unlock()
		return nil, 0, err
	}

	p.SetValue(value)
	p.SetDiskImage(diskImage)
	p.SetAttr(attr)
	p.SetDirty(dirty)
	cm.evictor.AddCurrent(attr.Total)

	return p, attr.Total, nil
}

// partialFetch invokes cbs.PartialFetch under disk_lock and folds the
// resulting attribute delta into size accounting. Callers must hold
// p.ValueLock and must already know PartialFetchRequired said yes.
func (cm *CacheManager) partialFetch(p *pairtable.Pair) error {
	if p.Callbacks == nil || p.Callbacks.PartialFetch == nil {
		return nil
	}
	p.DiskLock.Lock()
	newAttr, err := p.Callbacks.PartialFetch(p.Value(), p.DiskImage(), callbackExtra(p))
	p.DiskLock.Unlock()
	if err != nil {
		return err
	}
	delta := p.SetAttr(newAttr)
	cm.evictor.AddCurrent(delta)
	return nil
}

// partialFetchNonBlocking is partialFetch's non-blocking counterpart for
// PinNonBlockingWithUnlockers: ok is false if disk_lock could not be
// acquired immediately.
func (cm *CacheManager) partialFetchNonBlocking(p *pairtable.Pair) (ok bool, err error) {
	if p.Callbacks == nil || p.Callbacks.PartialFetch == nil {
		return true, nil
	}
	if !p.DiskLock.TryLock() {
		return false, nil
	}
	newAttr, err := p.Callbacks.PartialFetch(p.Value(), p.DiskImage(), callbackExtra(p))
	p.DiskLock.Unlock()
	if err != nil {
		return true, err
	}
	delta := p.SetAttr(newAttr)
	cm.evictor.AddCurrent(delta)
	return true, nil
}

// servicePendingWrite discharges p's checkpoint obligation, if any, and
// writes it back, while the caller holds p.ValueLock — spec.md §4.2's "if
// may_modify and checkpoint_pending, service the pending write now". The
// clone path (if the pair supports one) dispatches serialization on the
// checkpoint work-queue pool asynchronously, exactly like the
// checkpointer's own end-checkpoint drain.
func (cm *CacheManager) servicePendingWrite(p *pairtable.Pair) {
	if !cm.table.DischargeIfPending(p) {
		return
	}
	if !p.Dirty() {
		return
	}

	if p.Callbacks != nil && p.Callbacks.Clone != nil {
		p.DiskLock.Lock()
		clonedValue, cloneAttr, err := p.Callbacks.Clone(p.Value(), callbackExtra(p), false)
		p.DiskLock.Unlock()
		if err == nil {
			p.SetClone(clonedValue, cloneAttr.Total)
			cm.evictor.AddCurrent(cloneAttr.Total)
			p.SetDirty(false)
			cm.checkpointQueue.Dispatch(func() { cm.serializeClone(p, cloneAttr) })
			return
		}
	}

	cm.writeSynchronous(p)
}

// writeDependentPending is PinWithDependents' counterpart to
// servicePendingWrite: spec.md §8 scenario 4 requires every dependent to be
// fully serialized — including any clone — before pin_with_dependents
// returns, so the clone-serialization step runs inline under disk_lock
// rather than being dispatched to a worker.
func (cm *CacheManager) writeDependentPending(p *pairtable.Pair) {
	if !p.Dirty() {
		return
	}

	if p.Callbacks != nil && p.Callbacks.Clone != nil {
		p.DiskLock.Lock()
		clonedValue, cloneAttr, err := p.Callbacks.Clone(p.Value(), callbackExtra(p), false)
		if err == nil {
			p.SetClone(clonedValue, cloneAttr.Total)
			cm.evictor.AddCurrent(cloneAttr.Total)
			p.SetDirty(false)
			cm.serializeCloneLocked(p, cloneAttr)
			p.DiskLock.Unlock()
			return
		}
		p.DiskLock.Unlock()
	}

	cm.writeSynchronous(p)
}

// writeSynchronous runs the client's Flush callback with do_write=true,
// keep=true and marks the pair clean, for a pair with no clone callback (or
// whose Clone call failed). Callers must hold p.ValueLock.
func (cm *CacheManager) writeSynchronous(p *pairtable.Pair) {
	attr := p.Attr()
	newAttr := attr
	if p.Callbacks != nil && p.Callbacks.Flush != nil {
		_ = p.Callbacks.Flush(pairtable.FlushArgs{
			File: p.File, Key: p.Key, Value: p.Value(), DiskImage: p.DiskImage(),
			Extra: callbackExtra(p), OldAttr: attr, NewAttr: &newAttr, DoWrite: true, Keep: true,
		})
		if delta := p.SetAttr(newAttr); delta != 0 {
			cm.evictor.AddCurrent(delta)
		}
	}
	p.SetDirty(false)
}

// serializeCloneLocked writes the immutable clone snapshot and frees it.
// Callers must already hold p.DiskLock.
func (cm *CacheManager) serializeCloneLocked(p *pairtable.Pair, cloneAttr pairtable.Attr) {
	if p.Callbacks != nil && p.Callbacks.Flush != nil {
		_ = p.Callbacks.Flush(pairtable.FlushArgs{
			File: p.File, Key: p.Key, Value: p.ClonedValue(), DiskImage: p.DiskImage(),
			Extra: callbackExtra(p), OldAttr: cloneAttr, DoWrite: true, Keep: false, IsClone: true,
		})
	}
	freed := p.ClearClone()
	cm.evictor.AddCurrent(-freed)
}

// serializeClone acquires p.DiskLock and runs serializeCloneLocked. Used by
// the asynchronous, work-queue-dispatched path.
func (cm *CacheManager) serializeClone(p *pairtable.Pair, cloneAttr pairtable.Attr) {
	p.DiskLock.Lock()
	defer p.DiskLock.Unlock()
	cm.serializeCloneLocked(p, cloneAttr)
}

// MaybePin implements spec.md §4.2's Maybe-pin: a non-blocking variant that
// returns ErrNotFound (spec's "not available", benign per §7) rather than
// waiting, and also if the pair has checkpoint_pending set, so a caller
// cannot dirty a page right before the checkpointer picks it up.
func (cm *CacheManager) MaybePin(file FileID, key PageKey) (*pairtable.Pair, int64, error) {
	if err := cm.checkFileOpen(file); err != nil {
		return nil, 0, err
	}

	fullhash := ComputeFullHash(file, key)
	cm.table.RLock()
	p := cm.table.Lookup(Key{File: file, Page: key}, fullhash)
	cm.table.RUnlock()

	if p == nil {
		return nil, 0, ErrNotFound
	}
	if cm.table.PendingPeek(p) {
		return nil, 0, ErrNotFound
	}
	if !p.ValueLock.TryLock() {
		return nil, 0, ErrNotFound
	}

	p.Touch()
	cm.metrics.hits.Add(1)
	return p, p.Attr().Total, nil
}

// PinIfResident is cachetable.cc's cachetable_maybe_get_and_pin_clean,
// supplemented per SPEC_FULL.md §3.2: equivalent to MaybePin but without
// consulting checkpoint_pending, for read-mostly callers that never intend
// to write and so cannot race the checkpointer.
func (cm *CacheManager) PinIfResident(file FileID, key PageKey) (*pairtable.Pair, int64, error) {
	if err := cm.checkFileOpen(file); err != nil {
		return nil, 0, err
	}

	fullhash := ComputeFullHash(file, key)
	cm.table.RLock()
	p := cm.table.Lookup(Key{File: file, Page: key}, fullhash)
	cm.table.RUnlock()

	if p == nil {
		return nil, 0, ErrNotFound
	}
	if !p.ValueLock.TryLock() {
		return nil, 0, ErrNotFound
	}

	p.Touch()
	cm.metrics.hits.Add(1)
	return p, p.Attr().Total, nil
}

// PinNonBlockingWithUnlockers implements spec.md §4.2's non-blocking pin
// with unlockers: when a client holds higher-level locks that would
// deadlock with a disk wait, it supplies unlockers; if the pin cannot
// complete immediately, every unlocker runs and ErrTryAgain is returned.
func (cm *CacheManager) PinNonBlockingWithUnlockers(file FileID, key PageKey, mayModify bool, unlockers []func()) (*pairtable.Pair, int64, error) {
	if err := cm.checkFileOpen(file); err != nil {
		runUnlockers(unlockers)
		return nil, 0, err
	}

	fullhash := ComputeFullHash(file, key)
	cm.table.RLock()
	p := cm.table.Lookup(Key{File: file, Page: key}, fullhash)
	cm.table.RUnlock()

	if p == nil || !p.ValueLock.TryLock() {
		runUnlockers(unlockers)
		return nil, 0, ErrTryAgain
	}

	p.Touch()
	cm.metrics.hits.Add(1)

	if mayModify {
		cm.servicePendingWrite(p)
	}

	if p.Callbacks != nil && p.Callbacks.PartialFetchRequired != nil && p.Callbacks.PartialFetchRequired(p.Value()) {
		ok, err := cm.partialFetchNonBlocking(p)
		if err != nil {
			p.ValueLock.Unlock()
			return nil, 0, err
		}
		if !ok {
			p.ValueLock.Unlock()
			runUnlockers(unlockers)
			return nil, 0, ErrTryAgain
		}
	}

	return p, p.Attr().Total, nil
}

func runUnlockers(unlockers []func()) {
	for _, unlock := range unlockers {
		unlock()
	}
}

// PinWithDependents implements spec.md §4.2's pin-with-dependents: before
// returning the new (or hit) pair, it atomically snapshots and clears every
// already-pinned dependent's checkpoint_pending bit and serializes each
// dependent's write outside the table lock, so a multi-page operation can
// never leave one page serialized in a half-updated state.
func (cm *CacheManager) PinWithDependents(file FileID, key PageKey, mayModify bool, cbs *Callbacks, dependents []*pairtable.Pair) (*pairtable.Pair, int64, error) {
	for _, dep := range cm.table.SnapshotDependents(dependents) {
		cm.writeDependentPending(dep)
	}
	return cm.Pin(file, key, mayModify, cbs)
}

// Unpin implements spec.md §4.2's Unpin(dirty, new_attr): writes the dirty
// flag and attributes, releases value_lock, and wakes the evictor if the
// attribute delta pushed size_current across a threshold.
func (cm *CacheManager) Unpin(p *pairtable.Pair, dirty bool, newAttr Attr) {
	delta := p.SetAttr(newAttr)
	p.SetDirty(dirty)
	p.ValueLock.Unlock()
	if delta != 0 {
		cm.evictor.AddCurrent(delta)
	}
}

// Put implements spec.md §4.2's Put(key, value, attr, write_callback,
// put_callback): inserts a newly minted dirty page, pinned. It fails with
// ErrAlreadyPresent if the key is already resident. cbs.PutCallback (if
// set) runs with the table write lock still held, receiving a
// back-reference to the new pair.
func (cm *CacheManager) Put(file FileID, key PageKey, value any, attr Attr, cbs *Callbacks) (*pairtable.Pair, error) {
	if err := cm.checkFileOpen(file); err != nil {
		return nil, err
	}

	fullhash := ComputeFullHash(file, key)
	k := Key{File: file, Page: key}

	cm.table.Lock()
	if existing := cm.table.Lookup(k, fullhash); existing != nil {
		cm.table.Unlock()
		return nil, ErrAlreadyPresent
	}

	p := pairtable.NewPair(file, key, fullhash, value, nil, attr, true, cbs)
	p.ValueLock.Lock()
	cm.table.Insert(p)
	if cbs != nil && cbs.PutCallback != nil {
		cbs.PutCallback(value, p)
	}
	cm.table.Unlock()

	cm.evictor.AddCurrent(attr.Total)
	return p, nil
}

// Remove implements spec.md §4.2's Remove(pair, remove_key_cb): the pair
// must already be pinned by the caller. It marks the pair clean, takes
// disk_lock to be sure no clone is mid-flight, clears checkpoint_pending,
// unlinks the pair from every structure, and waits for any thread that had
// already raced a pin against this key to drain before returning.
func (cm *CacheManager) Remove(p *pairtable.Pair, removeKeyCB func()) {
	p.SetDirty(false)
	p.DiskLock.Lock()
	cm.table.DischargeIfPending(p)

	cm.table.Lock()
	attr := p.Attr()
	cm.table.Remove(p)
	cm.table.Unlock()
	cm.evictor.AddCurrent(-attr.Total)

	if removeKeyCB != nil {
		removeKeyCB()
	}

	p.DiskLock.Unlock()
	p.ValueLock.Unlock()

	// A thread that obtained p's pointer and blocked on value_lock just
	// before the remove above completed may now be waking up on a pair
	// that is no longer in the table. Reacquire and release once to drain
	// it before the caller is free to reuse or discard p.
	p.ValueLock.Lock()
	p.ValueLock.Unlock()
}

// Prefetch implements spec.md §4.2's Prefetch(key): if the key is absent
// and the cache is not over-subscribed, dispatches cbs.Fetch on the client
// work-queue pool and increments the file's job counter for drain safety.
// If present, idle, and the client's PartialFetchRequired predicate says
// yes, dispatches the partial fetch the same way. Has no effect otherwise.
func (cm *CacheManager) Prefetch(file FileID, key PageKey, cbs *Callbacks) {
	if cm.checkFileOpen(file) != nil || cm.evictor.OverHighWatermark() {
		return
	}

	fullhash := ComputeFullHash(file, key)
	k := Key{File: file, Page: key}
	entry, _ := cm.files.Lookup(file)

	cm.table.RLock()
	p := cm.table.Lookup(k, fullhash)
	cm.table.RUnlock()

	if p == nil {
		cm.prefetchMiss(file, k, fullhash, cbs, entry)
		return
	}
	cm.prefetchPartial(p, entry)
}

func (cm *CacheManager) prefetchMiss(file FileID, k Key, fullhash FullHash, cbs *Callbacks, entry *fileregistry.Entry) {
	if cbs == nil || cbs.Fetch == nil {
		return
	}

	cm.table.Lock()
	if cm.table.Lookup(k, fullhash) != nil {
		cm.table.Unlock()
		return
	}
	p := pairtable.NewPair(file, k.Page, fullhash, nil, nil, pairtable.Attr{}, false, cbs)
	p.ValueLock.Lock()
	cm.table.Insert(p)
	cm.table.Unlock()

	if entry != nil && !entry.Jobs.Begin() {
		p.ValueLock.Unlock()
		cm.table.Lock()
		cm.table.Remove(p)
		cm.table.Unlock()
		return
	}

	cm.clientQueue.Dispatch(func() {
		defer func() {
			if entry != nil {
				entry.Jobs.End()
			}
		}()
		defer p.ValueLock.Unlock()

		p.DiskLock.Lock()
		value, diskImage, attr, dirty, err := cbs.Fetch(file, k, fullhash, cbs.Extra)
		p.DiskLock.Unlock()
		if err != nil {
			cm.table.Lock()
			cm.table.Remove(p)
			cm.table.Unlock()
			return
		}
		p.SetValue(value)
		p.SetDiskImage(diskImage)
		p.SetAttr(attr)
		p.SetDirty(dirty)
		cm.evictor.AddCurrent(attr.Total)
	})
}

func (cm *CacheManager) prefetchPartial(p *pairtable.Pair, entry *fileregistry.Entry) {
	if p.Callbacks == nil || p.Callbacks.PartialFetchRequired == nil {
		return
	}
	if !p.ValueLock.TryLock() {
		return
	}
	if !p.Callbacks.PartialFetchRequired(p.Value()) {
		p.ValueLock.Unlock()
		return
	}
	if entry != nil && !entry.Jobs.Begin() {
		p.ValueLock.Unlock()
		return
	}
	cm.clientQueue.Dispatch(func() {
		defer func() {
			if entry != nil {
				entry.Jobs.End()
			}
		}()
		defer p.ValueLock.Unlock()
		_ = cm.partialFetch(p)
	})
}

// Flush implements spec.md §4.2's Flush(file): snapshots every pair
// belonging to file, dispatches a write-and-free Flush callback for each on
// the client work-queue pool, waits for them, then removes every pair from
// the table, asserting none are pinned. Per the literal worked example in
// spec.md §8 scenario 1, the callback always runs with do_write=true,
// keep=false — even for a pair that was already clean — so that a flushed
// file leaves nothing resident to serve a later pin without a fresh fetch.
func (cm *CacheManager) Flush(file FileID) error {
	return cm.flush(file, true)
}

// flush is Flush's implementation, parameterized on whether a still-pinned
// pair is an invariant violation (the direct client call, which the caller
// must not race with an outstanding pin) or something to wait out (the
// CloseFile call, which races Draining against pins that were already in
// flight when Close began and must simply finish, not abort).
func (cm *CacheManager) flush(file FileID, assertUnpinned bool) error {
	cm.table.RLock()
	pairs := cm.table.FilePairs(file)
	cm.table.RUnlock()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for _, p := range pairs {
		p := p
		wg.Add(1)
		cm.clientQueue.Dispatch(func() {
			defer wg.Done()
			if err := cm.flushPair(p); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		})
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	cm.table.Lock()
	for _, p := range pairs {
		if assertUnpinned {
			if !p.ValueLock.TryLock() {
				cm.table.Unlock()
				invariantViolation(cm.logger, "cachetable: flush(%d): pair (%d,%d) still pinned", file, p.File, p.Key)
			}
		} else {
			p.ValueLock.Lock()
		}
		cm.table.Remove(p)
		p.ValueLock.Unlock()
	}
	cm.table.Unlock()

	return nil
}

func (cm *CacheManager) flushPair(p *pairtable.Pair) error {
	p.ValueLock.Lock()
	defer p.ValueLock.Unlock()

	attr := p.Attr()
	var err error
	if p.Callbacks != nil && p.Callbacks.Flush != nil {
		err = p.Callbacks.Flush(pairtable.FlushArgs{
			File: p.File, Key: p.Key, Value: p.Value(), DiskImage: p.DiskImage(),
			Extra: callbackExtra(p), OldAttr: attr, DoWrite: true, Keep: false,
		})
	}
	if err != nil {
		return err
	}
	cm.evictor.AddCurrent(-attr.Total)
	p.SetDirty(false)
	return nil
}

// Close implements spec.md §4.6's teardown: quiesces the three background
// threads, closes every open file (which flushes it), asserts the pair
// table is empty, and shuts down the three work-queue pools.
func (cm *CacheManager) Close() error {
	cm.evictor.Stop()
	cm.cleaner.Stop()
	cm.checkpointer.Stop()

	var firstErr error
	cm.files.Iterate(func(e *fileregistry.Entry) bool {
		if err := cm.CloseFile(e.ID); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})

	if n := cm.table.Count(); n != 0 {
		invariantViolation(cm.logger, "cachetable: close: pair table not empty (%d pairs remain)", n)
	}

	cm.clientQueue.Close()
	cm.cacheQueue.Close()
	cm.checkpointQueue.Close()

	return firstErr
}

// RunCheckpoint forces one begin/end checkpoint cycle synchronously,
// independent of the checkpointer's period.
func (cm *CacheManager) RunCheckpoint() error {
	return cm.checkpointer.RunOnce()
}

// RunCleaner forces one cleaner cycle (Config.CleanerIterations scans)
// synchronously, independent of the cleaner's period.
func (cm *CacheManager) RunCleaner() {
	cm.cleaner.RunOnce()
}

// Reserve atomically reserves n bytes of the cache's size budget for a bulk
// loader's own allocations outside the cache, blocking behind eviction if
// necessary. Release with Release.
func (cm *CacheManager) Reserve(n int64) int64 {
	return cm.evictor.Reserve(n)
}

// Release returns bytes previously reserved with Reserve.
func (cm *CacheManager) Release(n int64) {
	cm.evictor.Release(n)
}
