// Package checkpoint drives the two-phase checkpoint protocol: begin marks
// every resident page belonging to a checkpointed file "pending" and logs a
// begin_checkpoint record; end drains the pending list, cloning or
// synchronously writing each page, then logs end_checkpoint once every
// clone-serialization job has finished. Grounded on the teacher's
// checkpoint.go structure (snapshot state under a lock, release the lock
// before the expensive part, a background drain with a wait barrier).
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/pairtable"
	"github.com/cachetable/cachetable/internal/workqueue"
)

// Logger is the subset of walrecord.Writer the checkpointer needs. Accepting
// an interface (rather than *walrecord.Writer directly) keeps the
// transactional logger's own implementation — out of this repository's
// scope per spec.md §1 — free to wrap WriteRecord however it likes.
type Logger interface {
	WriteRecord(payload []byte) (int64, error)
}

// SizeAccountant is the evictor's size-accounting surface the checkpointer
// needs when a clone adds to size_current or a clone's serialization frees
// it again.
type SizeAccountant interface {
	AddCurrent(delta int64)
}

// LiveTransaction is one entry in the xstillopen/xstillopenprepared records
// the checkpointer emits per file, enumerating live transactions' rollback
// metadata so post-crash recovery can rebuild them (spec.md §6 "Persisted
// state"; supplemented from original_source/ft/cachetable.cc, which this
// distilled spec's §6 mentions but does not detail).
type LiveTransaction struct {
	ID           uint64
	Prepared     bool
	RollbackData []byte
}

// LiveTransactionLister supplies the checkpointer with the information it
// needs to write begin/end_checkpoint's transaction bookkeeping. A nil
// lister is treated as "no live transactions".
type LiveTransactionLister interface {
	LastTransactionID() uint64
	LiveTransactions() []LiveTransaction
}

// Checkpointer drives begin/end checkpoint.
type Checkpointer struct {
	table     *pairtable.Table
	files     *fileregistry.Registry
	workQueue *workqueue.Queue
	logger    Logger
	size      SizeAccountant
	txns      LiveTransactionLister

	lsn atomic.Uint64

	mu struct {
		sync.Mutex
		period time.Duration
	}

	wakeMu   sync.Mutex
	wakeCond *sync.Cond
	stop     chan struct{}
	done     chan struct{}

	// runMu serializes checkpoint cycles: only one begin/end pair may be
	// in flight at a time.
	runMu sync.Mutex

	// onComplete is an optional metrics hook invoked once per successful
	// RunOnce, for a caller (the facade's metrics collector) to tally
	// completed checkpoint cycles.
	onComplete func()
}

// SetCompletionHook registers fn to be called once after each successful
// RunOnce.
func (c *Checkpointer) SetCompletionHook(fn func()) {
	c.onComplete = fn
}

// New constructs a Checkpointer. txns may be nil.
func New(table *pairtable.Table, files *fileregistry.Registry, wq *workqueue.Queue, logger Logger, size SizeAccountant, txns LiveTransactionLister, period time.Duration) *Checkpointer {
	c := &Checkpointer{
		table:     table,
		files:     files,
		workQueue: wq,
		logger:    logger,
		size:      size,
		txns:      txns,
	}
	c.mu.period = period
	c.wakeCond = sync.NewCond(&c.wakeMu)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	return c
}

// SetPeriod hot-swaps the checkpoint period; 0 disables the periodic tick.
// Shutdown does not go through the period: Stop signals the thread and
// joins it, and RunOnce still works while the period is 0.
func (c *Checkpointer) SetPeriod(d time.Duration) {
	c.mu.Lock()
	c.mu.period = d
	c.mu.Unlock()
	c.Wake()
}

func (c *Checkpointer) period() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.period
}

// Wake signals the checkpointer thread to run a cycle immediately.
func (c *Checkpointer) Wake() {
	c.wakeMu.Lock()
	c.wakeCond.Signal()
	c.wakeMu.Unlock()
}

// Run is the checkpointer thread's main loop.
func (c *Checkpointer) Run() {
	defer close(c.done)
	for {
		c.sleepUntilWakeOrTimeout()
		select {
		case <-c.stop:
			return
		default:
		}
		if c.period() <= 0 {
			continue
		}
		if err := c.RunOnce(); err != nil {
			// The checkpointer aborts the process if the logger cannot
			// write, per spec.md §7: this is an invariant-level failure,
			// not a retryable I/O error.
			panic(fmt.Sprintf("checkpoint: %v", err))
		}
	}
}

func (c *Checkpointer) sleepUntilWakeOrTimeout() {
	period := c.period()
	if period <= 0 {
		c.wakeMu.Lock()
		c.wakeCond.Wait()
		c.wakeMu.Unlock()
		return
	}
	timer := time.AfterFunc(period, c.Wake)
	defer timer.Stop()
	c.wakeMu.Lock()
	c.wakeCond.Wait()
	c.wakeMu.Unlock()
}

// Stop signals the checkpointer thread to exit at its next wakeup and joins
// it.
func (c *Checkpointer) Stop() {
	close(c.stop)
	c.Wake()
	<-c.done
}

// RunOnce runs one full begin/end checkpoint cycle synchronously.
func (c *Checkpointer) RunOnce() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	lsn, files, err := c.begin()
	if err != nil {
		return err
	}
	if err := c.end(lsn, files); err != nil {
		return err
	}
	if c.onComplete != nil {
		c.onComplete()
	}
	return nil
}

func (c *Checkpointer) begin() (lsn uint64, files []*fileregistry.Entry, err error) {
	c.files.Iterate(func(e *fileregistry.Entry) bool {
		e.Lock()
		e.ForCheckpoint = true
		e.Unlock()
		if e.Callbacks != nil && e.Callbacks.NoteCheckpointPin != nil {
			e.Callbacks.NoteCheckpointPin()
		}
		files = append(files, e)
		return true
	})

	lsn = c.lsn.Add(1)

	var lastTxnID uint64
	if c.txns != nil {
		lastTxnID = c.txns.LastTransactionID()
	}
	if _, err = c.logger.WriteRecord(marshalBeginCheckpoint(lsn, lastTxnID)); err != nil {
		return 0, nil, fmt.Errorf("checkpoint: writing begin_checkpoint: %w", err)
	}

	checkpointed := make(map[pairtable.FileID]bool, len(files))
	for _, e := range files {
		checkpointed[e.ID] = true
	}

	c.table.BeginCheckpointScan(func(p *pairtable.Pair) {
		if checkpointed[p.File] {
			c.table.MarkPendingLocked(p)
		}
	})

	for _, e := range files {
		if e.Callbacks != nil && e.Callbacks.BeginCheckpointUserdata != nil {
			e.Callbacks.BeginCheckpointUserdata(lsn)
		}
	}
	return lsn, files, nil
}

func (c *Checkpointer) end(lsn uint64, files []*fileregistry.Entry) error {
	var wg sync.WaitGroup
	for _, p := range c.table.PendingPairs() {
		c.writePairForCheckpoint(p, &wg)
	}
	wg.Wait()

	for _, e := range files {
		if e.Callbacks != nil && e.Callbacks.CheckpointUserdata != nil {
			if err := e.Callbacks.CheckpointUserdata(lsn); err != nil {
				return fmt.Errorf("checkpoint: checkpoint_userdata for file %d: %w", e.ID, err)
			}
		}
	}

	if c.txns != nil {
		for _, txn := range c.txns.LiveTransactions() {
			if _, err := c.logger.WriteRecord(marshalStillOpen(txn)); err != nil {
				return fmt.Errorf("checkpoint: writing xstillopen: %w", err)
			}
		}
	}

	if _, err := c.logger.WriteRecord(marshalEndCheckpoint(lsn, len(files))); err != nil {
		return fmt.Errorf("checkpoint: writing end_checkpoint: %w", err)
	}

	for _, e := range files {
		if e.Callbacks != nil && e.Callbacks.EndCheckpointUserdata != nil {
			if err := e.Callbacks.EndCheckpointUserdata(lsn); err != nil {
				return fmt.Errorf("checkpoint: end_checkpoint_userdata for file %d: %w", e.ID, err)
			}
		}
		e.Lock()
		e.ForCheckpoint = false
		e.Unlock()
		if e.Callbacks != nil && e.Callbacks.NoteUnpinByCheckpoint != nil {
			e.Callbacks.NoteUnpinByCheckpoint()
		}
	}
	return nil
}

// writePairForCheckpoint implements spec.md §4.5's
// write_pair_for_checkpoint_thread: clone-and-dispatch if the pair supports
// it, otherwise a synchronous write, then clear checkpoint_pending.
func (c *Checkpointer) writePairForCheckpoint(p *pairtable.Pair, wg *sync.WaitGroup) {
	p.ValueLock.Lock()

	if !p.Dirty() {
		c.table.DischargeIfPending(p)
		p.ValueLock.Unlock()
		return
	}

	if p.Callbacks != nil && p.Callbacks.Clone != nil {
		p.DiskLock.Lock()
		clonedValue, cloneAttr, err := p.Callbacks.Clone(p.Value(), callbackExtra(p), true)
		p.DiskLock.Unlock()
		if err == nil {
			p.SetClone(clonedValue, cloneAttr.Total)
			c.size.AddCurrent(cloneAttr.Total)
			p.SetDirty(false)
			c.table.DischargeIfPending(p)
			p.ValueLock.Unlock()

			wg.Add(1)
			c.workQueue.Dispatch(func() {
				defer wg.Done()
				c.serializeClone(p, cloneAttr)
			})
			return
		}
	}

	attr := p.Attr()
	newAttr := attr
	if p.Callbacks != nil && p.Callbacks.Flush != nil {
		_ = p.Callbacks.Flush(pairtable.FlushArgs{
			File: p.File, Key: p.Key, Value: p.Value(), DiskImage: p.DiskImage(),
			Extra: callbackExtra(p), OldAttr: attr, NewAttr: &newAttr,
			DoWrite: true, Keep: true, ForCheckpoint: true,
		})
		if delta := p.SetAttr(newAttr); delta != 0 {
			c.size.AddCurrent(delta)
		}
	}
	p.SetDirty(false)
	c.table.DischargeIfPending(p)
	p.ValueLock.Unlock()
}

// serializeClone writes the immutable clone snapshot and frees it, running
// on a work-queue worker so the writer whose mutation triggered the clone
// is never blocked on this I/O.
func (c *Checkpointer) serializeClone(p *pairtable.Pair, cloneAttr pairtable.Attr) {
	p.DiskLock.Lock()
	defer p.DiskLock.Unlock()

	if p.Callbacks != nil && p.Callbacks.Flush != nil {
		_ = p.Callbacks.Flush(pairtable.FlushArgs{
			File: p.File, Key: p.Key, Value: p.ClonedValue(), DiskImage: p.DiskImage(),
			Extra: callbackExtra(p), OldAttr: cloneAttr,
			DoWrite: true, Keep: false, ForCheckpoint: true, IsClone: true,
		})
	}
	freed := p.ClearClone()
	c.size.AddCurrent(-freed)
}

func callbackExtra(p *pairtable.Pair) any {
	if p.Callbacks == nil {
		return nil
	}
	return p.Callbacks.Extra
}

func marshalBeginCheckpoint(lsn, lastTxnID uint64) []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = 'B'
	binary.LittleEndian.PutUint64(buf[1:9], lsn)
	binary.LittleEndian.PutUint64(buf[9:17], lastTxnID)
	return buf
}

func marshalEndCheckpoint(lsn uint64, fileCount int) []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = 'E'
	binary.LittleEndian.PutUint64(buf[1:9], lsn)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(fileCount))
	return buf
}

func marshalStillOpen(txn LiveTransaction) []byte {
	tag := byte('O')
	if txn.Prepared {
		tag = 'P'
	}
	buf := make([]byte, 1+8+len(txn.RollbackData))
	buf[0] = tag
	binary.LittleEndian.PutUint64(buf[1:9], txn.ID)
	copy(buf[9:], txn.RollbackData)
	return buf
}
