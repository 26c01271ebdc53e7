package cachetable

import (
	"sync/atomic"
	"time"
)

// Options holds every hot-swappable tunable named in spec.md §6: size
// limit, checkpoint/cleaner/eviction periods, and cleaner iterations per
// cycle. Each field is an atomic so the facade can record a change without
// taking a lock. Background threads do not read these fields: each subsystem
// keeps its own copy, which the CacheManager's Set* methods update. Use the
// Set* methods rather than writing these fields directly: they forward the
// new value to the affected subsystem so a change takes effect without a
// restart.
type Options struct {
	SizeLimit         atomic.Int64
	CheckpointPeriod  atomic.Int64 // time.Duration nanoseconds; 0 == disabled
	CleanerPeriod     atomic.Int64
	EvictionPeriod    atomic.Int64
	CleanerIterations atomic.Int64
}

func newOptions(cfg Config) *Options {
	o := &Options{}
	o.SizeLimit.Store(cfg.SizeLimit)
	o.CheckpointPeriod.Store(int64(cfg.CheckpointPeriod))
	o.CleanerPeriod.Store(int64(cfg.CleanerPeriod))
	o.EvictionPeriod.Store(int64(cfg.EvictionPeriod))
	o.CleanerIterations.Store(int64(cfg.CleanerIterations))
	return o
}

// SetSizeLimit hot-swaps the cache's size limit, recomputing every
// eviction-threshold derived from it.
func (cm *CacheManager) SetSizeLimit(limit int64) {
	cm.opts.SizeLimit.Store(limit)
	cm.evictor.SetLimit(limit)
}

// SetCheckpointPeriod hot-swaps the checkpointer's wake period; 0 disables
// the periodic tick without preventing a manual RunOnce. Shutdown goes
// through Close, not through the period.
func (cm *CacheManager) SetCheckpointPeriod(d time.Duration) {
	cm.opts.CheckpointPeriod.Store(int64(d))
	cm.checkpointer.SetPeriod(d)
}

// SetCleanerPeriod hot-swaps the cleaner's wake period.
func (cm *CacheManager) SetCleanerPeriod(d time.Duration) {
	cm.opts.CleanerPeriod.Store(int64(d))
	cm.cleaner.SetPeriod(d)
}

// SetEvictionPeriod hot-swaps the eviction thread's wake period.
func (cm *CacheManager) SetEvictionPeriod(d time.Duration) {
	cm.opts.EvictionPeriod.Store(int64(d))
	cm.evictor.SetPeriod(d)
}

// SetCleanerIterations hot-swaps the number of scans the cleaner runs per
// cycle.
func (cm *CacheManager) SetCleanerIterations(n int) {
	cm.opts.CleanerIterations.Store(int64(n))
	cm.cleaner.SetIterations(n)
}
