package pairtable

import "sync"

// pendingLock is the split lock spec.md's design notes describe for the
// checkpoint pending list: an "expensive" lock held for the whole duration
// of begin-checkpoint's table walk, and a "cheap" lock held only briefly by
// whoever discharges a single pair's pending obligation (a writer on unpin,
// pin-with-dependents, or the evictor). Splitting them means a normal unpin
// clearing its own pending bit takes only the cheap lock and waits out a
// begin-checkpoint scan. The cheap lock is a single mutex, so discharges on
// different pairs serialize with each other for the length of an unlink.
type pendingLock struct {
	expensive sync.RWMutex
	cheap     sync.Mutex
}

// beginCheckpoint acquires both locks for the duration of the pending-list
// scan, blocking all concurrent pin-with-dependents snapshots and pending
// discharges until the scan completes.
func (l *pendingLock) beginCheckpoint() {
	l.expensive.Lock()
	l.cheap.Lock()
}

func (l *pendingLock) endCheckpoint() {
	l.cheap.Unlock()
	l.expensive.Unlock()
}

// dependentsSnapshot is held by pin-with-dependents while it atomically
// snapshots and clears its dependents' pending bits; it is shared with other
// concurrent dependent-pins but excludes a concurrent begin-checkpoint scan.
func (l *pendingLock) dependentsSnapshot() func() {
	l.expensive.RLock()
	l.cheap.Lock()
	return func() {
		l.cheap.Unlock()
		l.expensive.RUnlock()
	}
}

// discharge is held briefly by a writer-on-unpin or the evictor while it
// clears a single pair's pending bit and unlinks it from the pending list.
func (l *pendingLock) discharge() func() {
	l.cheap.Lock()
	return l.cheap.Unlock
}
