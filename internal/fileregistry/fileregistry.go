// Package fileregistry tracks the set of open files known to the cache
// manager, each identified by a stable numeric id that is never reused
// while the registry is alive, plus a client-supplied "kernel identity" used
// to detect double-opens.
package fileregistry

import (
	"sync"

	"github.com/cockroachdb/swiss"

	"github.com/cachetable/cachetable/internal/jobmanager"
	"github.com/cachetable/cachetable/internal/pairtable"
)

// Identity is an opaque, client-supplied token identifying a file at the
// filesystem level (e.g., a device+inode pair), used only for equality
// comparison by FindByIdentity.
type Identity any

// Entry is one registered file.
type Entry struct {
	ID       pairtable.FileID
	Identity Identity

	// ForCheckpoint is set while a checkpoint has noted this file's pin and
	// cleared once end_checkpoint's note_unpin_by_checkpoint runs.
	ForCheckpoint bool

	// Draining is set once the file has begun closing; client pins and puts
	// against a draining file are refused. Background work is refused
	// through Jobs once it starts draining, not through this flag.
	Draining bool

	// Jobs counts outstanding background jobs dispatched against this file
	// (partial/full eviction write-backs, cleaner callbacks, prefetches),
	// so Close can wait for them to drain before
	// tearing the file down.
	Jobs *jobmanager.Counter

	// Callbacks are the per-file checkpoint hooks the checkpointer drives;
	// nil fields are no-ops.
	Callbacks *FileCallbacks

	mu sync.Mutex
}

// FileCallbacks are the checkpoint-protocol hooks a client registers per
// open file, invoked by the checkpointer at the points named by spec.md
// §4.5.
type FileCallbacks struct {
	// NoteCheckpointPin runs when begin-checkpoint snapshots this file as
	// part of the checkpoint.
	NoteCheckpointPin func()

	// BeginCheckpointUserdata captures a consistent translation-table
	// snapshot once every pair belonging to the file has been marked
	// pending.
	BeginCheckpointUserdata func(lsn uint64)

	// CheckpointUserdata writes the file's headers and translation tables
	// during end-checkpoint, before the end_checkpoint log record.
	CheckpointUserdata func(lsn uint64) error

	// EndCheckpointUserdata frees blocks obsoleted by this checkpoint,
	// after the end_checkpoint log record has been written.
	EndCheckpointUserdata func(lsn uint64) error

	// NoteUnpinByCheckpoint clears the pin begin-checkpoint noted.
	NoteUnpinByCheckpoint func()
}

// Lock/Unlock guard ForCheckpoint/Draining and any client-supplied userdata
// the façade layers on top (begin_checkpoint_userdata, etc.).
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Registry is the set of currently open files, keyed by stable id and,
// secondarily, by kernel identity for double-open detection.
type Registry struct {
	mu      sync.RWMutex
	byID    *swiss.Map[pairtable.FileID, *Entry]
	byIdent map[Identity]*Entry
	order   []*Entry // stable iteration order: insertion order, spliced on Remove
	nextID  pairtable.FileID
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byID:    swiss.New[pairtable.FileID, *Entry](16),
		byIdent: make(map[Identity]*Entry),
	}
}

// FindByIdentity returns the entry already registered for identity, if any.
func (r *Registry) FindByIdentity(identity Identity) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIdent[identity]
	return e, ok
}

// Register assigns a new stable id to identity and adds it to the registry.
// Ids are assigned monotonically and are never reused, even after the file
// that held them is removed, so that a stale FileID captured by a racing
// background job is provably distinguishable from any live file.
func (r *Registry) Register(identity Identity) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e := &Entry{ID: r.nextID, Identity: identity, Jobs: jobmanager.NewCounter()}
	r.byID.Put(e.ID, e)
	r.byIdent[identity] = e
	r.order = append(r.order, e)
	return e
}

// Lookup returns the entry for id, if it is still registered.
func (r *Registry) Lookup(id pairtable.FileID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID.Get(id)
}

// Remove drops the entry for id from the registry. The id itself is never
// reassigned.
func (r *Registry) Remove(id pairtable.FileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID.Get(id)
	if !ok {
		return
	}
	r.byID.Delete(id)
	delete(r.byIdent, e.Identity)
	for i, cur := range r.order {
		if cur == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Iterate calls fn for every registered file in stable (insertion) order,
// stopping early if fn returns false. Used by the checkpointer to snapshot
// the set of open files at begin-checkpoint.
func (r *Registry) Iterate(fn func(*Entry) bool) {
	r.mu.RLock()
	entries := append([]*Entry(nil), r.order...)
	r.mu.RUnlock()
	for _, e := range entries {
		if !fn(e) {
			return
		}
	}
}

// Len reports the number of registered files.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
