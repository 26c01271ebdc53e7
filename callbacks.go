package cachetable

import (
	"github.com/cachetable/cachetable/internal/checkpoint"
	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/pairtable"
)

// Attr carries the six numeric size categories spec.md §3 assigns a pair:
// total (drives size accounting), leaf, nonleaf, rollback, cache-pressure,
// and a validity flag.
type Attr = pairtable.Attr

// FlushArgs bundles the arguments passed to a pair's Flush callback.
type FlushArgs = pairtable.FlushArgs

// Callbacks is the per-pair client vtable: Fetch, PartialFetchRequired,
// PartialFetch, Flush, PartialEvictEstimate, PartialEvict, Clone, Cleaner,
// PutCallback, and opaque Extra context, exactly as described by spec.md §6.
type Callbacks = pairtable.Callbacks

// FileCallbacks are the per-file checkpoint hooks registered at OpenFile:
// NoteCheckpointPin, BeginCheckpointUserdata, CheckpointUserdata,
// EndCheckpointUserdata, NoteUnpinByCheckpoint.
type FileCallbacks = fileregistry.FileCallbacks

// LiveTransaction is one entry in the per-file xstillopen/xstillopenprepared
// records the checkpointer writes at end-checkpoint.
type LiveTransaction = checkpoint.LiveTransaction

// LiveTransactionLister supplies the checkpointer with the set of live
// transactions to persist at each checkpoint boundary. A cache manager
// constructed without one writes no xstillopen records.
type LiveTransactionLister = checkpoint.LiveTransactionLister

// Logger is the externally-owned transactional logger the checkpointer
// writes begin_checkpoint/end_checkpoint records through (spec.md §1's "out
// of scope: the transactional logger"). internal/walrecord ships a
// reference implementation for operators who do not already have one.
type Logger = checkpoint.Logger

func callbackExtra(p *pairtable.Pair) any {
	if p.Callbacks == nil {
		return nil
	}
	return p.Callbacks.Extra
}
