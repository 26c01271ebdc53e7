package pairtable

// FlushArgs bundles the arguments passed to a pair's Flush callback, invoked
// on eviction, checkpoint write-back, and file close.
type FlushArgs struct {
	File          FileID
	Key           Key
	Value         any
	DiskImage     any
	Extra         any
	OldAttr       Attr
	NewAttr       *Attr
	DoWrite       bool
	Keep          bool
	ForCheckpoint bool
	IsClone       bool
}

// Callbacks is the per-pair client vtable described in the cache manager's
// external interface contract. Every field except Fetch is optional; a nil
// callback is treated as a no-op with the identity behavior documented next
// to each field.
type Callbacks struct {
	// Fetch reads a page from disk on a cache miss. It runs under disk_lock
	// and must never touch cache-internal state.
	Fetch func(file FileID, key Key, fullhash FullHash, extra any) (value, diskImage any, attr Attr, dirty bool, err error)

	// PartialFetchRequired reports whether value is missing pieces that
	// PartialFetch must fill in before the pin can be handed back to a
	// caller that needs the whole page. Nil means "never required".
	PartialFetchRequired func(value any) bool

	// PartialFetch mutates value in place, filling in the pieces
	// PartialFetchRequired flagged as missing, and returns the updated attr.
	PartialFetch func(value, diskImage, extra any) (Attr, error)

	// Flush writes the page back (if DoWrite) and frees value (if !Keep).
	Flush func(args FlushArgs) error

	// PartialEvictEstimate reports whether partial eviction of value is
	// cheap enough to run inline on the eviction thread, and an estimate of
	// the bytes it would free.
	PartialEvictEstimate func(value, extra any) (cheap bool, estimatedBytes int64)

	// PartialEvict shrinks value in place and reports the resulting attr.
	PartialEvict func(value any, oldAttr Attr, extra any) (newAttr Attr, err error)

	// Clone produces an immutable snapshot of value for checkpoint
	// serialization, leaving the live value free for concurrent writers.
	Clone func(value, extra any, forCheckpoint bool) (clonedValue any, newAttr Attr, err error)

	// Cleaner is invoked by the cleaner thread on the highest cache-pressure
	// pair, which the cleaner already holds pinned for the callback's
	// duration and unpins itself once it returns.
	Cleaner func(value any, key Key, fullhash FullHash, extra any) error

	// PutCallback runs inside Put while the table write lock is still held,
	// receiving a back-reference to the newly inserted pair so the caller
	// can record it atomically with the insertion.
	PutCallback func(value any, pair *Pair)

	// Extra is opaque, client-owned context passed back into every
	// callback above (spec's write_extraargs).
	Extra any
}
