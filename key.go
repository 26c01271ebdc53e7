package cachetable

import "github.com/cachetable/cachetable/internal/pairtable"

// FileID is the stable 32-bit identifier the file registry assigns an open
// file at Open.
type FileID = pairtable.FileID

// PageKey is the 64-bit logical block number of a page within a file.
type PageKey = pairtable.PageKey

// FullHash is the 32-bit hash of a (FileID, PageKey) pair. Clients compute
// it once with ComputeFullHash and pass it into every subsequent call on
// that key, rather than have the cache recompute it on every lookup.
type FullHash = pairtable.FullHash

// Key identifies a resident page by (file, page).
type Key = pairtable.Key

// ComputeFullHash derives the cached fullhash for a (file, page) pair.
func ComputeFullHash(file FileID, page PageKey) FullHash {
	return pairtable.ComputeFullHash(file, page)
}
