// Package pairtable implements the resident-set hash table, clock ring, and
// pending-checkpoint list that back the cache manager façade.
package pairtable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// FileID is the stable 32-bit identifier of an open file, assigned by the
// file registry.
type FileID uint32

// PageKey is a 64-bit logical block number within a file.
type PageKey uint64

// FullHash is the 32-bit hash of a (FileID, PageKey) pair, cached on every
// Pair and recomputed by clients on every call so it can be passed back in
// rather than recomputed by the table on every lookup.
type FullHash uint32

// Key identifies a resident page.
type Key struct {
	File FileID
	Page PageKey
}

// ComputeFullHash derives the cached fullhash for a (file, page) pair. It is
// exported so that client code (and the façade) can compute it once and pass
// it into every subsequent call, exactly as spec'd.
func ComputeFullHash(file FileID, page PageKey) FullHash {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(file))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(page))
	return FullHash(uint32(xxhash.Sum64(buf[:])))
}
