package pairtable

// Attr carries the six numeric size categories the client reports for a
// pair. Total drives size_current accounting and CachePressure ranks pairs
// for the cleaner; the others are informational breakdowns the client's
// callbacks fill in, carried with the pair but not read by the cache.
type Attr struct {
	Total         int64
	Leaf          int64
	NonLeaf       int64
	Rollback      int64
	CachePressure int64
	Valid         bool
}
