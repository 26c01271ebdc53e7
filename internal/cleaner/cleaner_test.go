package cleaner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/pairtable"
)

func TestCleanerPicksHighestPressure(t *testing.T) {
	tbl := pairtable.New()
	files := fileregistry.New()
	files.Register(1)

	var invoked []pairtable.PageKey
	mkCallbacks := func() *pairtable.Callbacks {
		return &pairtable.Callbacks{
			Cleaner: func(value any, key pairtable.Key, fullhash pairtable.FullHash, extra any) error {
				invoked = append(invoked, key.Page)
				return nil
			},
		}
	}

	scores := []int64{0, 5, 9}
	tbl.Lock()
	for i, score := range scores {
		p := pairtable.NewPair(1, pairtable.PageKey(i), pairtable.ComputeFullHash(1, pairtable.PageKey(i)),
			"v", nil, pairtable.Attr{Total: 1, CachePressure: score}, false, mkCallbacks())
		tbl.Insert(p)
	}
	tbl.Unlock()

	c := New(tbl, files, 1, 0)
	c.RunOnce()

	require.Equal(t, []pairtable.PageKey{2}, invoked)
}

func TestCleanerSkipsZeroScorePairs(t *testing.T) {
	tbl := pairtable.New()
	files := fileregistry.New()

	var invoked bool
	p := pairtable.NewPair(1, 1, pairtable.ComputeFullHash(1, 1), "v", nil,
		pairtable.Attr{Total: 1, CachePressure: 0}, false, &pairtable.Callbacks{
			Cleaner: func(value any, key pairtable.Key, fullhash pairtable.FullHash, extra any) error {
				invoked = true
				return nil
			},
		})
	tbl.Lock()
	tbl.Insert(p)
	tbl.Unlock()

	c := New(tbl, files, 1, 0)
	c.RunOnce()

	require.False(t, invoked)
}
