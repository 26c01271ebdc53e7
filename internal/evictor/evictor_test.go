package evictor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachetable/cachetable/internal/base"
	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/pairtable"
	"github.com/cachetable/cachetable/internal/workqueue"
)

func newTestEvictor(limit int64) (*Evictor, *pairtable.Table, *workqueue.Queue) {
	tbl := pairtable.New()
	files := fileregistry.New()
	wq := workqueue.New(2, 16)
	return New(tbl, files, wq, base.DefaultLogger{}, limit, 0), tbl, wq
}

func TestThresholds(t *testing.T) {
	th := computeThresholds(1000)
	require.Equal(t, int64(1000), th.LowWatermark)
	require.Equal(t, int64(1100), th.LowHysteresis)
	require.Equal(t, int64(1250), th.HighHyst)
	require.Equal(t, int64(1500), th.HighWatermark)
	require.Equal(t, int64(250), th.Reserved)
}

func TestAddCurrentAndEvicting(t *testing.T) {
	e, _, wq := newTestEvictor(1000)
	defer wq.Close()

	e.AddCurrent(500)
	require.EqualValues(t, 500, e.Current())
	e.AddEvicting(100)
	require.EqualValues(t, 100, e.Evicting())
	e.AddCurrent(-200)
	require.EqualValues(t, 300, e.Current())
}

func TestReserveRelease(t *testing.T) {
	e, _, wq := newTestEvictor(1000)
	defer wq.Close()

	got := e.Reserve(100)
	require.EqualValues(t, 100, got)
	require.EqualValues(t, 100, e.Current())

	e.Release(100)
	require.EqualValues(t, 0, e.Current())
}

func TestFullEvictionOfCleanPair(t *testing.T) {
	e, tbl, wq := newTestEvictor(10)
	defer wq.Close()

	flushed := make(chan struct{}, 1)
	cbs := &pairtable.Callbacks{
		Flush: func(args pairtable.FlushArgs) error {
			flushed <- struct{}{}
			return nil
		},
	}
	p := pairtable.NewPair(1, 1, pairtable.ComputeFullHash(1, 1), "v", nil, pairtable.Attr{Total: 20}, false, cbs)
	tbl.Lock()
	tbl.Insert(p)
	tbl.Unlock()
	e.AddCurrent(20)

	e.runPass()

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("flush callback was not invoked")
	}
	tbl.RLock()
	require.Equal(t, 0, tbl.Count())
	tbl.RUnlock()
}

func TestPinnedPairIsSkipped(t *testing.T) {
	e, tbl, wq := newTestEvictor(10)
	defer wq.Close()

	p := pairtable.NewPair(1, 1, pairtable.ComputeFullHash(1, 1), "v", nil, pairtable.Attr{Total: 20}, false, nil)
	p.ValueLock.Lock() // simulate an outstanding pin
	tbl.Lock()
	tbl.Insert(p)
	tbl.Unlock()
	e.AddCurrent(20)

	e.runPass()

	tbl.RLock()
	require.Equal(t, 1, tbl.Count())
	tbl.RUnlock()
	p.ValueLock.Unlock()
}
