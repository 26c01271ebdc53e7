package checkpoint

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachetable/cachetable/internal/fileregistry"
	"github.com/cachetable/cachetable/internal/pairtable"
	"github.com/cachetable/cachetable/internal/walrecord"
	"github.com/cachetable/cachetable/internal/workqueue"
)

type fakeSize struct{ current atomic.Int64 }

func (f *fakeSize) AddCurrent(delta int64) { f.current.Add(delta) }

func TestCheckpointSynchronousWrite(t *testing.T) {
	tbl := pairtable.New()
	files := fileregistry.New()
	entry := files.Register("f1")

	var flushed bool
	cbs := &pairtable.Callbacks{
		Flush: func(args pairtable.FlushArgs) error {
			flushed = true
			require.True(t, args.ForCheckpoint)
			require.True(t, args.DoWrite)
			return nil
		},
	}
	p := pairtable.NewPair(entry.ID, 1, pairtable.ComputeFullHash(entry.ID, 1), "v", nil, pairtable.Attr{Total: 10}, true, cbs)
	tbl.Lock()
	tbl.Insert(p)
	tbl.Unlock()

	wq := workqueue.New(2, 16)
	defer wq.Close()
	var buf bytes.Buffer
	logger := walrecord.NewWriter(&buf, 0)
	size := &fakeSize{}

	cp := New(tbl, files, wq, logger, size, nil, 0)
	require.NoError(t, cp.RunOnce())

	require.True(t, flushed)
	require.False(t, p.Dirty())
	require.Greater(t, buf.Len(), 0)
}

func TestCheckpointClonePath(t *testing.T) {
	tbl := pairtable.New()
	files := fileregistry.New()
	entry := files.Register("f1")

	cloned := make(chan struct{}, 1)
	cbs := &pairtable.Callbacks{
		Clone: func(value, extra any, forCheckpoint bool) (any, pairtable.Attr, error) {
			return "clone-of-" + value.(string), pairtable.Attr{Total: 10}, nil
		},
		Flush: func(args pairtable.FlushArgs) error {
			if args.IsClone {
				cloned <- struct{}{}
			}
			return nil
		},
	}
	p := pairtable.NewPair(entry.ID, 1, pairtable.ComputeFullHash(entry.ID, 1), "v", nil, pairtable.Attr{Total: 10}, true, cbs)
	tbl.Lock()
	tbl.Insert(p)
	tbl.Unlock()

	wq := workqueue.New(2, 16)
	defer wq.Close()
	var buf bytes.Buffer
	logger := walrecord.NewWriter(&buf, 0)
	size := &fakeSize{}

	cp := New(tbl, files, wq, logger, size, nil, 0)
	require.NoError(t, cp.RunOnce())

	select {
	case <-cloned:
	case <-time.After(time.Second):
		t.Fatal("clone was not serialized")
	}
	require.False(t, p.Dirty())
}

type fakeTxns struct{ lastID uint64 }

func (f *fakeTxns) LastTransactionID() uint64 { return f.lastID }
func (f *fakeTxns) LiveTransactions() []LiveTransaction {
	return []LiveTransaction{{ID: 1, RollbackData: []byte("r")}}
}

func TestCheckpointWritesLiveTransactionRecords(t *testing.T) {
	tbl := pairtable.New()
	files := fileregistry.New()

	wq := workqueue.New(2, 16)
	defer wq.Close()
	var buf bytes.Buffer
	logger := walrecord.NewWriter(&buf, 0)
	size := &fakeSize{}

	cp := New(tbl, files, wq, logger, size, &fakeTxns{lastID: 7}, 0)
	require.NoError(t, cp.RunOnce())

	r := walrecord.NewReader(&buf)
	begin, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, byte('B'), begin[0])

	stillOpen, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, byte('O'), stillOpen[0])

	end, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, byte('E'), end[0])
}
