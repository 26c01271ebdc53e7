package cachetable

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachetable/cachetable/internal/base"
	"github.com/cachetable/cachetable/internal/pairtable"
)

// fakeLogger is a minimal checkpoint.Logger that records every record
// written, for assertions about LSNs and record counts without a real WAL.
type fakeLogger struct {
	mu      sync.Mutex
	records [][]byte
}

func (f *fakeLogger) WriteRecord(payload []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, append([]byte(nil), payload...))
	return int64(len(f.records) - 1), nil
}

func (f *fakeLogger) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.records...)
}

func newTestManager(t *testing.T, limit int64) *CacheManager {
	t.Helper()
	cm, err := New(Config{
		SizeLimit: limit,
		Logger:    base.DefaultLogger{},
		WALLogger: &fakeLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

// TestHitThenMissThenFlush covers spec.md §8 scenario 1: a put/pin/unpin
// round trip, then a flush that invokes Flush with do_write=true,
// keep=false even though the page was already clean, and a subsequent pin
// that must refetch.
func TestHitThenMissThenFlush(t *testing.T) {
	cm := newTestManager(t, 128*1024*1024)

	fileID, err := cm.OpenFile("scenario1", nil)
	require.NoError(t, err)

	var fetchCalls, flushCalls int32
	cbs := &Callbacks{
		Fetch: func(file FileID, key Key, fullhash FullHash, extra any) (any, any, Attr, bool, error) {
			atomic.AddInt32(&fetchCalls, 1)
			return "refetched", nil, Attr{Total: 10}, false, nil
		},
		Flush: func(args FlushArgs) error {
			atomic.AddInt32(&flushCalls, 1)
			require.True(t, args.DoWrite)
			require.False(t, args.Keep)
			return nil
		},
	}

	p, err := cm.Put(fileID, 1, "A", Attr{Total: 10}, cbs)
	require.NoError(t, err)
	cm.Unpin(p, true, Attr{Total: 10})

	p2, size, err := cm.Pin(fileID, 1, false, cbs)
	require.NoError(t, err)
	require.Equal(t, "A", p2.Value())
	require.EqualValues(t, 10, size)
	cm.Unpin(p2, false, Attr{Total: 10})

	require.NoError(t, cm.Flush(fileID))
	require.EqualValues(t, 1, atomic.LoadInt32(&flushCalls))

	p3, _, err := cm.Pin(fileID, 1, false, cbs)
	require.NoError(t, err)
	require.Equal(t, "refetched", p3.Value())
	require.EqualValues(t, 1, atomic.LoadInt32(&fetchCalls))
	cm.Unpin(p3, false, Attr{Total: 10})
}

// TestSizeTriggeredEviction covers spec.md §8 scenario 2: inserting past
// the limit wakes the eviction thread, which drives size_current down to
// the low watermark and invokes Flush for every dirty page along the way.
func TestSizeTriggeredEviction(t *testing.T) {
	cm := newTestManager(t, 100)

	fileID, err := cm.OpenFile("scenario2", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	flushed := make(map[PageKey]bool)

	for i := PageKey(0); i < 20; i++ {
		i := i
		cbs := &Callbacks{
			Flush: func(args FlushArgs) error {
				mu.Lock()
				flushed[i] = true
				mu.Unlock()
				return nil
			},
		}
		p, err := cm.Put(fileID, i, i, Attr{Total: 10}, cbs)
		require.NoError(t, err)
		cm.Unpin(p, true, Attr{Total: 10})
	}

	require.Eventually(t, func() bool {
		return cm.evictor.Current() <= 150
	}, 2*time.Second, 5*time.Millisecond, "size_current never reached the high watermark")

	require.Eventually(t, func() bool {
		return cm.evictor.Current() <= 100
	}, 2*time.Second, 5*time.Millisecond, "size_current never reached the low watermark")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 20)
}

// TestCheckpointClonePath covers spec.md §8 scenario 3: a pinnable page
// with a Clone callback is not blocked by a concurrent checkpoint, and the
// checkpoint serializes the pre-mutation bytes while the begin/end LSNs
// match.
func TestCheckpointClonePath(t *testing.T) {
	wal := &fakeLogger{}
	cm, err := New(Config{SizeLimit: 1 << 20, Logger: base.DefaultLogger{}, WALLogger: wal})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	fileID, err := cm.OpenFile("scenario3", nil)
	require.NoError(t, err)

	cloneCalled := make(chan struct{})
	serializeBlock := make(chan struct{})
	var serializedMu sync.Mutex
	var serializedValue string

	cbs := &Callbacks{
		Clone: func(value, extra any, forCheckpoint bool) (any, Attr, error) {
			close(cloneCalled)
			return value, Attr{Total: 5}, nil
		},
		Flush: func(args FlushArgs) error {
			if args.IsClone {
				<-serializeBlock
				serializedMu.Lock()
				serializedValue = args.Value.(string)
				serializedMu.Unlock()
			}
			return nil
		},
	}

	p, err := cm.Put(fileID, 1, "v0", Attr{Total: 5}, cbs)
	require.NoError(t, err)
	cm.Unpin(p, true, Attr{Total: 5})

	done := make(chan error, 1)
	go func() { done <- cm.checkpointer.RunOnce() }()

	select {
	case <-cloneCalled:
	case <-time.After(time.Second):
		t.Fatal("clone callback was not invoked")
	}

	// The clone ran synchronously inside begin/end-checkpoint and released
	// value_lock immediately afterward; only the clone's own serialization
	// is blocked, so this pin must proceed without waiting on it and must
	// see the live, mutable value.
	p2, _, err := cm.Pin(fileID, 1, true, cbs)
	require.NoError(t, err)
	require.Equal(t, "v0", p2.Value())
	p2.SetValue("v1")
	cm.Unpin(p2, true, Attr{Total: 5})

	close(serializeBlock)
	require.NoError(t, <-done)

	serializedMu.Lock()
	got := serializedValue
	serializedMu.Unlock()
	require.Equal(t, "v0", got, "end_checkpoint must serialize the pre-mutation bytes")

	records := wal.snapshot()
	require.GreaterOrEqual(t, len(records), 2)
	require.Equal(t, byte('B'), records[0][0])
	beginLSN := binary.LittleEndian.Uint64(records[0][1:9])
	last := records[len(records)-1]
	require.Equal(t, byte('E'), last[0])
	endLSN := binary.LittleEndian.Uint64(last[1:9])
	require.Equal(t, beginLSN, endLSN)
}

// TestDependentPairAtomicity covers spec.md §8 scenario 4: pinning a new
// key with already-pinned dependents atomically clears and serializes
// every dependent's pending checkpoint write before the call returns, and
// the new pair itself starts out with no pending obligation.
func TestDependentPairAtomicity(t *testing.T) {
	cm := newTestManager(t, 1<<20)

	beginScanned := make(chan struct{})
	fileID, err := cm.OpenFile("scenario4", &FileCallbacks{
		BeginCheckpointUserdata: func(lsn uint64) { close(beginScanned) },
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var serializedKeys []PageKey
	cbs := &Callbacks{
		Flush: func(args FlushArgs) error {
			mu.Lock()
			serializedKeys = append(serializedKeys, args.Key.Page)
			mu.Unlock()
			return nil
		},
		Fetch: func(file FileID, key Key, fullhash FullHash, extra any) (any, any, Attr, bool, error) {
			return fmt.Sprintf("v%d", key.Page), nil, Attr{Total: 1}, false, nil
		},
	}

	var dependents []*pairtable.Pair
	for i := PageKey(1); i <= 3; i++ {
		p, err := cm.Put(fileID, i, fmt.Sprintf("v%d", i), Attr{Total: 5}, cbs)
		require.NoError(t, err)
		dependents = append(dependents, p)
	}
	// Put leaves each pair pinned, matching "pin p, q, r all may_modify".

	done := make(chan error, 1)
	go func() { done <- cm.checkpointer.RunOnce() }()

	select {
	case <-beginScanned:
	case <-time.After(time.Second):
		t.Fatal("begin_checkpoint never scanned the table")
	}
	for _, p := range dependents {
		require.True(t, p.Dirty(), "begin_checkpoint must not touch a pinned pair's dirty bit")
	}

	newPair, _, err := cm.PinWithDependents(fileID, 100, true, cbs, dependents)
	require.NoError(t, err)
	require.False(t, cm.table.PendingPeek(newPair), "the new pair starts with no pending obligation")

	mu.Lock()
	require.ElementsMatch(t, []PageKey{1, 2, 3}, serializedKeys)
	mu.Unlock()

	for _, p := range dependents {
		require.False(t, p.Dirty())
	}

	cm.Unpin(newPair, false, Attr{Total: 1})
	for _, p := range dependents {
		cm.Unpin(p, false, Attr{Total: 5})
	}

	require.NoError(t, <-done)
}

// TestCleanerPriority covers spec.md §8 scenario 5: of three candidates
// scoring 0, 5, and 9, one cleaner iteration invokes the client callback
// only on the 9-scoring pair.
func TestCleanerPriority(t *testing.T) {
	cm, err := New(Config{
		SizeLimit:         1 << 20,
		Logger:            base.DefaultLogger{},
		WALLogger:         &fakeLogger{},
		CleanerIterations: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	fileID, err := cm.OpenFile("scenario5", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var invoked []PageKey

	makeCallbacks := func() *Callbacks {
		return &Callbacks{
			Cleaner: func(value any, key Key, fullhash FullHash, extra any) error {
				mu.Lock()
				invoked = append(invoked, key.Page)
				mu.Unlock()
				return nil
			},
		}
	}

	scores := []int64{0, 5, 9}
	for i, score := range scores {
		p, err := cm.Put(fileID, PageKey(i+1), fmt.Sprintf("v%d", i), Attr{Total: 5, CachePressure: score}, makeCallbacks())
		require.NoError(t, err)
		cm.Unpin(p, false, Attr{Total: 5, CachePressure: score})
	}

	cm.RunCleaner()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []PageKey{3}, invoked)
}

// TestGracefulCloseUnderLoad covers spec.md §8 scenario 6: closing a file
// while client threads are actively pinning and unpinning it leaves the
// pair table without any of the file's pairs, the job counter drained, and
// every subsequent pin against that file failing.
func TestGracefulCloseUnderLoad(t *testing.T) {
	cm := newTestManager(t, 1<<20)

	fileID, err := cm.OpenFile("scenario6", nil)
	require.NoError(t, err)

	cbs := &Callbacks{
		Fetch: func(file FileID, key Key, fullhash FullHash, extra any) (any, any, Attr, bool, error) {
			return "v", nil, Attr{Total: 1}, false, nil
		},
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, _, err := cm.Pin(fileID, 1, false, cbs)
				if err != nil {
					return
				}
				cm.Unpin(p, false, Attr{Total: 1})
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cm.CloseFile(fileID))
	close(stop)
	wg.Wait()

	cm.table.RLock()
	n := len(cm.table.FilePairs(fileID))
	cm.table.RUnlock()
	require.Equal(t, 0, n)

	_, _, err = cm.Pin(fileID, 1, false, cbs)
	require.ErrorIs(t, err, ErrFileDraining)
}

func TestPutRejectsDuplicateKey(t *testing.T) {
	cm := newTestManager(t, 1<<20)
	fileID, err := cm.OpenFile("dup", nil)
	require.NoError(t, err)

	p, err := cm.Put(fileID, 1, "v", Attr{Total: 1}, nil)
	require.NoError(t, err)

	_, err = cm.Put(fileID, 1, "v2", Attr{Total: 1}, nil)
	require.ErrorIs(t, err, ErrAlreadyPresent)

	cm.Unpin(p, false, Attr{Total: 1})
}

func TestMaybePinNotAvailableWhenPending(t *testing.T) {
	wal := &fakeLogger{}
	cm, err := New(Config{SizeLimit: 1 << 20, Logger: base.DefaultLogger{}, WALLogger: wal})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	fileID, err := cm.OpenFile("maybepin", nil)
	require.NoError(t, err)

	release := make(chan struct{})
	cbs := &Callbacks{
		Flush: func(args FlushArgs) error {
			<-release
			return nil
		},
	}
	p, err := cm.Put(fileID, 1, "v", Attr{Total: 1}, cbs)
	require.NoError(t, err)
	cm.Unpin(p, true, Attr{Total: 1})

	done := make(chan error, 1)
	go func() { done <- cm.checkpointer.RunOnce() }()

	require.Eventually(t, func() bool {
		return cm.table.PendingPeek(p)
	}, time.Second, time.Millisecond, "begin_checkpoint never marked the pair pending")

	_, _, err = cm.MaybePin(fileID, 1)
	require.ErrorIs(t, err, ErrNotFound)

	close(release)
	require.NoError(t, <-done)
}

func TestRemove(t *testing.T) {
	cm := newTestManager(t, 1<<20)
	fileID, err := cm.OpenFile("remove", nil)
	require.NoError(t, err)

	p, err := cm.Put(fileID, 1, "v", Attr{Total: 7}, nil)
	require.NoError(t, err)

	removed := false
	cm.Remove(p, func() { removed = true })
	require.True(t, removed)

	_, _, err = cm.MaybePin(fileID, 1)
	require.ErrorIs(t, err, ErrNotFound)
	require.EqualValues(t, 0, cm.evictor.Current())
}
