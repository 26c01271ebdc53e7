package workqueue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchRunsJobs(t *testing.T) {
	q := New(4, 16)
	defer q.Close()

	var n atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		q.Dispatch(func() {
			if n.Add(1) == 10 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not complete")
	}
	require.EqualValues(t, 10, n.Load())
}

func TestTryDispatchReportsFull(t *testing.T) {
	q := New(1, 1)
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	q.Dispatch(func() {
		close(started)
		<-block
	})
	<-started

	// The single worker is now blocked in the job above and the one-slot
	// queue is occupied by nothing yet; fill it, then expect TryDispatch to
	// fail.
	ok := q.TryDispatch(func() {})
	require.True(t, ok)
	ok = q.TryDispatch(func() {})
	require.False(t, ok)

	close(block)
}

func TestCloseDrains(t *testing.T) {
	q := New(2, 8)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		q.Dispatch(func() { n.Add(1) })
	}
	q.Close()
	require.EqualValues(t, 5, n.Load())
}
