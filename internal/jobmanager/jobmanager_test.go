package jobmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginEndDrain(t *testing.T) {
	c := NewCounter()
	require.True(t, c.Begin())
	require.True(t, c.Begin())
	require.Equal(t, 2, c.Count())

	drained := make(chan struct{})
	go func() {
		c.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before jobs finished")
	case <-time.After(10 * time.Millisecond):
	}

	c.End()
	c.End()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not return after jobs finished")
	}
}

func TestBeginRefusedWhileDraining(t *testing.T) {
	c := NewCounter()
	require.True(t, c.Begin())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Drain()
	}()

	time.Sleep(5 * time.Millisecond)
	require.False(t, c.Begin())

	c.End()
	wg.Wait()
}
