package phaselock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockBasic(t *testing.T) {
	var l Lock
	require.False(t, l.HasWaiters())
	l.Lock()
	require.False(t, l.TryLock())
	l.Unlock()
	require.True(t, l.TryLock())
	l.Unlock()
}

func TestLockHasWaiters(t *testing.T) {
	var l Lock
	l.Lock()

	done := make(chan struct{})
	go func() {
		l.Lock()
		l.Unlock()
		close(done)
	}()

	require.Eventually(t, l.HasWaiters, time.Second, time.Millisecond)
	l.Unlock()
	<-done
	require.False(t, l.HasWaiters())
}
