package fileregistry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterLookupRemove(t *testing.T) {
	r := New()
	e := r.Register("dev1:inode1")
	require.Equal(t, 1, r.Len())

	got, ok := r.Lookup(e.ID)
	require.True(t, ok)
	require.Same(t, e, got)

	got2, ok := r.FindByIdentity("dev1:inode1")
	require.True(t, ok)
	require.Same(t, e, got2)

	r.Remove(e.ID)
	require.Equal(t, 0, r.Len())
	_, ok = r.Lookup(e.ID)
	require.False(t, ok)
}

func TestIDsNeverReused(t *testing.T) {
	r := New()
	e1 := r.Register("a")
	r.Remove(e1.ID)
	e2 := r.Register("b")
	require.NotEqual(t, e1.ID, e2.ID)
}

func TestIterateStableOrder(t *testing.T) {
	r := New()
	a := r.Register("a")
	b := r.Register("b")
	c := r.Register("c")

	var seen []*Entry
	r.Iterate(func(e *Entry) bool {
		seen = append(seen, e)
		return true
	})
	require.Equal(t, []*Entry{a, b, c}, seen)
}
