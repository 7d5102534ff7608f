package control

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStubSet(t *testing.T) {
	set := NewStubSet()
	require.True(t, set.Empty())

	require.NoError(t, set.Add(&StubInfo{ID: "a", Pid: 100}))
	require.NoError(t, set.Add(&StubInfo{ID: "b", Pid: 200}))
	require.ErrorIs(t, set.Add(&StubInfo{ID: "a"}), unix.EEXIST)
	require.Equal(t, 2, set.Len())

	info, ok := set.Get("a")
	require.True(t, ok)
	require.Equal(t, 100, info.Pid)

	_, ok = set.Get("nope")
	require.False(t, ok)
}

func TestStubSetRemoveByPid(t *testing.T) {
	set := NewStubSet()
	require.NoError(t, set.Add(&StubInfo{ID: "a", Pid: 100}))
	require.NoError(t, set.Add(&StubInfo{ID: "b", Pid: 200}))

	require.Nil(t, set.RemoveByPid(300))

	info := set.RemoveByPid(100)
	require.NotNil(t, info)
	require.Equal(t, "a", info.ID)
	require.Equal(t, 1, set.Len())

	// A stub registered with no pid (peer credentials unavailable) never
	// matches a reaped child.
	require.NoError(t, set.Add(&StubInfo{ID: "c", Pid: 0}))
	require.Nil(t, set.RemoveByPid(0))

	require.NotNil(t, set.RemoveByPid(200))
	require.False(t, set.Empty())
}
