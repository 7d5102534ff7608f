package kcmpreg

import (
	"os"
	"os/exec"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// skipWithoutKcmp skips tests on kernels without kcmp support
// (CONFIG_CHECKPOINT_RESTORE off) or under seccomp policies denying it.
func skipWithoutKcmp(t *testing.T, err error) {
	t.Helper()
	var kerr *KcmpError
	if errors.As(err, &kerr) {
		if kerr.Errno == unix.ENOSYS || kerr.Errno == unix.EPERM {
			t.Skipf("kcmp unavailable: %v", kerr.Errno)
		}
	}
}

// TestFdSetDupCollapses arranges two fds sharing one file description via
// dup and verifies they collapse to a single canonical record with
// shared=true and the original payload (spec.md testable property 1).
func TestFdSetDupCollapses(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kcmp")
	require.NoError(t, err)
	defer f.Close()

	dupFd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	defer unix.Close(dupFd)

	pid := os.Getpid()
	payload := "canonical-payload"

	var set FdSet
	res, rec, err := set.Insert(pid, int(f.Fd()), payload)
	skipWithoutKcmp(t, err)
	require.NoError(t, err)
	require.Equal(t, NEW, res)
	require.False(t, rec.Shared)

	res2, rec2, err := set.Insert(pid, dupFd, "other-payload")
	require.NoError(t, err)
	require.Equal(t, EXISTS, res2)
	require.Same(t, rec, rec2, "dup'd fd must resolve to the canonical record")
	require.True(t, rec.Shared)
	require.Equal(t, payload, rec2.Payload)
	require.Equal(t, 1, set.Len())

	// Both occurrences stay addressable for the per-process splice.
	require.Equal(t, []FdRef{
		{Pid: pid, Fd: int(f.Fd())},
		{Pid: pid, Fd: dupFd},
	}, rec.Refs)
}

// TestFdSetSharedAcrossFdTables is scenario B's non-thread variant: a plain
// fork/exec child inherits the open file description into its own,
// independent fd table. The description must collapse to one canonical
// record while both (pid, fd) holders stay recorded, and the two fd tables
// must register as distinct singletons.
func TestFdSetSharedAcrossFdTables(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kcmp")
	require.NoError(t, err)
	defer f.Close()

	child := exec.Command("sleep", "30")
	child.ExtraFiles = []*os.File{f} // inherited as fd 3, no CLOEXEC
	require.NoError(t, child.Start())
	defer func() {
		child.Process.Kill()
		child.Wait()
	}()

	pid := os.Getpid()
	childPid := child.Process.Pid
	const childFd = 3

	var set FdSet
	res, rec, err := set.Insert(pid, int(f.Fd()), "payload")
	skipWithoutKcmp(t, err)
	require.NoError(t, err)
	require.Equal(t, NEW, res)

	res, rec2, err := set.Insert(childPid, childFd, nil)
	skipWithoutKcmp(t, err)
	require.NoError(t, err)
	require.Equal(t, EXISTS, res)
	require.Same(t, rec, rec2)
	require.True(t, rec.Shared)
	require.Equal(t, 1, set.Len())
	require.Equal(t, []FdRef{
		{Pid: pid, Fd: int(f.Fd())},
		{Pid: childPid, Fd: childFd},
	}, rec.Refs, "every holding process must stay visible to injection")

	// No CLONE_FILES between parent and child: two distinct fd tables.
	tables := NewFdTableSet()
	res, owner, err := tables.Insert(pid)
	skipWithoutKcmp(t, err)
	require.NoError(t, err)
	require.Equal(t, NEW, res)
	require.Equal(t, pid, owner)

	res, owner, err = tables.Insert(childPid)
	skipWithoutKcmp(t, err)
	require.NoError(t, err)
	require.Equal(t, NEW, res, "forked child's fd table is its own")
	require.Equal(t, childPid, owner)
}

func TestFdSetDistinctDescriptions(t *testing.T) {
	dir := t.TempDir()
	f1, err := os.CreateTemp(dir, "a")
	require.NoError(t, err)
	defer f1.Close()
	f2, err := os.CreateTemp(dir, "b")
	require.NoError(t, err)
	defer f2.Close()

	pid := os.Getpid()

	var set FdSet
	res, _, err := set.Insert(pid, int(f1.Fd()), nil)
	skipWithoutKcmp(t, err)
	require.NoError(t, err)
	require.Equal(t, NEW, res)

	res, _, err = set.Insert(pid, int(f2.Fd()), nil)
	require.NoError(t, err)
	require.Equal(t, NEW, res)
	require.Equal(t, 2, set.Len())
}

// TestSingletonSets verifies spec.md testable property 2 for the
// same-process case: first insert is NEW, the second EXISTS with the
// original pid as canonical owner.
func TestSingletonSets(t *testing.T) {
	pid := os.Getpid()

	for name, insert := range map[string]func(int) (InsertResult, int, error){
		"fd_table":  New().FdTable.Insert,
		"fs_struct": New().FsStruct.Insert,
		"mm_struct": New().MmStruct.Insert,
	} {
		res, owner, err := insert(pid)
		skipWithoutKcmp(t, err)
		require.NoError(t, err, name)
		require.Equal(t, NEW, res, name)
		require.Equal(t, pid, owner, name)

		res, owner, err = insert(pid)
		require.NoError(t, err, name)
		require.Equal(t, EXISTS, res, name)
		require.Equal(t, pid, owner, name)
	}
}

func TestSingletonFind(t *testing.T) {
	pid := os.Getpid()
	reg := New()

	_, found, err := reg.FdTable.Find(pid)
	skipWithoutKcmp(t, err)
	require.NoError(t, err)
	require.False(t, found)

	_, _, err = reg.FdTable.Insert(pid)
	require.NoError(t, err)

	owner, found, err := reg.FdTable.Find(pid)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, pid, owner)
}

func TestMappingSet(t *testing.T) {
	var set MappingSet

	res, rec := set.Insert("/mnt/s/lib.so", 0, "p1")
	require.Equal(t, NEW, res)

	res, rec2 := set.Insert("/mnt/s/lib.so", 0, "p2")
	require.Equal(t, EXISTS, res)
	require.Same(t, rec, rec2)
	require.Equal(t, "p1", rec2.Payload)
	require.Equal(t, []interface{}{"p1", "p2"}, rec.Refs,
		"every VMA that collapsed onto the record keeps its own payload")

	res, _ = set.Insert("/mnt/s/lib.so", 1, "p3")
	require.Equal(t, NEW, res, "different flags are a different identity")

	res, _ = set.Insert("/mnt/s/other.so", 0, "p4")
	require.Equal(t, NEW, res)
	require.Equal(t, 3, set.Len())

	all := set.All()
	require.Len(t, all, 3)
	require.True(t, all[0].Path <= all[1].Path && all[1].Path <= all[2].Path)
}

func TestFifoSet(t *testing.T) {
	var set FifoSet
	require.Equal(t, NEW, set.Insert("/mnt/s/pipe"))
	require.Equal(t, EXISTS, set.Insert("/mnt/s/pipe"))
	require.Equal(t, NEW, set.Insert("/mnt/s/pipe2"))
	require.Equal(t, 2, set.Len())
}

func TestUnixSocketTable(t *testing.T) {
	var tbl UnixSocketTable

	res, payload := tbl.Insert(4242, "first")
	require.Equal(t, NEW, res)
	require.Equal(t, "first", payload)

	res, payload = tbl.Insert(4242, "second")
	require.Equal(t, EXISTS, res)
	require.Equal(t, "first", payload, "existing payload wins")

	got, ok := tbl.Find(4242)
	require.True(t, ok)
	require.Equal(t, "first", got)

	_, ok = tbl.Find(1)
	require.False(t, ok)
}
