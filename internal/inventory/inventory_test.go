package inventory

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/kcmpreg"
)

func TestParseSocketInode(t *testing.T) {
	ino, ok := parseSocketInode("socket:[40233]")
	require.True(t, ok)
	require.Equal(t, uint64(40233), ino)

	for _, bad := range []string{
		"/mnt/s/file",
		"pipe:[123]",
		"socket:[]",
		"socket:[abc]",
		"socket:[123",
	} {
		_, ok := parseSocketInode(bad)
		require.False(t, ok, "input %q", bad)
	}
}

func TestParseMapRange(t *testing.T) {
	start, end, ok := parseMapRange("7f0000000000-7f0000001000")
	require.True(t, ok)
	require.Equal(t, uint64(0x7f0000000000), start)
	require.Equal(t, uint64(0x7f0000001000), end)

	for _, bad := range []string{"deadbeef", "xyz-123", "123-xyz", ""} {
		_, _, ok := parseMapRange(bad)
		require.False(t, ok, "input %q", bad)
	}
}

func TestIsKthreadSelf(t *testing.T) {
	kthread, err := isKthread(os.Getpid())
	require.NoError(t, err)
	require.False(t, kthread, "a Go test binary is not a kernel thread")
}

// TestIsKthreadPid2 checks the classic kthreadd case (spec.md scenario E).
// Only meaningful as root: unprivileged readlink of another process's exe
// fails with EACCES, which is deliberately treated as non-kthread.
func TestIsKthreadPid2(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to readlink /proc/2/exe")
	}
	if _, err := os.Stat("/proc/2"); err != nil {
		t.Skip("no pid 2 on this system")
	}
	kthread, err := isKthread(2)
	require.NoError(t, err)
	require.True(t, kthread)
}

// TestBuildSelf inventories the test process itself against a matcher for
// the temp dir's filesystem: the one fd held open there must be collected,
// and a dup of it must collapse onto the same canonical record (spec.md
// scenario B's sharing behavior, single-process variant).
func TestBuildSelf(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer f.Close()

	dupFd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	defer unix.Close(dupFd)

	var st unix.Stat_t
	require.NoError(t, unix.Stat(dir, &st))
	matcher := &StubMatcher{dev: st.Dev}

	reg := kcmpreg.New()
	records, err := Build([]int{os.Getpid()}, matcher, reg)
	var kerr *kcmpreg.KcmpError
	if errors.As(err, &kerr) {
		t.Skipf("kcmp unavailable: %v", kerr)
	}
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, os.Getpid(), rec.Pid)
	require.Equal(t, KindUser, rec.Kind)
	require.Equal(t, rec.Pid, rec.FdTablePid)
	require.Equal(t, rec.Pid, rec.FsStructPid)
	require.Equal(t, rec.Pid, rec.MmStructPid)

	// The fd and its dup share one file description: exactly one canonical
	// record for our file, marked shared. Other fds of the test binary may
	// legitimately live on the same device (go test's own temp files), so
	// the check is scoped to our path.
	var canonical *kcmpreg.FdRecord
	for _, fd := range reg.Fd.All() {
		payload, ok := fd.Payload.(FdPayload)
		require.True(t, ok)
		if payload.Target == filepath.Join(dir, "data") {
			require.Nil(t, canonical, "dup'd fd must not create a second canonical record")
			canonical = fd
		}
	}
	require.NotNil(t, canonical)
	require.True(t, canonical.Shared)
	require.Len(t, canonical.Refs, 2, "both the fd and its dup must be recorded for splicing")
	for _, ref := range canonical.Refs {
		require.Equal(t, os.Getpid(), ref.Pid)
	}
}

func TestReadVMAs(t *testing.T) {
	vmas, err := readVMAs(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, vmas)

	sawExec := false
	for rng, v := range vmas {
		_, _, ok := parseMapRange(rng)
		require.True(t, ok, "key %q must be a map_files-style address range", rng)
		if v.prot&unix.PROT_EXEC != 0 {
			sawExec = true
		}
	}
	require.True(t, sawExec, "a running binary has at least one executable mapping")
}

func TestUnixSocketPaths(t *testing.T) {
	// Socket paths have a ~108 byte limit; keep it short.
	dir, err := os.MkdirTemp("/tmp", "usock")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "s")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	paths, err := unixSocketPaths()
	require.NoError(t, err)

	found := false
	for _, p := range paths {
		if p == path {
			found = true
			break
		}
	}
	require.True(t, found, "bound socket %s should appear in /proc/net/unix", path)
}
