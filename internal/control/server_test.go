package control

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/target"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()

	// Unix socket paths are limited to ~108 bytes; t.TempDir can exceed
	// that under deep build dirs.
	dir, err := os.MkdirTemp("/tmp", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv := New(Config{WorkDir: dir, SocketPath: filepath.Join(dir, "m.sock")})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv, srv.cfg.SocketPath
}

func roundTrip(t *testing.T, conn net.Conn, req string) string {
	t.Helper()
	_, err := conn.Write([]byte(req + "\n"))
	require.NoError(t, err)

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return strings.TrimSpace(string(buf[:n]))
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unixpacket", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMountManageReplace(t *testing.T) {
	srv, path := startServer(t)

	targets := make(chan *target.ReplacementTarget, 1)
	srv.runJob = func(tt *target.ReplacementTarget) error {
		targets <- tt
		return nil
	}

	conn := dial(t, path)

	require.Equal(t, "0", roundTrip(t, conn,
		"mount sid spfs 0 spfs-src mountpoint=/mnt/s,bindmounts=/mnt/s/a:/mnt/s/b,socket=/run/s.sock"))
	require.Equal(t, "0", roundTrip(t, conn, "manage sid machine.slice/ct1 1234"))
	require.Equal(t, "0", roundTrip(t, conn, "replace sid nfs 0 server:/export vers=3"))

	gotTarget := <-targets
	require.NotNil(t, gotTarget)
	require.Equal(t, "sid", gotTarget.MountID)
	require.Equal(t, "/mnt/s", gotTarget.StubMountpoint)
	require.Equal(t, []string{"/mnt/s/a", "/mnt/s/b"}, gotTarget.BindPaths)
	require.Equal(t, "server:/export", gotTarget.RealSource)
	require.Equal(t, "nfs", gotTarget.FSType)
	require.Equal(t, "vers=3", gotTarget.MountOptions)
	require.Equal(t, "/run/s.sock", gotTarget.StubSocketPath)
	require.Equal(t, srv.cfg.WorkDir, gotTarget.WorkDir)
	require.NotNil(t, gotTarget.Container)
	require.Equal(t, 1234, gotTarget.Container.NSPid)
	require.Equal(t, "machine.slice/ct1", gotTarget.Container.FreezerCgroupPath)
}

func TestMountRecordsPeerPid(t *testing.T) {
	srv, path := startServer(t)
	conn := dial(t, path)

	require.Equal(t, "0", roundTrip(t, conn, "mount sid spfs 0 src mountpoint=/mnt/s"))

	info, ok := srv.Stubs().Get("sid")
	require.True(t, ok)
	require.Equal(t, os.Getpid(), info.Pid, "SO_PEERCRED should see the test process")
}

func TestDuplicateMount(t *testing.T) {
	_, path := startServer(t)
	conn := dial(t, path)

	require.Equal(t, "0", roundTrip(t, conn, "mount sid spfs 0 src mountpoint=/mnt/s"))
	require.Equal(t, "-17", roundTrip(t, conn, "mount sid spfs 0 src mountpoint=/mnt/s"),
		"second mount of the same id is -EEXIST")
}

func TestReplaceErrors(t *testing.T) {
	srv, path := startServer(t)
	srv.runJob = func(*target.ReplacementTarget) error { return unix.ESRCH }
	conn := dial(t, path)

	require.Equal(t, "-2", roundTrip(t, conn, "replace nosuch nfs 0 server:/export"),
		"unknown stub is -ENOENT")

	require.Equal(t, "0", roundTrip(t, conn, "mount sid spfs 0 src mountpoint=/mnt/s"))
	require.Equal(t, "-22", roundTrip(t, conn, "replace sid nfs 0 server:/export"),
		"replace before manage is -EINVAL")

	require.Equal(t, "0", roundTrip(t, conn, "manage sid machine.slice/ct1 1234"))
	require.Equal(t, "-3", roundTrip(t, conn, "replace sid nfs 0 server:/export"),
		"job error surfaces as its negative errno")
}

func TestBadRequests(t *testing.T) {
	_, path := startServer(t)
	conn := dial(t, path)

	require.Equal(t, "-22", roundTrip(t, conn, "bogus"))
	require.Equal(t, "-22", roundTrip(t, conn, "manage sid"))
	require.Equal(t, "-2", roundTrip(t, conn, "manage nosuch cg 1"))
}

func TestStaleSocketRefused(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "ctl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "m.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	srv := New(Config{WorkDir: dir, SocketPath: path})
	err = srv.Start()
	require.Error(t, err)
	require.Contains(t, err.Error(), "Stale")
}

func TestCloseUnlinksSocket(t *testing.T) {
	srv, path := startServer(t)
	require.NoError(t, srv.Close())

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "socket should be unlinked on close")
}
