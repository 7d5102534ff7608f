// Package mountswap implements Mount Swap (spec.md 4.5): staging the real
// filesystem under the work dir, lazily unmounting the stub's mountpoint(s),
// and bind-mounting the real filesystem over each, retrying the initial
// mount on transient module-loading races.
//
// Grounded on sandia-minimega-minimega/cmd/minimega/container.go's
// overlayUnmount (retry-on-busy shape) and mkdirMount/containerMountVolumes
// (bind-mount-per-path shape), plus mount.h's mount_loop contract from
// original_source.
package mountswap

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/mount"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/mlog"
	"github.com/mihalicyn/spfsmgr/internal/target"
)

// maxBackoff is the cap on the retry delay named in spec.md 4.5 and
// testable property 4.
const maxBackoff = 32 * time.Second

// stagingTmpfsOpts sizes the per-job staging tmpfs (spec.md section 6:
// "a tmpfs of size 1 MiB is mounted here first").
const stagingTmpfsOpts = "size=1m"

// sleep and mountFn are overridable in tests so the exponential-backoff
// property can be verified without waiting up to 32 seconds or actually
// mounting anything.
var (
	sleep   = time.Sleep
	mountFn = unix.Mount
)

// isTransientMountErr reports whether err is one of the two errnos spec.md
// 4.5 and 7 call out as transient module-loading races.
func isTransientMountErr(err error) bool {
	return errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EPERM)
}

// mountRealFS mounts the real filesystem at dest, retrying indefinitely
// with capped exponential backoff (1s, 2s, 4s, ... capped at 32s) on
// EPROTONOSUPPORT/EPERM. Any other errno is fatal.
func mountRealFS(t *target.ReplacementTarget, dest string) error {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := mountFn(t.RealSource, dest, t.FSType, t.MountFlags, t.MountOptions)
		if err == nil {
			return nil
		}
		if !isTransientMountErr(err) {
			return errors.Wrapf(err, "mount %s at %s", t.FSType, dest)
		}

		mlog.Warn("transient mount error on %s (attempt %d): %v; retrying in %s", dest, attempt, err, backoff)
		sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// stageRealFS prepares <WorkDir>/<FSType>/ per spec.md section 6: a 1 MiB
// tmpfs is mounted there, then the real filesystem is mounted under it at
// mnt/. Returns the real mount's root.
func stageRealFS(t *target.ReplacementTarget) (string, error) {
	stage := filepath.Join(t.WorkDir, t.FSType)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return "", errors.Wrapf(err, "create staging dir %s", stage)
	}
	if err := mount.Mount("tmpfs", stage, "tmpfs", stagingTmpfsOpts); err != nil {
		return "", errors.Wrapf(err, "mount staging tmpfs at %s", stage)
	}

	realRoot := filepath.Join(stage, "mnt")
	if err := os.MkdirAll(realRoot, 0o755); err != nil {
		return "", errors.Wrapf(err, "create real mount root %s", realRoot)
	}
	if err := mountRealFS(t, realRoot); err != nil {
		return "", err
	}
	return realRoot, nil
}

// proxyHandle is the O_DIRECTORY handle kept open across the swap so the
// stub's mountpoint isn't lazily reaped while its bind-mounts are replaced
// (spec.md 4.5).
type proxyHandle struct {
	f *os.File
}

func openProxyHandle(mountpoint string) (*proxyHandle, error) {
	f, err := os.OpenFile(mountpoint, unix.O_DIRECTORY|os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open proxy handle on %s", mountpoint)
	}
	return &proxyHandle{f: f}, nil
}

func (p *proxyHandle) close() {
	if p.f != nil {
		p.f.Close()
	}
}

// sendProxyMode tells the stub, over its own control socket, to proxy any
// syscalls that still arrive at the old mountpoint through to proxyDir
// until every process has been redirected (spec.md 4.5's SPFS_PROXY_MODE
// message). The stub's socket protocol is external; the message is the same
// newline-framed text the manager's own socket speaks.
func sendProxyMode(socketPath, proxyDir string) error {
	conn, err := net.DialTimeout("unixpacket", socketPath, 5*time.Second)
	if err != nil {
		return errors.Wrapf(err, "dial stub control socket %s", socketPath)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("mode proxy " + proxyDir + "\n")); err != nil {
		return errors.Wrapf(err, "send proxy mode to %s", socketPath)
	}
	return nil
}

// bindSource maps a stub path p (StubMountpoint itself or a bind path
// rooted at it) to the equivalent path under realRoot.
func bindSource(realRoot, stubMountpoint, p string) string {
	rel := strings.TrimPrefix(p, strings.TrimRight(stubMountpoint, "/"))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return realRoot
	}
	return filepath.Join(realRoot, rel)
}

// Swap performs the mount swap for t inside the container's mount
// namespace: stage the real filesystem under the work dir, hold the stub
// mountpoint open, put the stub into proxy mode, then for every path in
// append(t.StubMountpoint, t.BindPaths...) lazily unmount and bind-mount
// the equivalent real path over it. Ordering follows spec.md 4.5 exactly.
func Swap(t *target.ReplacementTarget) error {
	realRoot, err := stageRealFS(t)
	if err != nil {
		return err
	}

	proxy, err := openProxyHandle(t.StubMountpoint)
	if err != nil {
		return err
	}
	defer proxy.close()

	if t.StubSocketPath != "" {
		if err := sendProxyMode(t.StubSocketPath, realRoot); err != nil {
			return err
		}
	}

	paths := append([]string{t.StubMountpoint}, t.BindPaths...)
	for _, p := range paths {
		src := bindSource(realRoot, t.StubMountpoint, p)
		if err := lazyUnmount(p); err != nil {
			return errors.Wrapf(err, "unmount %s", p)
		}
		if err := mount.Mount(src, p, "", "bind"); err != nil {
			return errors.Wrapf(err, "bind %s over %s", src, p)
		}
		mlog.Info("swapped mount %s -> %s", p, src)
	}
	return nil
}

// lazyUnmount detaches path with MNT_DETACH so in-flight references keep
// working until dropped, matching umount2(path, MNT_DETACH) in spec.md
// section 6. moby/sys/mount doesn't expose lazy-unmount flags, so this goes
// straight to the syscall, same as the teacher's raw syscall.Unmount calls.
func lazyUnmount(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		if errors.Is(err, unix.EINVAL) {
			// Not a mountpoint (nothing mounted there yet); proceed as if
			// already unmounted, matching the teacher's overlayUnmount
			// tolerance of ENOENT/EINVAL on a fresh target.
			return nil
		}
		return err
	}
	return nil
}
