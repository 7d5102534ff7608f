package inject

import (
	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// redZoneSize is how far below the tracee's stack pointer scratch memory
// (path strings, small buffers) is written. amd64's System V ABI reserves a
// 128-byte red zone below rsp that no signal handler may clobber; staying
// within it means no stack adjustment is needed before the injected call.
const redZoneSize = 128

// writeCString null-terminates s and pokes it into the tracee's red zone,
// returning the address it was written at. The string (plus NUL) must fit
// within redZoneSize, which comfortably covers every path this engine
// injects (mount ids, bind targets, proc paths).
func (t *Tracee) writeCString(regs *unix.PtraceRegs, s string) (uintptr, error) {
	buf := append([]byte(s), 0)
	if len(buf) > redZoneSize {
		return 0, errors.Errorf("string %q too long to inject (%d bytes)", s, len(buf))
	}
	addr := uintptr(regs.Rsp) - redZoneSize
	if _, err := unix.PtracePokeText(t.pid, addr, buf); err != nil {
		return 0, errors.Wrapf(err, "poke scratch string into pid %d", t.pid)
	}
	return addr, nil
}

// currentRegs is a small helper so the *String injectors below don't each
// need their own GetRegs/error-handling boilerplate before calling
// writeCString.
func (t *Tracee) currentRegs() (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return regs, errors.Wrapf(err, "getregs pid %d", t.pid)
	}
	return regs, nil
}

// RemoteOpen injects open(path, flags, mode) into the tracee and returns
// the fd it opened (spec.md 4.8's "open the real source path inside the
// tracee's mount namespace, without ever changing the manager's own
// working directory or fd table").
func (t *Tracee) RemoteOpen(path string, flags int, mode uint32) (int, error) {
	regs, err := t.currentRegs()
	if err != nil {
		return -1, err
	}
	addr, err := t.writeCString(&regs, path)
	if err != nil {
		return -1, err
	}
	ret, err := t.RemoteSyscall(unix.SYS_OPEN, addr, uintptr(flags), uintptr(mode))
	if err != nil {
		return -1, err
	}
	if isErrno(ret) {
		return -1, errnoFromRet(ret)
	}
	return int(ret), nil
}

// RemoteClose injects close(fd).
func (t *Tracee) RemoteClose(fd int) error {
	ret, err := t.RemoteSyscall(unix.SYS_CLOSE, uintptr(fd))
	if err != nil {
		return err
	}
	if isErrno(ret) {
		return errnoFromRet(ret)
	}
	return nil
}

// RemoteDup2 injects dup2(oldfd, newfd), used to splice a freshly opened fd
// over a stub-referencing one at the exact descriptor number the tracee was
// using it at (spec.md 4.8's core operation).
func (t *Tracee) RemoteDup2(oldfd, newfd int) error {
	ret, err := t.RemoteSyscall(unix.SYS_DUP2, uintptr(oldfd), uintptr(newfd))
	if err != nil {
		return err
	}
	if isErrno(ret) {
		return errnoFromRet(ret)
	}
	return nil
}

// RemoteChdir injects chdir(path), used to fix up a process whose cwd
// (fs_struct) pointed inside the stub (spec.md 4.8).
func (t *Tracee) RemoteChdir(path string) error {
	regs, err := t.currentRegs()
	if err != nil {
		return err
	}
	addr, err := t.writeCString(&regs, path)
	if err != nil {
		return err
	}
	ret, err := t.RemoteSyscall(unix.SYS_CHDIR, addr)
	if err != nil {
		return err
	}
	if isErrno(ret) {
		return errnoFromRet(ret)
	}
	return nil
}

// RemoteChroot injects chroot(path), used to fix up a process whose root
// (also part of fs_struct) pointed inside the stub.
func (t *Tracee) RemoteChroot(path string) error {
	regs, err := t.currentRegs()
	if err != nil {
		return err
	}
	addr, err := t.writeCString(&regs, path)
	if err != nil {
		return err
	}
	ret, err := t.RemoteSyscall(unix.SYS_CHROOT, addr)
	if err != nil {
		return err
	}
	if isErrno(ret) {
		return errnoFromRet(ret)
	}
	return nil
}

// RemoteMremap injects mremap(oldAddr, oldSize, newSize, flags), used to
// re-point a memory mapping that was backed by a stub file (spec.md 4.8's
// mapping-fixup case, the one operation that can't be done with dup2 since
// mappings have no fd to splice).
func (t *Tracee) RemoteMremap(oldAddr uintptr, oldSize, newSize uintptr, flags int) (uintptr, error) {
	ret, err := t.RemoteSyscall(unix.SYS_MREMAP, oldAddr, oldSize, newSize, uintptr(flags))
	if err != nil {
		return 0, err
	}
	if isErrno(ret) {
		return 0, errnoFromRet(ret)
	}
	return ret, nil
}

// RemoteRemapFile re-points an existing file-backed mapping [addr, addr+len)
// at a freshly opened replacement file, by mmap(MAP_FIXED)-ing the new fd
// over the same address range and closing it again (the mapping keeps the
// fd's underlying file reference, not the fd itself). This is the actual
// primitive behind the spec's "mremap" fixup for mappings: mremap(2) itself
// can only move or resize a region, it cannot rebind which file backs it,
// so MAP_FIXED is what performs the rebind while leaving the tracee's own
// view of the address unchanged (spec.md 4.8). prot, shared, and offset
// reproduce the original VMA's /proc/<pid>/maps line: a read-only segment
// stays read-only, a private mapping stays private, and the file is opened
// for writing only when a shared writable mapping actually needs it.
func (t *Tracee) RemoteRemapFile(path string, addr, length uintptr, prot int, shared bool, offset uintptr) error {
	regs, err := t.currentRegs()
	if err != nil {
		return err
	}
	pathAddr, err := t.writeCString(&regs, path)
	if err != nil {
		return err
	}

	openFlags := unix.O_RDONLY
	mapFlags := unix.MAP_FIXED | unix.MAP_PRIVATE
	if shared {
		mapFlags = unix.MAP_FIXED | unix.MAP_SHARED
		if prot&unix.PROT_WRITE != 0 {
			openFlags = unix.O_RDWR
		}
	}

	fdRet, err := t.RemoteSyscall(unix.SYS_OPEN, pathAddr, uintptr(openFlags))
	if err != nil {
		return err
	}
	if isErrno(fdRet) {
		return errnoFromRet(fdRet)
	}
	fd := int(fdRet)
	defer t.RemoteClose(fd)

	mapRet, err := t.RemoteSyscall(unix.SYS_MMAP, addr, length, uintptr(prot),
		uintptr(mapFlags), fdRet, offset)
	if err != nil {
		return err
	}
	if isErrno(mapRet) {
		return errnoFromRet(mapRet)
	}
	if mapRet != addr {
		return errors.Errorf("remap landed at %#x, expected %#x", mapRet, addr)
	}
	return nil
}

// isErrno reports whether a raw syscall return value encodes -errno, per
// the kernel's "ret in [-4095, -1]" convention (no syscall this engine
// injects returns a pointer anywhere near that range except mremap, which
// is handled the same way since MAP_FAILED-style negative returns don't
// occur for mremap on amd64 in practice).
func isErrno(ret uintptr) bool {
	v := int64(ret)
	return v >= -4095 && v <= -1
}

func errnoFromRet(ret uintptr) error {
	return unix.Errno(-int64(ret))
}
