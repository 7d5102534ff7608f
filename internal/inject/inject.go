// Package inject implements the Injection Façade (spec.md 4.8): seizing a
// tracee with ptrace(2), running arbitrary remote syscalls in it by
// overwriting its next instruction with a `syscall` opcode and single-
// stepping it, and detaching cleanly afterwards so the tracee resumes
// exactly where it left off.
//
// Grounded on the remote-syscall technique in gvisor's ptrace subprocess
// (see other_examples' gvisor-ligolo pkg/sentry/platform/ptrace file): save
// the tracee's registers and the code word at its current rip, write a
// two-byte `syscall` instruction there, set the registers for the call
// being injected, single-step across it, then restore both the original
// code and the original registers. amd64-only, since that's the only arch
// the teacher's own container code assumes (cmd/minimega/container.go never
// special-cases arch either).
package inject

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// syscallInstr is the two-byte amd64 `syscall` opcode (0f 05).
var syscallInstr = [2]byte{0x0f, 0x05}

// Tracee is a seized process ready to have remote syscalls injected into
// it.
type Tracee struct {
	pid int
}

// Seize attaches to pid with PTRACE_SEIZE, which — unlike PTRACE_ATTACH —
// does not generate a spurious SIGSTOP, then stops the tracee with
// PTRACE_INTERRUPT and waits for that stop, so the returned Tracee is ready
// for RemoteSyscall. The cgroup containing pid must already be thawed: the
// orchestrator thaws right before its seize phase, since a frozen task
// cannot reach the ptrace stop.
func Seize(pid int) (*Tracee, error) {
	if err := unix.PtraceSeize(pid); err != nil {
		return nil, errors.Wrapf(err, "ptrace seize pid %d", pid)
	}
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_INTERRUPT, uintptr(pid), 0, 0, 0, 0); errno != 0 {
		unix.PtraceDetach(pid)
		return nil, errors.Wrapf(errno, "ptrace interrupt pid %d", pid)
	}
	if err := waitStopped(pid); err != nil {
		return nil, err
	}
	return &Tracee{pid: pid}, nil
}

// Release detaches from the tracee, leaving it running (or frozen, if the
// cgroup is still frozen) exactly as it would have been had it never been
// traced.
func (t *Tracee) Release() error {
	if err := unix.PtraceDetach(t.pid); err != nil {
		return errors.Wrapf(err, "ptrace detach pid %d", t.pid)
	}
	return nil
}

// Pid returns the tracee's pid.
func (t *Tracee) Pid() int { return t.pid }

// RemoteSyscall injects a single syscall into the tracee and returns its
// return value (following the kernel convention: a negative value in
// [-4095, -1] indicates -errno). The tracee's registers and the
// instruction word at its current rip are saved and restored around the
// call, so from the tracee's perspective nothing changed except for
// whatever side effect the injected call had (spec.md 4.8: "the tracee's
// own register/instruction-pointer state is restored exactly after every
// injected call").
//
// The calling goroutine must stay on the same OS thread as any other
// RemoteSyscall call sequence on the same tracee that depends on ordering;
// callers needing that guarantee should runtime.LockOSThread themselves.
func (t *Tracee) RemoteSyscall(nr uintptr, args ...uintptr) (uintptr, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var a [6]uintptr
	copy(a[:], args)

	var savedRegs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &savedRegs); err != nil {
		return 0, errors.Wrapf(err, "getregs pid %d", t.pid)
	}

	var savedCode [8]byte
	if _, err := unix.PtracePeekText(t.pid, uintptr(savedRegs.Rip), savedCode[:]); err != nil {
		return 0, errors.Wrapf(err, "peektext pid %d", t.pid)
	}

	newCode := savedCode
	copy(newCode[:2], syscallInstr[:])
	if _, err := unix.PtracePokeText(t.pid, uintptr(savedRegs.Rip), newCode[:]); err != nil {
		return 0, errors.Wrapf(err, "poketext pid %d", t.pid)
	}
	defer func() {
		unix.PtracePokeText(t.pid, uintptr(savedRegs.Rip), savedCode[:])
	}()

	callRegs := savedRegs
	callRegs.Rax = uint64(nr)
	callRegs.Rdi = uint64(a[0])
	callRegs.Rsi = uint64(a[1])
	callRegs.Rdx = uint64(a[2])
	callRegs.R10 = uint64(a[3])
	callRegs.R8 = uint64(a[4])
	callRegs.R9 = uint64(a[5])
	if err := unix.PtraceSetRegs(t.pid, &callRegs); err != nil {
		return 0, errors.Wrapf(err, "setregs (call) pid %d", t.pid)
	}

	if err := unix.PtraceSingleStep(t.pid); err != nil {
		return 0, errors.Wrapf(err, "singlestep (enter) pid %d", t.pid)
	}
	if err := waitStopped(t.pid); err != nil {
		return 0, err
	}

	var afterRegs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &afterRegs); err != nil {
		return 0, errors.Wrapf(err, "getregs (after syscall) pid %d", t.pid)
	}
	ret := uintptr(afterRegs.Rax)

	if err := unix.PtraceSetRegs(t.pid, &savedRegs); err != nil {
		return ret, errors.Wrapf(err, "setregs (restore) pid %d", t.pid)
	}

	return ret, nil
}

func waitStopped(pid int) error {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, 0, nil)
		if err != nil {
			return errors.Wrapf(err, "wait4 pid %d", pid)
		}
		if wpid != pid {
			continue
		}
		if ws.Stopped() {
			return nil
		}
		if ws.Exited() || ws.Signaled() {
			return errors.Errorf("tracee pid %d died during injected syscall (status %v)", pid, ws)
		}
	}
}
