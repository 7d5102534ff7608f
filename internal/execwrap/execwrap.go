// Package execwrap implements the Container Execution Helper (spec.md 4.7):
// run a closure as a freshly forked+re-exec'd child that has joined a
// target's namespaces (and, optionally, its cgroup), and collect its exit
// status.
//
// setns(2) only ever changes the calling thread's namespaces, so the join
// cannot be done by the parent reaching into an already-started child (that
// would move the parent, not the child). Instead this mirrors the technique
// runc and Docker use for nsenter: the namespace file descriptors are passed
// across exec via ExtraFiles, and the child — a re-exec of the same binary,
// dispatched by helperCmdEnvVar — joins them itself via JoinSelf before doing
// any real work, exactly the way original_source/manager/context.c's
// join_one_namespace runs inside the already-forked child in replace_resources.
package execwrap

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/nsfd"
	"github.com/mihalicyn/spfsmgr/internal/target"
)

const (
	helperCmdEnvVar     = "SPFSMGR_HELPER_CMD"
	helperMaskEnvVar    = "SPFSMGR_HELPER_NSMASK"
	helperCgroupEnvVar  = "SPFSMGR_HELPER_CGROUP"
	helperNSCountEnvVar = "SPFSMGR_HELPER_NSCOUNT"
	// extraFilesBase is the fd number of the first inherited ExtraFiles
	// entry in the child (0, 1, 2 are stdin/stdout/stderr).
	extraFilesBase = 3
)

// Result is the outcome of one helper run.
type Result struct {
	Pid      int
	ExitCode int
}

// nsOrder is the fixed order namespace fds are passed across exec in, shared
// between Run (parent) and JoinSelf (child).
var nsOrder = []target.NamespaceKind{
	target.NSUser, target.NSMount, target.NSNet,
	target.NSPid, target.NSUTS, target.NSIPC,
}

// Run forks (via re-exec) a copy of the current binary with the namespace
// fds selected by mask inherited as open files, plus cgroupPath to join, and
// cmdName identifying which registered helper entrypoint it should run
// (dispatched by the caller's own cmd/spfsmgr main via JoinSelf). It then
// waits for the child to exit.
func Run(ns *nsfd.Set, mask target.NamespaceMask, cgroupPath string, cmdName string, args []string) (*Result, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "resolve own executable")
	}

	extra, err := ns.FilesForMask(mask, nsOrder)
	if err != nil {
		return nil, errors.Wrap(err, "collect namespace fds for helper")
	}

	cmd := exec.Command(self, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extra
	cmd.Env = append(os.Environ(),
		helperCmdEnvVar+"="+cmdName,
		helperMaskEnvVar+"="+strconv.Itoa(int(mask)),
		helperCgroupEnvVar+"="+cgroupPath,
		helperNSCountEnvVar+"="+strconv.Itoa(len(extra)),
	)
	// Cloneflags is intentionally unset: namespace entry happens via setns
	// against inherited fds inside the child, not via clone(2) flags,
	// because the target namespaces belong to an already-running process
	// (spec.md 4.3), not ones this call should create fresh.
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start helper %s", cmdName)
	}

	err = cmd.Wait()
	res := &Result{Pid: cmd.Process.Pid}
	if err == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, errors.Errorf("helper %s exited with status %d", cmdName, res.ExitCode)
	}
	return nil, errors.Wrapf(err, "wait for helper %s", cmdName)
}

// IsHelperProcess reports whether the current process was started by Run
// and should dispatch via JoinSelf instead of running the normal manager
// entrypoint.
func IsHelperProcess() bool {
	_, ok := os.LookupEnv(helperCmdEnvVar)
	return ok
}

// JoinSelf reads the environment Run set, reconstructs the inherited
// namespace fds, joins every namespace in the mask (and, if set, the target
// cgroup) in the calling thread, and returns the helper command name the
// caller should now dispatch to. It must be called before the process
// spawns additional goroutines that might land on a different OS thread;
// callers should run it from an init-style call wrapped in
// runtime.LockOSThread, same as runc's nsenter join.
func JoinSelf() (cmdName string, err error) {
	cmdName = os.Getenv(helperCmdEnvVar)
	if cmdName == "" {
		return "", errors.New("not a helper process: " + helperCmdEnvVar + " unset")
	}

	maskRaw := os.Getenv(helperMaskEnvVar)
	maskInt, err := strconv.Atoi(maskRaw)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s=%q", helperMaskEnvVar, maskRaw)
	}
	mask := target.NamespaceMask(maskInt)

	countRaw := os.Getenv(helperNSCountEnvVar)
	count, err := strconv.Atoi(countRaw)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s=%q", helperNSCountEnvVar, countRaw)
	}

	files := make(map[target.NamespaceKind]*os.File, count)
	idx := 0
	for _, k := range nsOrder {
		if !mask.Has(k) {
			continue
		}
		if idx >= count {
			return "", errors.Errorf("namespace mask wants %s but only %d fds were inherited", k, count)
		}
		fd := extraFilesBase + idx
		files[k] = os.NewFile(uintptr(fd), fmt.Sprintf("ns-%s", k))
		idx++
	}

	if err := nsfd.SetNamespacesFromFiles(files, nsOrder); err != nil {
		return "", errors.Wrap(err, "join inherited namespaces")
	}

	if cgroupPath := os.Getenv(helperCgroupEnvVar); cgroupPath != "" {
		if err := JoinCgroup(cgroupPath); err != nil {
			return "", err
		}
	}

	return cmdName, nil
}

// JoinCgroup appends the calling process's pid to cgroupPath's process list,
// trying the unified-hierarchy file name first and falling back to the
// legacy one, matching how original_source/manager/context.c moves itself
// into the "ve:/" VEID cgroup (SPEC_FULL.md section 12). Exported so the
// orchestrator's own PREPARED transition (spec.md 4.6: "move self into the
// ve:/ control group") can reuse it without forking — that move applies to
// the manager process itself, not a helper child.
func JoinCgroup(cgroupPath string) error {
	pid := strconv.Itoa(os.Getpid())
	for _, name := range []string{"cgroup.procs", "tasks"} {
		p := cgroupPath + "/" + name
		f, err := os.OpenFile(p, os.O_WRONLY, 0)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "join cgroup via %s", p)
		}
		_, err = f.Write([]byte(pid))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "join cgroup via %s", p)
		}
		return nil
	}
	return errors.Errorf("neither cgroup.procs nor tasks found under %s", cgroupPath)
}

// ResetChildSignals restores default SIGCHLD/SIGPIPE disposition in a
// freshly forked child before it does any work, matching replace.c's
// explicit signal(SIGCHLD, SIG_DFL) after fork — Go's runtime otherwise
// holds SIGCHLD internally for its own scheduler use.
func ResetChildSignals() {
	signal.Reset(unix.SIGCHLD, unix.SIGPIPE)
}

// WaitAny reaps the next exited child without blocking, used by the control
// socket's SIGCHLD handler (spec.md section 6, original_source/manager/
// context.c's sigchld_handler).
func WaitAny() (pid int, exited bool, status syscall.WaitStatus, err error) {
	var ws syscall.WaitStatus
	p, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
	if err != nil {
		if errors.Is(err, syscall.ECHILD) {
			return 0, false, ws, nil
		}
		return 0, false, ws, errors.Wrap(err, "wait4")
	}
	if p == 0 {
		return 0, false, ws, nil
	}
	return p, true, ws, nil
}
