// Package orchestrator drives the end-to-end resource swap (spec.md 4.6):
// lock, freeze, mount swap, inventory, thaw, seize, inject, release, unlock.
//
// Grounded on original_source/manager/replace.c's replace_resources /
// __replace_resources / do_replace_resources three-function shape: lock+
// freeze outside, namespace-bound work happening while frozen, thaw right
// before seize, unconditional release/thaw/unlock on every exit path.
package orchestrator

import (
	"os"
	"runtime"

	"github.com/pkg/errors"

	"github.com/mihalicyn/spfsmgr/internal/execwrap"
	"github.com/mihalicyn/spfsmgr/internal/freezer"
	"github.com/mihalicyn/spfsmgr/internal/inject"
	"github.com/mihalicyn/spfsmgr/internal/inventory"
	"github.com/mihalicyn/spfsmgr/internal/kcmpreg"
	"github.com/mihalicyn/spfsmgr/internal/mlog"
	"github.com/mihalicyn/spfsmgr/internal/nsfd"
	"github.com/mihalicyn/spfsmgr/internal/target"
)

// Job drives one replacement from IDLE to DONE or ABORTED.
//
// Design deviation from the original (see DESIGN.md for the full writeup):
// replace_resources joins the target PID namespace and forks before
// inventorying, because a setns(CLONE_NEWPID) only takes effect for children
// created afterwards, and the original needs /proc to show the container's
// own virtual pid tree. This engine instead reads every /proc/<pid>/* entry
// directly by the real (global) pid reported in the freezer's cgroup.procs —
// valid as long as the manager itself runs in the host's root pid namespace,
// the only deployment this package supports. That removes the need for a
// dedicated pid-namespace fork. The mount swap runs in a forked execwrap
// helper that joins the container's mount namespace itself; the mount and
// net namespace joins needed for /proc path and unix-socket-peer validity
// during inventory (and again before seize) are done in place on a locked OS
// thread, since setns(CLONE_NEWNS) and setns(CLONE_NEWNET) — unlike PID —
// take effect for the calling thread immediately.
type Job struct {
	Target  *target.ReplacementTarget
	Freezer *freezer.Controller

	state    State
	registry *kcmpreg.Registry
	records  []*inventory.ProcessRecord
	tracees  []*inject.Tracee
}

// New builds a Job for t. t.Container must be set; the freezer cgroup it
// names is what gets locked and frozen.
func New(t *target.ReplacementTarget) (*Job, error) {
	if t.Container == nil {
		return nil, errors.New("replacement target has no container context")
	}
	return &Job{
		Target:  t,
		Freezer: freezer.New(t.Container.FreezerCgroupPath),
		state:   IDLE,
	}, nil
}

// State reports the job's current node in the state machine.
func (j *Job) State() State { return j.state }

func (j *Job) transition(s State) {
	mlog.Debug("job %s: %s -> %s", j.Target.MountID, j.state, s)
	j.state = s
}

// Run executes the whole state machine. On any failure it best-effort
// unwinds whatever was set up (releases seized tracees, thaws and unlocks
// the cgroup, restores the manager's own namespaces) and leaves the job in
// ABORTED, matching spec.md 4.6's "any state -> ABORTED: best-effort release,
// thaw, unlock; return earliest error".
func (j *Job) Run() (err error) {
	defer func() {
		if err != nil {
			j.transition(ABORTED)
			mlog.Error("job %s aborted: %v", j.Target.MountID, err)
		}
	}()

	if j.Target.Container.CgroupPath != "" {
		if err = execwrap.JoinCgroup(j.Target.Container.CgroupPath); err != nil {
			return errors.Wrap(err, "move manager into container cgroup")
		}
	}
	j.transition(PREPARED)

	ownNS, err := nsfd.Open(os.Getpid())
	if err != nil {
		return errors.Wrap(err, "open own namespaces")
	}
	defer ownNS.Close()

	targetNS, err := nsfd.Open(j.Target.Container.NSPid)
	if err != nil {
		return errors.Wrap(err, "open target namespaces")
	}
	defer targetNS.Close()

	if err = j.Freezer.Lock(); err != nil {
		return errors.Wrap(err, "lock freezer cgroup")
	}
	locked := true
	defer func() {
		if locked {
			if uerr := j.Freezer.Unlock(); uerr != nil {
				mlog.Error("job %s: unlock freezer cgroup: %v", j.Target.MountID, uerr)
			}
		}
	}()

	if err = j.Freezer.Freeze(); err != nil {
		return errors.Wrap(err, "freeze cgroup")
	}
	j.transition(FROZEN)

	// Once frozen, thaw is attempted unconditionally on every unwind path
	// that didn't reach the normal pre-seize thaw (spec.md section 7). This
	// defer is registered before the namespace joins below, so by the time
	// it runs the manager is back in its own mount namespace, where the
	// freezer cgroup path resolves.
	thawed := false
	defer func() {
		if !thawed {
			if terr := j.Freezer.Thaw(); terr != nil {
				mlog.Error("job %s: thaw on unwind: %v", j.Target.MountID, terr)
			}
		}
	}()

	// CTX_MOUNTED: mount swap runs in a forked child inside the container's
	// mount namespace (spec.md 4.6), strictly before inventory ("ordering
	// guarantees": mount swap precedes resource swap) and while still
	// frozen, so nothing can race the unmount/remount with a fork or open()
	// of its own. The child is an execwrap helper re-exec that joins the
	// target mnt namespace itself and exits with an errno-valued status.
	if err = j.mountSwapPhase(targetNS); err != nil {
		return err
	}
	j.transition(CTXMounted)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// INVENTORIED: join the container's mount namespace (for /proc path
	// validity) and its net namespace (needed to resolve unix-socket peers
	// the same way the container's own processes would), read the frozen
	// task list, and build the inventory. The user namespace is
	// deliberately left alone so /proc/<pid>/map_files stays readable
	// (spec.md 4.6 rationale). These joins happen in place on the locked
	// thread: the registry and process records must live in this process.
	if err = targetNS.SetNamespaces(target.Mask(target.NSMount, target.NSNet)); err != nil {
		return errors.Wrap(err, "join target namespaces for inventory")
	}
	inTargetMnt := true
	defer func() {
		if inTargetMnt {
			if rerr := ownNS.SetNamespaces(target.Mask(target.NSMount, target.NSNet)); rerr != nil {
				mlog.Error("job %s: restore own namespaces: %v", j.Target.MountID, rerr)
			}
		}
	}()

	if err = j.inventoryPhase(); err != nil {
		return err
	}

	if err = ownNS.SetNamespaces(target.Mask(target.NSMount, target.NSNet)); err != nil {
		return errors.Wrap(err, "revert to own namespace before thaw")
	}
	inTargetMnt = false

	// THAWED_FOR_SEIZE: the freezer cgroup path resolves through the host's
	// cgroupfs, so thaw happens from the manager's own namespace; seize then
	// requires re-entering the target's mnt+net namespaces, since the
	// tracer's namespace must match the tracee's for ptrace to work across a
	// mount/net namespace boundary in the general case.
	if err = j.Freezer.Thaw(); err != nil {
		return errors.Wrap(err, "thaw cgroup before seize")
	}
	thawed = true

	if err = targetNS.SetNamespaces(target.Mask(target.NSMount, target.NSNet)); err != nil {
		return errors.Wrap(err, "rejoin target namespaces before seize")
	}
	inTargetMnt = true

	if err = j.seizePhase(); err != nil {
		return err
	}
	defer j.releasePhase()

	if err = j.injectPhase(); err != nil {
		return err
	}
	j.transition(SWAPPED)

	j.releasePhase()
	j.transition(RELEASED)

	if err = ownNS.SetNamespaces(target.Mask(target.NSMount, target.NSNet)); err != nil {
		return errors.Wrap(err, "restore own namespaces before returning")
	}
	inTargetMnt = false

	// RELEASED -> DONE: re-freeze is not required; only unlock (spec.md 4.6).
	if err = j.Freezer.Unlock(); err != nil {
		return errors.Wrap(err, "unlock freezer cgroup")
	}
	locked = false

	j.transition(DONE)
	return nil
}

// inventoryPhase reads the frozen cgroup's task list and builds the process
// inventory. Caller must already be joined to the target's mnt+net
// namespaces.
func (j *Job) inventoryPhase() error {
	pids, err := j.Freezer.Tasks()
	if err != nil {
		return errors.Wrap(err, "read frozen cgroup tasks")
	}
	if len(pids) == 0 {
		return errors.New("frozen cgroup has no tasks")
	}

	matcher, err := inventory.NewStubMatcher(pids[0], j.Target)
	if err != nil {
		return errors.Wrap(err, "resolve stub device")
	}

	j.registry = kcmpreg.New()
	records, err := inventory.Build(pids, matcher, j.registry)
	if err != nil {
		return errors.Wrap(err, "build process inventory")
	}
	j.records = records
	j.transition(INVENTORIED)
	return nil
}

// seizePhase ptrace-seizes every process the inventory recorded,
// skipping processes already marked Seized (defensive against Run being
// retried, though Run is documented single-shot per job).
func (j *Job) seizePhase() error {
	for _, rec := range j.records {
		if rec.Seized {
			continue
		}
		t, err := inject.Seize(rec.Pid)
		if err != nil {
			return errors.Wrapf(err, "seize pid %d", rec.Pid)
		}
		rec.Seized = true
		j.tracees = append(j.tracees, t)
	}
	j.transition(ThawedForSeize)
	return nil
}

// injectPhase walks every canonical fd and mapping the inventory collected
// and fixes it up in its owning tracee.
func (j *Job) injectPhase() error {
	byPid := make(map[int]*inject.Tracee, len(j.tracees))
	for _, t := range j.tracees {
		byPid[t.Pid()] = t
	}

	// Singletons first (spec.md section 5, ordering guarantee 3): the
	// fs_struct fixup runs exactly once, on the canonical owner, and
	// propagates to every CLONE_FS sharer. Chroot precedes chdir since
	// chroot leaves the working directory untouched.
	for _, rec := range j.records {
		if rec.FsStructPid != rec.Pid {
			continue
		}
		t, ok := byPid[rec.Pid]
		if !ok {
			continue
		}
		if rec.RootTarget != "" {
			if err := t.RemoteChroot(rec.RootTarget); err != nil {
				return errors.Wrapf(err, "chroot fixup in pid %d", rec.Pid)
			}
		}
		if rec.CwdTarget != "" {
			if err := t.RemoteChdir(rec.CwdTarget); err != nil {
				return errors.Wrapf(err, "chdir fixup in pid %d", rec.Pid)
			}
		}
	}

	for _, fd := range j.registry.Fd.All() {
		if err := fixupFd(byPid, fd); err != nil {
			return err
		}
	}

	for _, m := range j.registry.Mapping.All() {
		if err := fixupMapping(byPid, m); err != nil {
			return err
		}
	}

	if n := j.registry.Fifo.Len(); n > 0 {
		mlog.Debug("job %s: %d named pipes scheduled for replacement", j.Target.MountID, n)
	}
	if n := j.registry.UnixSock.Len(); n > 0 {
		mlog.Debug("job %s: %d unix socket inodes recorded for the injector", j.Target.MountID, n)
	}

	return nil
}

// fixupFd re-opens the real filesystem's file at the fd's recorded path and
// splices it in over the stub-referencing fd in every process that holds
// it, matching spec.md 4.8's open+dup2 sequence. The registry's canonical
// entry deduplicates nothing here except the payload: a description shared
// across independent fd tables (plain fork without CLONE_FILES) must be
// spliced once per holding process, since dup2 only rewrites one fd table.
// Within one process the replacement is opened once and dup2'd over every
// fd number referencing the description. The injected open targets the
// same path the fd already resolves to, since the real filesystem is
// already mounted at the stub's mountpoint by the time this phase runs.
func fixupFd(byPid map[int]*inject.Tracee, fd *kcmpreg.FdRecord) error {
	payload, ok := fd.Payload.(inventory.FdPayload)
	if !ok {
		return errors.Errorf("fd record for pid %d fd %d has unexpected payload type %T", fd.Pid, fd.Fd, fd.Payload)
	}

	var pids []int
	fdsByPid := make(map[int][]int)
	for _, ref := range fd.Refs {
		if _, seen := fdsByPid[ref.Pid]; !seen {
			pids = append(pids, ref.Pid)
		}
		fdsByPid[ref.Pid] = append(fdsByPid[ref.Pid], ref.Fd)
	}

	for _, pid := range pids {
		t, ok := byPid[pid]
		if !ok {
			return errors.Errorf("no seized tracee for pid %d holding %s", pid, payload.Target)
		}
		newFd, err := t.RemoteOpen(payload.Target, 0, 0)
		if err != nil {
			return errors.Wrapf(err, "open replacement for %s in pid %d", payload.Target, pid)
		}
		closeNew := true
		for _, oldFd := range fdsByPid[pid] {
			if oldFd == newFd {
				// The open landed on the fd being replaced; it already is
				// the replacement, and must not be closed below.
				closeNew = false
				continue
			}
			if err := t.RemoteDup2(newFd, oldFd); err != nil {
				t.RemoteClose(newFd)
				return errors.Wrapf(err, "dup2 fd %d in pid %d", oldFd, pid)
			}
		}
		if closeNew {
			if err := t.RemoteClose(newFd); err != nil {
				return errors.Wrapf(err, "close scratch fd in pid %d", pid)
			}
		}
	}
	return nil
}

// fixupMapping re-points every VMA that collapsed onto a canonical mapping
// record at the real file. The record's (path, flags) key is global across
// processes, so its Refs span every mm_struct that mapped the path; each
// one is remapped in its own tracee at its own address range, with its own
// protection, sharing mode, and file offset. Processes sharing an mm_struct
// via CLONE_VM were never re-walked, so each ref's owner is a canonical mm
// owner and one mmap(MAP_FIXED) there is visible to all its sharers.
func fixupMapping(byPid map[int]*inject.Tracee, m *kcmpreg.MappingRecord) error {
	for _, raw := range m.Refs {
		payload, ok := raw.(inventory.MapPayload)
		if !ok {
			return errors.Errorf("mapping record %q has unexpected payload type %T", m.Path, raw)
		}
		t, ok := byPid[payload.Pid]
		if !ok {
			return errors.Errorf("no seized tracee for pid %d mapping %q", payload.Pid, m.Path)
		}
		length := uintptr(payload.End - payload.Start)
		if err := t.RemoteRemapFile(payload.Path, uintptr(payload.Start), length,
			payload.Prot, payload.MapShared, uintptr(payload.Offset)); err != nil {
			return errors.Wrapf(err, "remap mapping %q in pid %d", payload.Path, payload.Pid)
		}
	}
	return nil
}

// releasePhase detaches every seized tracee, best-effort (log and
// continue), matching replace.c's release_processes behavior of reporting
// but not aborting on individual detach failures.
func (j *Job) releasePhase() {
	for _, t := range j.tracees {
		if err := t.Release(); err != nil {
			mlog.Error("job %s: release pid %d: %v", j.Target.MountID, t.Pid(), err)
		}
	}
	j.tracees = nil
}
