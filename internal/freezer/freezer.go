// Package freezer implements the Freezer Controller (spec.md 4.4): locking,
// freezing, thawing, and unlocking a freezer cgroup, and reading its task
// list.
//
// Grounded on sandia-minimega-minimega/cmd/minimega/container.go's
// freeze()/thaw() (write freezer.state) and the lock/freeze/.../thaw/unlock
// ordering in original_source/manager/replace.c's replace_resources. The
// cgroup1 state machine itself is delegated to containerd/cgroups/v3, which
// already polls freezer.state until it stabilizes (spec.md 4.4: "freeze_cgroup
// writes FROZEN and polls until the state stabilizes"). The advisory lock
// flag is spec-specific — cgroupfs doesn't allow creating arbitrary regular
// files inside a cgroup directory — so it is a flock(2)'d file kept
// alongside the manager's own state, one per cgroup path.
package freezer

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// State mirrors the freezer.state values (spec.md section 3).
type State int

const (
	THAWED State = iota
	FREEZING
	FROZEN
)

func (s State) String() string {
	switch s {
	case THAWED:
		return "THAWED"
	case FREEZING:
		return "FREEZING"
	default:
		return "FROZEN"
	}
}

// Controller is a FreezerCgroup: a path in the freezer hierarchy plus an
// advisory lock guarding concurrent freeze operations on that cgroup.
type Controller struct {
	path     string
	lockPath string

	lockFile *os.File
	cg       cgroup1.Cgroup
}

// locksDir is where advisory lock files are kept, one per cgroup path. It is
// set once at startup from the manager's work dir.
var (
	locksDirMu sync.Mutex
	locksDir   = os.TempDir()
)

// SetLocksDir overrides where advisory lock files are created; normally
// called once with the manager's work dir during startup.
func SetLocksDir(dir string) {
	locksDirMu.Lock()
	defer locksDirMu.Unlock()
	locksDir = dir
}

func lockFileName(cgroupPath string) string {
	locksDirMu.Lock()
	dir := locksDir
	locksDirMu.Unlock()

	sanitized := strings.ReplaceAll(strings.Trim(cgroupPath, "/"), "/", "_")
	if sanitized == "" {
		sanitized = "root"
	}
	return filepath.Join(dir, "freezer-"+sanitized+".lock")
}

func openLockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

// New returns a Controller for the freezer cgroup at path (relative to the
// freezer hierarchy root, as accepted by cgroup1.StaticPath).
func New(path string) *Controller {
	return &Controller{
		path:     path,
		lockPath: lockFileName(path),
	}
}

// Lock acquires the advisory lock for this cgroup, blocking until it is
// available. Per spec.md invariant 2, every successful Lock is matched by
// exactly one Unlock before the orchestrator returns, on every path.
func (c *Controller) Lock() error {
	f, err := openLockFile(c.lockPath)
	if err != nil {
		return errors.Wrapf(err, "open lock file %s", c.lockPath)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return errors.Wrapf(err, "flock %s", c.lockPath)
	}
	c.lockFile = f
	return nil
}

// Unlock releases the advisory lock. Unlock is idempotent: calling it
// without a held lock is a no-op, matching the "best-effort unlock on every
// ABORTED path" requirement in spec.md 4.6.
func (c *Controller) Unlock() error {
	if c.lockFile == nil {
		return nil
	}
	err := unix.Flock(int(c.lockFile.Fd()), unix.LOCK_UN)
	c.lockFile.Close()
	c.lockFile = nil
	return err
}

func (c *Controller) load() (cgroup1.Cgroup, error) {
	if c.cg != nil {
		return c.cg, nil
	}
	cg, err := cgroup1.Load(cgroup1.StaticPath(c.path))
	if err != nil {
		return nil, errors.Wrapf(err, "load freezer cgroup %s", c.path)
	}
	c.cg = cg
	return cg, nil
}

// Freeze writes FROZEN and waits for the state to stabilize. Repeated
// freezes on an already-frozen cgroup are a no-op (spec.md testable property
// 3), which cgroup1.Cgroup.Freeze already provides.
func (c *Controller) Freeze() error {
	cg, err := c.load()
	if err != nil {
		return err
	}
	if err := cg.Freeze(); err != nil {
		return errors.Wrapf(err, "freeze cgroup %s", c.path)
	}
	return nil
}

// Thaw writes THAWED. Per SPEC_FULL.md section 12, the bare literal is
// written (no trailing NUL); cgroup1.Cgroup.Thaw already does this.
func (c *Controller) Thaw() error {
	cg, err := c.load()
	if err != nil {
		return err
	}
	if err := cg.Thaw(); err != nil {
		return errors.Wrapf(err, "thaw cgroup %s", c.path)
	}
	return nil
}

// Tasks returns every pid currently listed in the cgroup's cgroup.procs
// file, as seen from the calling process's pid namespace (the orchestrator
// calls it from the host's root pid namespace, so these are global pids).
// Only thread-group ids are returned; the per-thread ids of the tasks file
// are not read.
func (c *Controller) Tasks() ([]int, error) {
	cg, err := c.load()
	if err != nil {
		return nil, err
	}
	procs, err := cg.Processes(cgroup1.Freezer, false)
	if err != nil {
		return nil, errors.Wrapf(err, "read tasks of %s", c.path)
	}
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)
	}
	return pids, nil
}

// State reads the literal current freezer.state value from the cgroup v1
// freezer hierarchy mounted at /sys/fs/cgroup/freezer.
func (c *Controller) State() (State, error) {
	raw, err := os.ReadFile(filepath.Join("/sys/fs/cgroup/freezer", c.path, "freezer.state"))
	if err != nil {
		return 0, errors.Wrapf(err, "read freezer.state of %s", c.path)
	}
	switch strings.TrimSpace(string(raw)) {
	case "THAWED":
		return THAWED, nil
	case "FREEZING":
		return FREEZING, nil
	case "FROZEN":
		return FROZEN, nil
	default:
		return 0, errors.Errorf("unrecognized freezer.state %q", string(raw))
	}
}

// parsePid parses one line of a raw tasks listing; ParseTasks calls it for
// every non-blank line.
func parsePid(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// ParseTasks splits a newline-delimited tasks listing into pids, skipping
// blank lines. This is the shape collect_processes in
// original_source/manager/replace.c consumes (cgroup_pids(fg, &pids)).
func ParseTasks(raw string) ([]int, error) {
	lines := strings.Split(raw, "\n")
	pids := make([]int, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		pid, err := parsePid(l)
		if err != nil {
			return nil, errors.Wrapf(err, "parse task pid %q", l)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
