package control

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/execwrap"
	"github.com/mihalicyn/spfsmgr/internal/mlog"
)

// StubInfo is the manager's record of one installed stub instance,
// accumulated across mount (install) and manage (freezer attach) requests.
// Mirrors mount_info_s + spfs_info_s from original_source/manager/mount.h.
type StubInfo struct {
	ID         string
	FSType     string
	Flags      uintptr
	Source     string
	Options    string
	Mountpoint string
	BindPaths  []string

	// SocketPath is the stub's own control socket, taken from the mount
	// request's socket=<path> option; the mount swap sends the proxy-mode
	// message there.
	SocketPath string

	// Pid is the stub process, learned from SO_PEERCRED on the connection
	// that registered it; the SIGCHLD reaper matches terminations against
	// it.
	Pid int

	// FreezerCgroupPath and NSPid arrive with the manage request.
	FreezerCgroupPath string
	NSPid             int
}

// StubSet is the process-wide synchronized stub map (spec.md section 9:
// "the only truly process-wide data is the SIGCHLD-driven stub map, which
// can be a single synchronized container").
type StubSet struct {
	mu   sync.Mutex
	byID map[string]*StubInfo
}

func NewStubSet() *StubSet {
	return &StubSet{byID: make(map[string]*StubInfo)}
}

// Add registers info; a second stub with the same id is refused.
func (s *StubSet) Add(info *StubInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[info.ID]; ok {
		return unix.EEXIST
	}
	s.byID[info.ID] = info
	return nil
}

// Get looks up a stub by id.
func (s *StubSet) Get(id string) (*StubInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byID[id]
	return info, ok
}

// RemoveByPid drops and returns the stub whose process is pid, if any.
func (s *StubSet) RemoveByPid(pid int) *StubInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, info := range s.byID {
		if info.Pid != 0 && info.Pid == pid {
			delete(s.byID, id)
			return info
		}
	}
	return nil
}

// Empty reports whether no stubs remain.
func (s *StubSet) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID) == 0
}

// Len reports the number of registered stubs.
func (s *StubSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// StartReaper installs the SIGCHLD-driven reaper (spec.md section 5 signal
// discipline): terminations are drained with WNOHANG, matched against the
// stub set, and — when exitWithStub is configured — the whole manager exits
// once the stub set empties, matching sigchld_handler in
// original_source/manager/context.c. exit is parameterized for tests.
func StartReaper(set *StubSet, exitWithStub bool, exit func(int)) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, unix.SIGCHLD)

	go func() {
		for range ch {
			for {
				pid, exited, status, err := execwrap.WaitAny()
				if err != nil {
					mlog.Error("reaper: %v", err)
					break
				}
				if !exited {
					break
				}
				if status.Exited() {
					mlog.Info("%d exited, status=%d", pid, status.ExitStatus())
				} else if status.Signaled() {
					mlog.Error("%d killed by signal %d", pid, status.Signal())
				}
				if info := set.RemoveByPid(pid); info != nil {
					mlog.Info("stub %s (pid %d) is gone", info.ID, pid)
					if exitWithStub && set.Empty() {
						mlog.Info("stub set is empty, exiting")
						exit(0)
					}
				}
			}
		}
	}()
}
