package inventory

import (
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/target"
)

// StubMatcher decides whether a given path (or its backing device) belongs
// to the stub mount being replaced. Per spec.md 4.2 step 4, this is done "by
// matching either mountpoint path resolution or dev_t on stat" — here both
// reduce to a single device-number comparison: if a mountpoint path is
// given, it is first resolved to its device via /proc/<pid>/mountinfo (using
// github.com/moby/sys/mountinfo), and if a raw device is given it is used
// directly.
type StubMatcher struct {
	dev uint64
}

// NewStubMatcher builds a matcher for t, resolved against pid's mount
// namespace (the pid must already have joined the target's mnt namespace,
// per the CTX_MOUNTED -> INVENTORIED transition in spec.md 4.6).
func NewStubMatcher(pid int, t *target.ReplacementTarget) (*StubMatcher, error) {
	if t.SourceDevice != 0 {
		return &StubMatcher{dev: t.SourceDevice}, nil
	}
	if t.SourceMountPath == "" {
		return nil, errors.New("replacement target has neither SourceMountPath nor SourceDevice")
	}

	mounts, err := mountinfo.PidMountInfo(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "read mountinfo for pid %d", pid)
	}

	clean := strings.TrimRight(t.SourceMountPath, "/")
	for _, m := range mounts {
		if strings.TrimRight(m.Mountpoint, "/") == clean {
			return &StubMatcher{dev: unix.Mkdev(uint32(m.Major), uint32(m.Minor))}, nil
		}
	}
	return nil, errors.Errorf("stub mountpoint %s not found in mountinfo of pid %d", t.SourceMountPath, pid)
}

// MatchesPath stats path and reports whether its device matches the stub.
func (m *StubMatcher) MatchesPath(path string) (bool, unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, st, err
	}
	return st.Dev == m.dev, st, nil
}

// parseSocketInode extracts the inode N out of a readlink target of the
// form "socket:[N]", as found for AF_UNIX fds under /proc/<pid>/fd.
func parseSocketInode(linkTarget string) (uint64, bool) {
	if !strings.HasPrefix(linkTarget, "socket:[") || !strings.HasSuffix(linkTarget, "]") {
		return 0, false
	}
	inner := linkTarget[len("socket:[") : len(linkTarget)-1]
	n, err := strconv.ParseUint(inner, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
