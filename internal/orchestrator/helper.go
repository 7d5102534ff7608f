package orchestrator

import (
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/execwrap"
	"github.com/mihalicyn/spfsmgr/internal/mlog"
	"github.com/mihalicyn/spfsmgr/internal/mountswap"
	"github.com/mihalicyn/spfsmgr/internal/nsfd"
	"github.com/mihalicyn/spfsmgr/internal/target"
)

// HelperMountSwap names the execwrap helper entrypoint that performs the
// mount swap inside the container's mount namespace. cmd/spfsmgr dispatches
// to MountSwapHelper when a re-exec'd child reports this name.
const HelperMountSwap = "mount-swap"

// mountSwapPhase serializes the job's target and runs the mount swap in a
// forked helper child that has joined the container's mount namespace,
// collecting its errno-valued exit status (spec.md 4.7: 0..255 mapped to
// negative errno).
func (j *Job) mountSwapPhase(targetNS *nsfd.Set) error {
	payload, err := json.Marshal(j.Target)
	if err != nil {
		return errors.Wrap(err, "encode replacement target for helper")
	}

	res, err := execwrap.Run(targetNS, target.Mask(target.NSMount), "",
		HelperMountSwap, []string{string(payload)})
	if err != nil {
		if res != nil && res.ExitCode > 0 {
			return errors.Wrapf(unix.Errno(res.ExitCode), "mount swap in container mount namespace")
		}
		return errors.Wrap(err, "run mount swap helper")
	}
	return nil
}

// MountSwapHelper is the child-side entrypoint for HelperMountSwap: decode
// the target from argv and perform the swap, returning an errno-valued exit
// code. The caller (cmd/spfsmgr's helper dispatch) has already joined the
// container's mount namespace via execwrap.JoinSelf and reset SIGCHLD.
func MountSwapHelper(args []string) int {
	if len(args) != 1 {
		mlog.Error("mount swap helper wants exactly one argument, got %d", len(args))
		return int(unix.EINVAL)
	}
	var t target.ReplacementTarget
	if err := json.Unmarshal([]byte(args[0]), &t); err != nil {
		mlog.Error("mount swap helper: decode target: %v", err)
		return int(unix.EINVAL)
	}
	if err := mountswap.Swap(&t); err != nil {
		mlog.Error("mount swap helper: %v", err)
		return int(errnoOf(err))
	}
	return 0
}

// errnoOf extracts the closest errno from err for exit-status propagation,
// defaulting to EIO when the cause carries no errno.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
