package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/target"
)

func TestNewRequiresContainer(t *testing.T) {
	_, err := New(&target.ReplacementTarget{MountID: "sid"})
	require.Error(t, err)
}

func TestNewStartsIdle(t *testing.T) {
	j, err := New(&target.ReplacementTarget{
		MountID:   "sid",
		Container: &target.ContainerContext{NSPid: 1, FreezerCgroupPath: "machine.slice/ct1"},
	})
	require.NoError(t, err)
	require.Equal(t, IDLE, j.State())
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		IDLE:           "IDLE",
		PREPARED:       "PREPARED",
		FROZEN:         "FROZEN",
		CTXMounted:     "CTX_MOUNTED",
		INVENTORIED:    "INVENTORIED",
		ThawedForSeize: "THAWED_FOR_SEIZE",
		SWAPPED:        "SWAPPED",
		RELEASED:       "RELEASED",
		DONE:           "DONE",
		ABORTED:        "ABORTED",
	}
	for s, name := range want {
		require.Equal(t, name, s.String())
	}
}

func TestMountSwapHelperBadArgs(t *testing.T) {
	require.Equal(t, int(unix.EINVAL), MountSwapHelper(nil))
	require.Equal(t, int(unix.EINVAL), MountSwapHelper([]string{"a", "b"}))
	require.Equal(t, int(unix.EINVAL), MountSwapHelper([]string{"not json"}))
}

func TestTargetRoundTripsThroughHelperPayload(t *testing.T) {
	in := &target.ReplacementTarget{
		MountID:        "sid",
		StubMountpoint: "/mnt/s",
		BindPaths:      []string{"/mnt/s/a"},
		RealSource:     "server:/export",
		FSType:         "nfs",
		MountFlags:     0x1000,
		MountOptions:   "vers=3",
		WorkDir:        "/run/spfsmgr-1",
		Container:      &target.ContainerContext{NSPid: 1234, FreezerCgroupPath: "machine.slice/ct1"},
	}

	payload, err := json.Marshal(in)
	require.NoError(t, err)

	var out target.ReplacementTarget
	require.NoError(t, json.Unmarshal(payload, &out))
	require.Equal(t, in, &out)
}

func TestErrnoOf(t *testing.T) {
	require.Equal(t, unix.ENOENT, errnoOf(unix.ENOENT))
	require.Equal(t, unix.EPERM, errnoOf(errors.Wrap(unix.EPERM, "mount")))
	require.Equal(t, unix.EIO, errnoOf(errors.New("no errno")))
}
