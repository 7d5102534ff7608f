package mountswap

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/target"
)

func stubMount(t *testing.T, failures []error) (*[]time.Duration, *int) {
	t.Helper()

	var slept []time.Duration
	attempts := 0

	origSleep, origMount := sleep, mountFn
	sleep = func(d time.Duration) { slept = append(slept, d) }
	mountFn = func(source, dest, fstype string, flags uintptr, data string) error {
		attempts++
		if attempts <= len(failures) {
			return failures[attempts-1]
		}
		return nil
	}
	t.Cleanup(func() {
		sleep, mountFn = origSleep, origMount
	})
	return &slept, &attempts
}

func testTarget() *target.ReplacementTarget {
	return &target.ReplacementTarget{
		MountID:    "sid",
		RealSource: "server:/export",
		FSType:     "nfs",
	}
}

// TestRetrySchedule verifies spec.md scenario C and testable property 4:
// two transient failures produce retries after 1s then 2s, then success.
func TestRetrySchedule(t *testing.T) {
	slept, attempts := stubMount(t, []error{unix.EPROTONOSUPPORT, unix.EPROTONOSUPPORT})

	err := mountRealFS(testTarget(), "/dest")
	require.NoError(t, err)
	require.Equal(t, 3, *attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

// TestRetryBackoffCap verifies the delay doubles from 1s and never exceeds
// 32s no matter how many transient failures occur.
func TestRetryBackoffCap(t *testing.T) {
	failures := make([]error, 8)
	for i := range failures {
		failures[i] = unix.EPERM
	}
	slept, _ := stubMount(t, failures)

	err := mountRealFS(testTarget(), "/dest")
	require.NoError(t, err)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 32 * time.Second, 32 * time.Second,
	}
	require.Equal(t, want, *slept)
}

// TestFatalErrno verifies any errno other than EPROTONOSUPPORT/EPERM stops
// the retry loop immediately.
func TestFatalErrno(t *testing.T) {
	slept, attempts := stubMount(t, []error{unix.ENODEV})

	err := mountRealFS(testTarget(), "/dest")
	require.Error(t, err)
	require.True(t, errors.Is(err, unix.ENODEV))
	require.Equal(t, 1, *attempts)
	require.Empty(t, *slept)
}

func TestIsTransientMountErr(t *testing.T) {
	require.True(t, isTransientMountErr(unix.EPROTONOSUPPORT))
	require.True(t, isTransientMountErr(unix.EPERM))
	require.True(t, isTransientMountErr(errors.Wrap(unix.EPERM, "mount")))
	require.False(t, isTransientMountErr(unix.ENODEV))
	require.False(t, isTransientMountErr(errors.New("not an errno")))
}

func TestBindSource(t *testing.T) {
	for _, tc := range []struct {
		realRoot, mountpoint, path, want string
	}{
		{"/run/m/nfs/mnt", "/mnt/s", "/mnt/s", "/run/m/nfs/mnt"},
		{"/run/m/nfs/mnt", "/mnt/s", "/mnt/s/data", "/run/m/nfs/mnt/data"},
		{"/run/m/nfs/mnt", "/mnt/s/", "/mnt/s/data/sub", "/run/m/nfs/mnt/data/sub"},
	} {
		got := bindSource(tc.realRoot, tc.mountpoint, tc.path)
		require.Equal(t, tc.want, got, "bindSource(%q, %q, %q)", tc.realRoot, tc.mountpoint, tc.path)
	}
}
