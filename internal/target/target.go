// Package target holds the data model shared across the replacement engine
// (spec.md section 3): the ReplacementTarget job description, the container
// context it runs against, and the namespace kind/mask vocabulary consumed
// by internal/nsfd and internal/execwrap.
//
// Grounded on original_source/manager/context.c's spfs_manager_context_s and
// mount.h's mount_info_s field layout, expressed as plain Go structs.
package target

// NamespaceKind names one of the six namespaces the engine can open and
// join. The String form is the /proc/<pid>/ns entry name, matching
// context.c's get_namespace_type table.
type NamespaceKind int

const (
	NSUser NamespaceKind = iota
	NSMount
	NSNet
	NSPid
	NSUTS
	NSIPC

	// NSKindCount sizes fixed per-kind arrays (nsfd.Set's handle table).
	NSKindCount
)

func (k NamespaceKind) String() string {
	switch k {
	case NSUser:
		return "user"
	case NSMount:
		return "mnt"
	case NSNet:
		return "net"
	case NSPid:
		return "pid"
	case NSUTS:
		return "uts"
	case NSIPC:
		return "ipc"
	default:
		return "unknown"
	}
}

// NamespaceMask selects a subset of namespace kinds for a join, mirroring
// the NS_*_MASK bit constants in the original's namespaces.h.
type NamespaceMask int

// Mask builds a NamespaceMask from the given kinds.
func Mask(kinds ...NamespaceKind) NamespaceMask {
	var m NamespaceMask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

// Has reports whether k is selected by the mask.
func (m NamespaceMask) Has(k NamespaceKind) bool {
	return m&(1<<uint(k)) != 0
}

// ContainerContext keys a job to one container: the namespaces to enter
// (identified by a pid whose /proc/<pid>/ns entries are opened), the freezer
// cgroup to stabilize it with, and an optional cgroup the manager itself
// must move into first (the ve:/ group on OpenVZ-like kernels).
type ContainerContext struct {
	// NSPid is the pid whose namespaces identify the container; handles
	// are opened from /proc/<NSPid>/ns at job start and remain valid even
	// if that process exits (spec.md section 3, NamespaceHandleSet).
	NSPid int

	// FreezerCgroupPath is the container's cgroup in the freezer
	// hierarchy, relative to the hierarchy root.
	FreezerCgroupPath string

	// CgroupPath, when non-empty, is an absolute cgroup directory the
	// manager joins during IDLE -> PREPARED (the VEID-driven ve:/ move).
	CgroupPath string

	// ContainerID is an opaque identifier carried for diagnostics only.
	ContainerID string
}

// ReplacementTarget describes one whole job: which stub mount to replace,
// what to mount in its stead, and the container context to do it in. It is
// created by the control socket and dropped when the orchestrator returns.
type ReplacementTarget struct {
	// MountID is the stub instance's identifier from the control protocol.
	MountID string

	// StubMountpoint is the stub's primary mountpoint path, as seen inside
	// the container's mount namespace.
	StubMountpoint string

	// BindPaths are additional bind-mount paths rooted at StubMountpoint
	// that must also be switched to the replacement.
	BindPaths []string

	// SourceMountPath / SourceDevice identify the stub mount for the
	// inventory's fd/mapping filter; at most one is required (the richer
	// replace variant, SPEC_FULL.md section 12). SourceDevice is a raw
	// dev_t; zero means unset.
	SourceMountPath string
	SourceDevice    uint64

	// RealSource, FSType, MountFlags, MountOptions describe the real
	// filesystem mount that replaces the stub.
	RealSource   string
	FSType       string
	MountFlags   uintptr
	MountOptions string

	// WorkDir is the manager's work directory; the real mount is staged
	// under <WorkDir>/<FSType>/ (spec.md section 6).
	WorkDir string

	// StubSocketPath, when non-empty, is the stub's own control socket;
	// the mount swap sends it the proxy-mode message before detaching the
	// stub's mountpoint (spec.md 4.5).
	StubSocketPath string

	// Container is the context the job runs against. Required.
	Container *ContainerContext
}
