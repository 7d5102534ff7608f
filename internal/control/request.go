package control

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Request kinds accepted on the control socket (spec.md section 6). Every
// request is one newline-framed text line inside one seqpacket; every
// request yields exactly one status-line reply: "0" or a negative errno.
type (
	// mountRequest installs a stub: mount <mount_id> <fstype> <flags>
	// <source> [options]. The stub filesystem itself is an external
	// collaborator; the manager records the instance for later manage /
	// replace requests. The stub's mountpoint travels in the options
	// field as mountpoint=<path> since the framing has no dedicated slot
	// for it; any bindmounts=<p1:p2:...> key lists the additional paths.
	mountRequest struct {
		ID      string
		FSType  string
		Flags   uintptr
		Source  string
		Options string
	}

	// replaceRequest triggers the core: replace <mount_id> <fstype>
	// <flags> <source> [options].
	replaceRequest struct {
		ID      string
		FSType  string
		Flags   uintptr
		Source  string
		Options string
	}

	// manageRequest attaches a job to a freezer cgroup: manage <mount_id>
	// <freezer_cgroup_path> <ns_pid>.
	manageRequest struct {
		ID                string
		FreezerCgroupPath string
		NSPid             int
	}
)

func parseMountArgs(args []string) (id, fstype string, flags uintptr, source, options string, err error) {
	if len(args) < 4 || len(args) > 5 {
		return "", "", 0, "", "", errors.Errorf("want 4 or 5 arguments, got %d", len(args))
	}
	raw, err := strconv.ParseUint(args[2], 0, 64)
	if err != nil {
		return "", "", 0, "", "", errors.Wrapf(err, "parse mount flags %q", args[2])
	}
	if len(args) == 5 {
		options = args[4]
	}
	return args[0], args[1], uintptr(raw), args[3], options, nil
}

// parseRequest splits one request line into its typed form. Unknown verbs
// and malformed arguments both surface as errors the dispatcher maps to
// -EINVAL.
func parseRequest(line string) (interface{}, error) {
	fields := strings.Fields(strings.TrimSuffix(line, "\n"))
	if len(fields) == 0 {
		return nil, errors.New("empty request")
	}

	verb, args := fields[0], fields[1:]
	switch verb {
	case "mount":
		id, fstype, flags, source, options, err := parseMountArgs(args)
		if err != nil {
			return nil, errors.Wrap(err, "mount request")
		}
		return &mountRequest{ID: id, FSType: fstype, Flags: flags, Source: source, Options: options}, nil

	case "replace":
		id, fstype, flags, source, options, err := parseMountArgs(args)
		if err != nil {
			return nil, errors.Wrap(err, "replace request")
		}
		return &replaceRequest{ID: id, FSType: fstype, Flags: flags, Source: source, Options: options}, nil

	case "manage":
		if len(args) != 3 {
			return nil, errors.Errorf("manage request: want 3 arguments, got %d", len(args))
		}
		pid, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, errors.Wrapf(err, "manage request: parse ns pid %q", args[2])
		}
		return &manageRequest{ID: args[0], FreezerCgroupPath: args[1], NSPid: pid}, nil

	default:
		return nil, errors.Errorf("unknown request verb %q", verb)
	}
}

// optionValue extracts key=value from a comma-separated options string.
func optionValue(options, key string) string {
	for _, opt := range strings.Split(options, ",") {
		if v, ok := strings.CutPrefix(opt, key+"="); ok {
			return v
		}
	}
	return ""
}

// errnoStatus maps an error to the control protocol's negative-errno status
// line value: 0 for nil, -errno when one is in the chain, -EIO otherwise.
func errnoStatus(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}
