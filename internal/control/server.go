// Package control implements the manager's control surface (spec.md section
// 6): the SOCK_SEQPACKET request socket and its dispatcher, the stub-set
// bookkeeping, and the SIGCHLD reaper. The resource-replacement core is
// invoked from here but lives in internal/orchestrator.
//
// Grounded on sandia-minimega-minimega/cmd/minimega/command_socket.go
// (accept loop, per-connection goroutine, request/response framing) and
// original_source/manager/context.c (configure()'s socket bootstrap,
// sigchld_handler, VEID).
package control

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/mlog"
	"github.com/mihalicyn/spfsmgr/internal/orchestrator"
	"github.com/mihalicyn/spfsmgr/internal/target"
)

// veCgroupRoot is where OpenVZ-like kernels expose per-VE cgroups; with
// VEID set, jobs move the manager under it before freezer operations.
const veCgroupRoot = "/sys/fs/cgroup/ve"

// Config carries the server's startup options, resolved by cmd/spfsmgr from
// its flags.
type Config struct {
	WorkDir      string
	SocketPath   string
	ExitWithStub bool
}

// Server owns the control socket and the stub set.
type Server struct {
	cfg   Config
	veid  string
	stubs *StubSet
	ln    *net.UnixListener

	// runJob is the orchestrator entry, swappable in tests.
	runJob func(*target.ReplacementTarget) error
}

// New builds a Server. VEID is read once here, not per-request
// (SPEC_FULL.md section 12).
func New(cfg Config) *Server {
	return &Server{
		cfg:   cfg,
		veid:  os.Getenv("VEID"),
		stubs: NewStubSet(),
		runJob: func(t *target.ReplacementTarget) error {
			job, err := orchestrator.New(t)
			if err != nil {
				return err
			}
			return job.Run()
		},
	}
}

// Stubs exposes the stub set for the reaper.
func (s *Server) Stubs() *StubSet { return s.stubs }

// Start binds the seqpacket socket and begins accepting requests. A
// pre-existing socket path is refused as stale, matching configure()'s
// access(socket_path, X_OK) check in the original.
func (s *Server) Start() error {
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		return errors.Errorf("socket %s already exists. Stale?", s.cfg.SocketPath)
	}

	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unixpacket"})
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.SocketPath)
	}
	s.ln = ln

	go func() {
		for {
			conn, err := ln.AcceptUnix()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				mlog.Error("control socket accept: %v", err)
				continue
			}
			mlog.Debug("control client connected")
			go s.handle(conn)
		}
	}()
	return nil
}

// Close stops accepting and unlinks the socket (spec.md section 6:
// "cleanup on process exit unlinks the socket").
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	os.Remove(s.cfg.SocketPath)
	return err
}

// peerPid reads the connecting process's pid via SO_PEERCRED, so a stub
// registering itself with a mount request is matched to its process for
// the reaper without trusting the request body.
func peerPid(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0
	}
	var pid int
	raw.Control(func(fd uintptr) {
		if cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
			pid = int(cred.Pid)
		}
	})
	return pid
}

// handle serves one connection: one request per packet, one status-line
// reply per request.
func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()

	pid := peerPid(conn)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				mlog.Error("control socket read: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		status := s.dispatch(string(buf[:n]), pid)
		if _, err := conn.Write([]byte(strconv.Itoa(status) + "\n")); err != nil {
			mlog.Error("control socket reply: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(line string, peer int) int {
	req, err := parseRequest(line)
	if err != nil {
		mlog.Error("bad control request %q: %v", strings.TrimSpace(line), err)
		return -int(unix.EINVAL)
	}

	switch r := req.(type) {
	case *mountRequest:
		return s.handleMount(r, peer)
	case *replaceRequest:
		return s.handleReplace(r)
	case *manageRequest:
		return s.handleManage(r)
	default:
		return -int(unix.EINVAL)
	}
}

// handleMount records a stub instance. Actually mounting the stub
// filesystem is the stub's own job (spec.md section 1 puts it out of
// scope); the manager only needs the bookkeeping for later manage and
// replace requests.
func (s *Server) handleMount(r *mountRequest, peer int) int {
	info := &StubInfo{
		ID:         r.ID,
		FSType:     r.FSType,
		Flags:      r.Flags,
		Source:     r.Source,
		Options:    r.Options,
		Mountpoint: optionValue(r.Options, "mountpoint"),
		SocketPath: optionValue(r.Options, "socket"),
		Pid:        peer,
	}
	if binds := optionValue(r.Options, "bindmounts"); binds != "" {
		info.BindPaths = strings.Split(binds, ":")
	}

	if err := s.stubs.Add(info); err != nil {
		mlog.Error("register stub %s: %v", r.ID, err)
		return errnoStatus(err)
	}
	mlog.Info("registered stub %s at %q (pid %d)", r.ID, info.Mountpoint, peer)
	return 0
}

// handleManage attaches a freezer cgroup and namespace pid to a registered
// stub.
func (s *Server) handleManage(r *manageRequest) int {
	info, ok := s.stubs.Get(r.ID)
	if !ok {
		mlog.Error("manage: unknown stub %s", r.ID)
		return -int(unix.ENOENT)
	}
	info.FreezerCgroupPath = r.FreezerCgroupPath
	info.NSPid = r.NSPid
	mlog.Info("stub %s managed: freezer=%s ns_pid=%d", r.ID, r.FreezerCgroupPath, r.NSPid)
	return 0
}

// handleReplace builds a ReplacementTarget from the stub's accumulated
// state and runs the orchestrator synchronously; the connection goroutine
// blocks until the swap finishes, so the reply carries the job's real
// outcome. Jobs on different cgroups proceed in parallel on their own
// connections; the freezer lock serializes jobs on the same one (spec.md
// 4.6).
func (s *Server) handleReplace(r *replaceRequest) int {
	info, ok := s.stubs.Get(r.ID)
	if !ok {
		mlog.Error("replace: unknown stub %s", r.ID)
		return -int(unix.ENOENT)
	}
	if info.Mountpoint == "" || info.FreezerCgroupPath == "" || info.NSPid == 0 {
		mlog.Error("replace: stub %s not fully configured (mountpoint=%q freezer=%q ns_pid=%d)",
			r.ID, info.Mountpoint, info.FreezerCgroupPath, info.NSPid)
		return -int(unix.EINVAL)
	}

	t := &target.ReplacementTarget{
		MountID:         r.ID,
		StubMountpoint:  info.Mountpoint,
		BindPaths:       info.BindPaths,
		SourceMountPath: info.Mountpoint,
		RealSource:      r.Source,
		FSType:          r.FSType,
		MountFlags:      r.Flags,
		MountOptions:    r.Options,
		WorkDir:         s.cfg.WorkDir,
		StubSocketPath:  info.SocketPath,
		Container: &target.ContainerContext{
			NSPid:             info.NSPid,
			FreezerCgroupPath: info.FreezerCgroupPath,
			ContainerID:       s.veid,
		},
	}
	if s.veid != "" {
		t.Container.CgroupPath = filepath.Join(veCgroupRoot, s.veid)
	}

	if err := s.runJob(t); err != nil {
		mlog.Error("replace %s: %v", r.ID, err)
		return errnoStatus(err)
	}
	mlog.Info("replace %s done", r.ID)
	return 0
}
