// spfsmgr is the live filesystem-replacement manager: it accepts requests
// on a seqpacket control socket and transparently replaces a stub
// filesystem with a real one inside a running container (spec.md sections
// 1, 2, 6).
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/mihalicyn/spfsmgr/internal/control"
	"github.com/mihalicyn/spfsmgr/internal/execwrap"
	"github.com/mihalicyn/spfsmgr/internal/freezer"
	"github.com/mihalicyn/spfsmgr/internal/mlog"
	"github.com/mihalicyn/spfsmgr/internal/orchestrator"
)

const progname = "spfsmgr"

// daemonEnvVar marks the re-exec'd daemon child so it doesn't fork again.
const daemonEnvVar = "_SPFSMGR_DAEMONIZED"

var (
	f_workDir      = pflag.StringP("work-dir", "w", "", "working directory")
	f_logFile      = pflag.StringP("log", "l", "", "log file")
	f_socketPath   = pflag.StringP("socket-path", "s", "", "interface socket path")
	f_daemonize    = pflag.BoolP("daemon", "d", false, "daemonize")
	f_exitWithStub = pflag.Bool("exit-with-spfs", false, "exit when every stub has exited")
	f_verbose      = pflag.CountP("verbose", "v", "increase verbosity (can be used multiple times)")
	f_help         = pflag.BoolP("help", "h", false, "print this help and exit")
)

func usage() {
	fmt.Printf("usage: %s [options]\n\n", progname)
	pflag.PrintDefaults()
}

func main() {
	// A helper re-exec (execwrap.Run child) dispatches before any flag or
	// work-dir handling: its argv is the helper payload, not manager flags.
	if execwrap.IsHelperProcess() {
		os.Exit(helperMain())
	}

	pflag.Usage = usage
	pflag.Parse()
	if *f_help {
		usage()
		os.Exit(0)
	}

	if *f_daemonize && os.Getenv(daemonEnvVar) == "" {
		daemonize()
	}

	if err := run(); err != nil {
		mlog.Fatal("%v", err)
	}
}

// helperMain runs in a child forked by execwrap.Run: pin the thread, reset
// SIGCHLD so waits don't race the parent's reaper (spec.md 4.7), join the
// inherited namespaces, then dispatch to the named helper entrypoint.
func helperMain() int {
	runtime.LockOSThread()
	execwrap.ResetChildSignals()

	cmdName, err := execwrap.JoinSelf()
	if err != nil {
		mlog.Error("helper join: %v", err)
		return int(unix.EINVAL)
	}

	switch cmdName {
	case orchestrator.HelperMountSwap:
		return orchestrator.MountSwapHelper(os.Args[1:])
	default:
		mlog.Error("unknown helper command %q", cmdName)
		return int(unix.EINVAL)
	}
}

// daemonize re-execs the manager in a fresh session and exits the
// foreground process.
func daemonize() {
	self, err := os.Executable()
	if err != nil {
		mlog.Fatal("daemonize: resolve own executable: %v", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnvVar+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		mlog.Fatal("daemonize: %v", err)
	}
	fmt.Println(cmd.Process.Pid)
	os.Exit(0)
}

// run mirrors configure() in original_source/manager/context.c: resolve the
// work dir (default /run/<progname>-<pid>), chdir into it, resolve socket
// and log paths relative to it, then bring up the reaper and the control
// socket and wait for a termination signal.
func run() error {
	workDir := *f_workDir
	if workDir == "" {
		workDir = fmt.Sprintf("/run/%s-%d", progname, os.Getpid())
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir %s: %w", workDir, err)
	}
	if err := os.Chdir(workDir); err != nil {
		return fmt.Errorf("chdir into %s: %w", workDir, err)
	}

	socketPath := *f_socketPath
	if socketPath == "" {
		socketPath = progname + ".sock"
		mlog.Info("socket path wasn't provided: using %s", socketPath)
	}
	if !filepath.IsAbs(socketPath) {
		socketPath = filepath.Join(workDir, socketPath)
	}

	logFile := *f_logFile
	if logFile == "" {
		logFile = progname + ".log"
		mlog.Info("log path wasn't provided: using %s", logFile)
	}
	if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(workDir, logFile)
	}

	lf, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", logFile, err)
	}
	defer lf.Close()
	mlog.SetOutput(lf)
	mlog.SetVerbosity(*f_verbose)

	freezer.SetLocksDir(workDir)

	srv := control.New(control.Config{
		WorkDir:      workDir,
		SocketPath:   socketPath,
		ExitWithStub: *f_exitWithStub,
	})

	control.StartReaper(srv.Stubs(), *f_exitWithStub, os.Exit)

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()
	mlog.Info("%s listening on %s", progname, socketPath)

	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM, unix.SIGINT)
	sig := <-term
	mlog.Info("caught %v, shutting down", sig)
	return nil
}
