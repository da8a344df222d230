// Package daemon provides pidfile-based process control: run in the
// background, guard against double starts, and stop a running daemon.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultPidfilePath is where the daemon records its pid. One path per
// binary.
const DefaultPidfilePath = "/tmp/quic.pid"

const daemonEnvMarker = "STELLITE_DAEMONIZED"

// Pidfile holds the exclusive lock for a running daemon.
type Pidfile struct {
	file *os.File
	path string
}

// Acquire opens the pidfile, takes an exclusive flock and writes the current
// pid. Fails when another process holds the lock.
func Acquire(path string) (*Pidfile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open pidfile %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, errors.Errorf("pidfile %s is locked, another instance is running", path)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Pidfile{file: f, path: path}, nil
}

// Release drops the lock and removes the file.
func (p *Pidfile) Release() {
	_ = p.file.Close()
	_ = os.Remove(p.path)
}

// ShouldFork reports whether this process still needs to re-exec itself into
// the background. The child carries the env marker and skips the fork.
func ShouldFork() bool {
	return os.Getenv(daemonEnvMarker) == ""
}

// Fork re-executes the binary detached from the controlling terminal. The
// parent returns with the child's pid and is expected to exit 0.
func Fork() (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, err
	}
	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnvMarker+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "cannot daemonize")
	}
	return cmd.Process.Pid, nil
}

// Stop reads the pid from path and sends SIGQUIT to the recorded process.
func Stop(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "cannot read pidfile %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return errors.Wrapf(err, "pidfile %s does not hold a pid", path)
	}
	if err := syscall.Kill(pid, syscall.SIGQUIT); err != nil {
		return errors.Wrapf(err, "cannot signal pid %d", pid)
	}
	return nil
}
