// Package proc wraps the operating-system primitives the lifecycle tracker relies on:
// process-table liveness, detached process launch and exclusive file locks.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Table answers liveness queries against the OS process table.
type Table struct{}

// Alive reports whether pid is present in the process table. EPERM means the process
// exists but belongs to another user.
func (Table) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Launcher starts detached processes.
type Launcher struct {
	// Dir is the working directory of launched processes; empty means inherit.
	Dir string
	// Env is appended to the current environment.
	Env []string
}

// Launch starts argv in its own session with stdio on the null device and returns its
// pid without waiting for it. The child is reaped in the background so a long-lived
// caller does not accumulate zombies that would still answer kill(pid, 0).
func (l Launcher) Launch(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("launch: empty command line")
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// Lock takes an exclusive flock on path, creating it if needed. The returned func
// releases the lock and closes the file.
func Lock(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return func() error {
		uerr := unix.Flock(fd, unix.LOCK_UN)
		cerr := f.Close()
		if uerr != nil {
			return uerr
		}
		return cerr
	}, nil
}
