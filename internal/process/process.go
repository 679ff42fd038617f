// Package process answers questions about other processes on this host:
// whether a PID is alive, what it is running, and whether it has exited.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Alive reports whether pid refers to a running process.
// Non-positive PIDs are never alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		slog.Debug("Failed to check process", "pid", pid, "error", err)
		return false
	}
	return exists
}

// Terminate sends SIGTERM to pid. A process that is already gone is not an error.
func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}

// Cmdline returns the space-joined command line of pid
func Cmdline(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return "", fmt.Errorf("failed to read command line of %d: %w", pid, err)
	}
	if cmdline == "" {
		return "", fmt.Errorf("empty command line for PID %d", pid)
	}
	return cmdline, nil
}

// Runs reports whether pid is alive and its command line mentions executable.
// Used to tell a recorded companion apart from an unrelated process that
// inherited its PID.
func Runs(pid int, executable string) bool {
	if !Alive(pid) {
		return false
	}
	cmdline, err := Cmdline(pid)
	if err != nil {
		slog.Debug("Failed to get process command line", "pid", pid, "error", err)
		return false
	}
	if !matchesCommandLine(cmdline, executable) {
		slog.Debug("Process command line mismatch",
			"pid", pid,
			"expected", executable,
			"actual", cmdline)
		return false
	}
	return true
}

func matchesCommandLine(actual, executable string) bool {
	if executable == "" {
		return false
	}
	return strings.Contains(actual, executable)
}
