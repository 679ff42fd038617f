package companion

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/lease"
	"go.olrik.dev/wharf/internal/process"
	"go.olrik.dev/wharf/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

func testSettings() core.CompanionConfig {
	return core.CompanionConfig{
		BinaryName:        "local-companion",
		Timeout:           "3h",
		LockTimeout:       time.Minute,
		RetryDelay:        10 * time.Millisecond,
		StartPollInterval: 20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, s *store.Memory, settings core.CompanionConfig, opts ...Option) *Manager {
	t.Helper()
	locker := lease.NewLocker(s,
		lease.WithPollInterval(10*time.Millisecond),
		lease.WithLogger(quietLogger()),
	)
	base := []Option{
		WithInstallDir(t.TempDir()),
		WithLogger(quietLogger()),
	}
	return NewManager(s, locker, settings, append(base, opts...)...)
}

// idleBody keeps a companion script's own process alive, so its command line
// keeps naming the script, and exits on SIGTERM
const idleBody = "trap 'kill $!; exit 0' TERM\nsleep 30 &\nwait"

// writeScript writes an executable shell script
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

// sshConfigsIn points temporary files at a fresh directory and returns a func
// listing the companion ssh configs left in it
func sshConfigsIn(t *testing.T) func() []string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)
	return func() []string {
		matches, _ := filepath.Glob(filepath.Join(dir, "wharf_ssh_config-*"))
		return matches
	}
}

// stopOnCleanup terminates pid when the test ends
func stopOnCleanup(t *testing.T, pid int) {
	t.Helper()
	t.Cleanup(func() { process.Terminate(pid) })
}

// waitFor polls cond until it holds or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

type recordingEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingEvents) LogEvent(kind, subject, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *recordingEvents) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}
