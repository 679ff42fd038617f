package process

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// MonitorEnv names the variable that overrides which PID an OwnerMonitor watches
const MonitorEnv = "WHARF_MONITOR_PID"

// OwnerMonitor watches the process that owns this one and calls OnExit once
// it disappears.
type OwnerMonitor struct {
	PID      int
	Interval time.Duration
	OnExit   func()

	alive  func(int) bool
	logger *slog.Logger
}

// NewOwnerMonitor monitors the PID from WHARF_MONITOR_PID, or the parent process
func NewOwnerMonitor(onExit func()) *OwnerMonitor {
	pid := os.Getppid()
	if s := os.Getenv(MonitorEnv); s != "" {
		if p, err := strconv.Atoi(s); err == nil {
			pid = p
			slog.Debug("Will monitor external PID", "monitor_pid", p, "ppid", os.Getppid())
		}
	}

	return &OwnerMonitor{
		PID:      pid,
		Interval: 5 * time.Second,
		OnExit:   onExit,
		alive:    Alive,
		logger:   slog.Default(),
	}
}

// Run polls the owner until it dies or ctx is done. When the owner is our
// direct parent it also asks the kernel for a death signal where supported.
func (m *OwnerMonitor) Run(ctx context.Context) {
	if m.PID == os.Getppid() {
		if err := setupParentDeathSignal(); err != nil {
			m.logger.Warn("Failed to set up parent death signal, relying on polling", "error", err)
		}
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.alive(m.PID) {
				continue
			}
			m.logger.Info("Monitored process died", "monitor_pid", m.PID)
			if m.OnExit != nil {
				m.OnExit()
			}
			return
		}
	}
}
