// Package companion installs, starts and talks to the local companion
// process of a remote host. One companion serves every wharf process of the
// user; installing and starting it happens under a lease named after the
// host's authority so only one process does it at a time.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/lease"
	"go.olrik.dev/wharf/internal/process"
	"go.olrik.dev/wharf/internal/rpc"
	"go.olrik.dev/wharf/internal/store"
)

var (
	// ErrProcessExited means the companion exited before it came up
	ErrProcessExited = errors.New("companion exited during startup")
	// ErrNotExecutable means an installation path cannot be executed
	ErrNotExecutable = errors.New("companion is not executable")
)

// Installation is a companion binary on disk. ETag identifies the
// downloaded version; it is empty for configured paths.
type Installation struct {
	Path string `json:"path"`
	ETag string `json:"etag,omitempty"`
}

// Config describes a running companion. Executable is the binary PID was
// started from; a PID whose command line does not mention it is not ours.
type Config struct {
	RemoteHost string `json:"remoteHost"`
	ConfigFile string `json:"configFile"`
	APIPort    int    `json:"apiPort"`
	PID        int    `json:"pid"`
	Executable string `json:"executable,omitempty"`
	LogPath    string `json:"logPath"`
}

// Store is the part of the shared store the Manager uses
type Store interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// EventLog receives companion lifecycle events
type EventLog interface {
	LogEvent(kind, subject, details string) error
}

// Dialer connects to a running companion
type Dialer func(cfg Config) (*rpc.Conn, error)

// Manager supervises companions, one per remote host
type Manager struct {
	store    Store
	locker   *lease.Locker
	settings core.CompanionConfig

	httpClient *http.Client
	installDir string
	alive      func(pid int, executable string) bool
	dial       Dialer
	events     EventLog
	logger     *slog.Logger
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithInstallDir sets where downloaded binaries are written
func WithInstallDir(dir string) Option {
	return func(m *Manager) { m.installDir = dir }
}

// WithAliveFunc replaces the check that a PID still runs the given executable
func WithAliveFunc(fn func(pid int, executable string) bool) Option {
	return func(m *Manager) { m.alive = fn }
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

func WithEventLog(events EventLog) Option {
	return func(m *Manager) { m.events = events }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(s Store, locker *lease.Locker, settings core.CompanionConfig, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		locker:     locker,
		settings:   settings,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		installDir: os.TempDir(),
		alive:      process.Runs,
		dial:       dialLocal,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.settings.StartPollInterval <= 0 {
		m.settings.StartPollInterval = 150 * time.Millisecond
	}
	if m.settings.RetryDelay <= 0 {
		m.settings.RetryDelay = time.Second
	}
	if m.settings.LockTimeout <= 0 {
		m.settings.LockTimeout = 5 * time.Minute
	}
	if m.settings.BinaryName == "" {
		m.settings.BinaryName = "local-companion"
	}
	m.logger = m.logger.With("component", "companion")
	return m
}

func dialLocal(cfg Config) (*rpc.Conn, error) {
	return rpc.Dial(fmt.Sprintf("localhost:%d", cfg.APIPort))
}

// Authority returns the host[:port] part of a remote host URL. Bare hosts
// without a scheme are accepted.
func Authority(host string) (string, error) {
	if host == "" {
		return "", errors.New("empty remote host")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid remote host %q: %w", host, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid remote host %q: missing host", host)
	}
	return u.Host, nil
}

func normalizeHost(host string) string {
	if !strings.Contains(host, "://") {
		return "https://" + host
	}
	return host
}

func ConfigKey(authority string) string {
	return "config/" + authority
}

func InstallationKey(authority string) string {
	return "installation/" + authority
}

// running reports whether cfg's process is alive and still the companion
func (m *Manager) running(cfg Config) bool {
	return m.alive(cfg.PID, cfg.Executable)
}

func (m *Manager) loadConfig(ctx context.Context, authority string) (*Config, error) {
	var cfg Config
	found, err := m.store.Get(ctx, ConfigKey(authority), &cfg)
	if errors.Is(err, store.ErrCorrupt) {
		m.logger.Warn("Discarding unreadable companion config", "authority", authority, "error", err)
		return nil, nil
	}
	if err != nil || !found {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) loadInstallation(ctx context.Context, authority string) (*Installation, error) {
	var inst Installation
	found, err := m.store.Get(ctx, InstallationKey(authority), &inst)
	if errors.Is(err, store.ErrCorrupt) {
		m.logger.Warn("Discarding unreadable companion installation", "authority", authority, "error", err)
		return nil, nil
	}
	if err != nil || !found {
		return nil, err
	}
	return &inst, nil
}

// invalidate stops the host's running companion, if any, and forgets its config.
// A failing kill is logged; the config is cleared regardless.
func (m *Manager) invalidate(ctx context.Context, authority, reason string) error {
	cfg, err := m.loadConfig(ctx, authority)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	if m.running(*cfg) {
		m.logger.Info("Stopping companion", "authority", authority, "pid", cfg.PID, "reason", reason)
		if err := process.Terminate(cfg.PID); err != nil {
			m.logger.Warn("Failed to kill companion", "pid", cfg.PID, "error", err)
		}
	} else if process.Alive(cfg.PID) {
		m.logger.Warn("Companion PID now belongs to another process, not signalling it",
			"authority", authority, "pid", cfg.PID, "executable", cfg.Executable)
	}
	m.logEvent("companion_stopped", authority, fmt.Sprintf("PID: %d, reason: %s", cfg.PID, reason))

	return m.store.Delete(ctx, ConfigKey(authority))
}

// Ensure installs and starts the host's companion under its lease
func (m *Manager) Ensure(ctx context.Context, host string) (Config, error) {
	authority, err := Authority(host)
	if err != nil {
		return Config{}, err
	}

	return lease.Do(ctx, m.locker, authority, m.settings.LockTimeout, func(ctx context.Context) (Config, error) {
		inst, err := m.EnsureInstalled(ctx, host)
		if err != nil {
			return Config{}, err
		}
		return m.EnsureRunning(ctx, host, inst)
	})
}

// Stop terminates the host's companion and clears its config
func (m *Manager) Stop(ctx context.Context, host string) error {
	authority, err := Authority(host)
	if err != nil {
		return err
	}
	return m.locker.WithLock(ctx, authority, m.settings.LockTimeout, func(ctx context.Context) error {
		return m.invalidate(ctx, authority, "stop requested")
	})
}

// Status is what is known about a host's companion
type Status struct {
	Authority    string        `json:"authority"`
	Installation *Installation `json:"installation,omitempty"`
	Config       *Config       `json:"config,omitempty"`
	Running      bool          `json:"running"`
}

// Status reports the cached installation and config without taking the lease
func (m *Manager) Status(ctx context.Context, host string) (Status, error) {
	authority, err := Authority(host)
	if err != nil {
		return Status{}, err
	}

	st := Status{Authority: authority}
	if st.Installation, err = m.loadInstallation(ctx, authority); err != nil {
		return st, err
	}
	if st.Config, err = m.loadConfig(ctx, authority); err != nil {
		return st, err
	}
	st.Running = st.Config != nil && m.running(*st.Config)
	return st, nil
}

func (m *Manager) logEvent(kind, authority, details string) {
	if m.events == nil {
		return
	}
	if err := m.events.LogEvent(kind, authority, details); err != nil {
		m.logger.Debug("Failed to record companion event", "kind", kind, "error", err)
	}
}
