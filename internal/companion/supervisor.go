package companion

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// EnsureRunning returns the config of the host's running companion, starting
// one from inst when the cached config is missing or its process is gone.
// Callers hold the host's lease.
func (m *Manager) EnsureRunning(ctx context.Context, host string, inst Installation) (Config, error) {
	authority, err := Authority(host)
	if err != nil {
		return Config{}, err
	}

	cached, err := m.loadConfig(ctx, authority)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read cached config: %w", err)
	}
	if cached != nil && m.running(*cached) {
		m.logger.Debug("Reusing running companion", "authority", authority, "pid", cached.PID)
		return *cached, nil
	}

	cfg, err := m.start(ctx, host, inst)
	if err != nil {
		return Config{}, err
	}

	if err := m.store.Set(context.WithoutCancel(ctx), ConfigKey(authority), cfg); err != nil {
		return Config{}, fmt.Errorf("failed to save companion config: %w", err)
	}
	m.logEvent("companion_started", authority, fmt.Sprintf("PID: %d, port: %d", cfg.PID, cfg.APIPort))
	return cfg, nil
}

// start spawns the companion detached from this process and waits until it
// is up. A companion that exits while starting fails the start, and its ssh
// config file is removed.
func (m *Manager) start(ctx context.Context, host string, inst Installation) (cfg Config, err error) {
	port, err := freePort()
	if err != nil {
		return Config{}, fmt.Errorf("failed to allocate companion port: %w", err)
	}

	sshConfig, err := os.CreateTemp("", "wharf_ssh_config-*")
	if err != nil {
		return Config{}, fmt.Errorf("failed to create ssh config: %w", err)
	}
	sshConfig.Close()
	defer func() {
		if err != nil {
			os.Remove(sshConfig.Name())
		}
	}()

	logPath := strings.TrimSuffix(inst.Path, filepath.Ext(inst.Path)) + ".log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open companion log: %w", err)
	}
	defer logFile.Close()

	cfg = Config{
		RemoteHost: normalizeHost(host),
		ConfigFile: sshConfig.Name(),
		APIPort:    port,
		Executable: inst.Path,
		LogPath:    logPath,
	}

	cmd := exec.Command(inst.Path)
	cmd.Env = append(os.Environ(), m.environment(cfg)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own session so the companion outlives this process and serves other windows
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	m.logger.Info("Starting companion",
		"path", inst.Path,
		"host", cfg.RemoteHost,
		"port", port,
		"log", logPath)

	if err := cmd.Start(); err != nil {
		return Config{}, fmt.Errorf("failed to start companion: %w", err)
	}
	cfg.PID = cmd.Process.Pid

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	ticker := time.NewTicker(m.settings.StartPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Start cancelled, killing companion", "pid", cfg.PID)
			cmd.Process.Kill()
			return Config{}, ctx.Err()
		case <-ticker.C:
		}

		// A reaped child can still look alive for a moment, so exit wins
		select {
		case err := <-exited:
			return Config{}, fmt.Errorf("%w (%v, see logs %s)", ErrProcessExited, err, logPath)
		default:
		}

		if m.running(cfg) {
			m.logger.Info("Companion started", "pid", cfg.PID, "port", port)
			return cfg, nil
		}
	}
}

func (m *Manager) environment(cfg Config) []string {
	return []string{
		"COMPANION_HOST=" + cfg.RemoteHost,
		"COMPANION_SSH_CONFIG=" + cfg.ConfigFile,
		"COMPANION_API_PORT=" + strconv.Itoa(cfg.APIPort),
		"COMPANION_AUTO_TUNNEL=" + strconv.FormatBool(m.settings.AutoTunnel),
		"COMPANION_AUTH_REDIRECT_URL=" + m.settings.AuthRedirectURL,
		"COMPANION_VERBOSE=" + strconv.FormatBool(m.settings.Verbose),
		"COMPANION_TIMEOUT=" + m.settings.Timeout,
	}
}

// freePort asks the kernel for an unused localhost port
func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
