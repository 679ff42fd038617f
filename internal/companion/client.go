package companion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.olrik.dev/wharf/internal/rpc"
)

// WithClient runs op against the host's companion. A cached companion that
// is still alive is used without taking the lease; otherwise it is installed
// and started first. While the companion process lives, Unavailable and
// Unknown failures are retried until ctx ends.
func (m *Manager) WithClient(ctx context.Context, host string, op func(ctx context.Context, client rpc.CompanionClient, cfg Config) error) error {
	for {
		cfg, err := m.config(ctx, host)
		if err != nil {
			return err
		}

		err = m.call(ctx, cfg, op)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if !m.running(cfg) {
			m.logger.Warn("Companion is gone", "pid", cfg.PID, "log", cfg.LogPath, "error", err)
			return fmt.Errorf("failed to access companion (see logs %s): %w", cfg.LogPath, err)
		}
		if !rpc.IsRetryable(err) {
			return fmt.Errorf("failed to access companion (see logs %s): %w", cfg.LogPath, err)
		}

		m.logger.Debug("Companion not ready, retrying", "port", cfg.APIPort, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.settings.RetryDelay):
		}
	}
}

// config returns the cached config of a live companion, or ensures one
func (m *Manager) config(ctx context.Context, host string) (Config, error) {
	authority, err := Authority(host)
	if err != nil {
		return Config{}, err
	}
	cached, err := m.loadConfig(ctx, authority)
	if err != nil {
		m.logger.Debug("Failed to read cached config", "authority", authority, "error", err)
	}
	if cached != nil && m.running(*cached) {
		return *cached, nil
	}
	return m.Ensure(ctx, host)
}

func (m *Manager) call(ctx context.Context, cfg Config, op func(ctx context.Context, client rpc.CompanionClient, cfg Config) error) error {
	conn, err := m.dial(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return op(ctx, rpc.CompanionConn{Conn: conn}, cfg)
}

// Call is WithClient for operations returning a value
func Call[T any](ctx context.Context, m *Manager, host string, op func(ctx context.Context, client rpc.CompanionClient) (T, error)) (T, error) {
	var result T
	err := m.WithClient(ctx, host, func(ctx context.Context, client rpc.CompanionClient, _ Config) error {
		var err error
		result, err = op(ctx, client)
		return err
	})
	return result, err
}

// ResolveSSHConnection asks the companion how to reach a workspace over SSH
func (m *Manager) ResolveSSHConnection(ctx context.Context, host, instanceID, workspaceID string) (rpc.SSHConnection, error) {
	conn, err := Call(ctx, m, host, func(ctx context.Context, client rpc.CompanionClient) (rpc.SSHConnection, error) {
		return client.ResolveSSHConnection(ctx, instanceID, workspaceID)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return rpc.SSHConnection{}, fmt.Errorf("failed to connect to workspace %s: %w", workspaceID, err)
	}
	return conn, err
}

// AutoTunnel toggles automatic tunnelling for an instance
func (m *Manager) AutoTunnel(ctx context.Context, host, instanceID string, enabled bool) error {
	return m.WithClient(ctx, host, func(ctx context.Context, client rpc.CompanionClient, _ Config) error {
		return client.AutoTunnel(ctx, instanceID, enabled)
	})
}
