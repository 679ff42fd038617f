package core

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return dir
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.StorePath != filepath.Join(dir, StoreFileName) {
		t.Errorf("Expected store path in config dir, got %q", cfg.StorePath)
	}
	if cfg.Lock.PollInterval != 150*time.Millisecond {
		t.Errorf("Expected 150ms poll interval, got %v", cfg.Lock.PollInterval)
	}
	if cfg.Lock.SweepInterval != 30*time.Second {
		t.Errorf("Expected 30s sweep interval, got %v", cfg.Lock.SweepInterval)
	}
	if cfg.Companion.LockTimeout != 5*time.Minute {
		t.Errorf("Expected 5m lock timeout, got %v", cfg.Companion.LockTimeout)
	}
	if cfg.Companion.RetryDelay != time.Second {
		t.Errorf("Expected 1s retry delay, got %v", cfg.Companion.RetryDelay)
	}
	if cfg.Stream.RetryDelay != time.Second || cfg.Stream.BackoffFactor != 1 {
		t.Errorf("Expected constant 1s stream retry, got %v x%v", cfg.Stream.RetryDelay, cfg.Stream.BackoffFactor)
	}
	if cfg.Ports.OnExposed != OnExposedNotify {
		t.Errorf("Expected notify policy, got %q", cfg.Ports.OnExposed)
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
verbose = 2
store_path = "/var/lib/wharf/state.db"

companion {
  installation_path = "/opt/companion"
  auto_tunnel       = true
  timeout           = "1h"
  lock_timeout      = "2m"
}

lock {
  poll_interval = "50ms"
}

supervisor {
  address         = "localhost:23000"
  workspace_id    = "ws-1"
  normal_deadline = "20s"
}

ports {
  on_exposed   = "open-browser"
  tunnels_file = "/tmp/tunnels.yaml"
}

stream {
  retry_delay     = "500ms"
  max_retry_delay = "10s"
  backoff_factor  = 2
}

api {
  listen = "127.0.0.1:7384"
}
`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Verbose != 2 {
		t.Errorf("Expected verbose 2, got %d", cfg.Verbose)
	}
	if cfg.StorePath != "/var/lib/wharf/state.db" {
		t.Errorf("Unexpected store path %q", cfg.StorePath)
	}
	if cfg.Companion.InstallationPath != "/opt/companion" || !cfg.Companion.AutoTunnel {
		t.Errorf("Companion block not applied: %+v", cfg.Companion)
	}
	if cfg.Companion.Timeout != "1h" || cfg.Companion.LockTimeout != 2*time.Minute {
		t.Errorf("Companion durations not applied: %+v", cfg.Companion)
	}
	if cfg.Companion.BinaryName != "local-companion" {
		t.Errorf("Expected default binary name to survive, got %q", cfg.Companion.BinaryName)
	}
	if cfg.Lock.PollInterval != 50*time.Millisecond || cfg.Lock.SweepInterval != 30*time.Second {
		t.Errorf("Lock block not applied: %+v", cfg.Lock)
	}
	if cfg.Supervisor.Address != "localhost:23000" || cfg.Supervisor.WorkspaceID != "ws-1" {
		t.Errorf("Supervisor block not applied: %+v", cfg.Supervisor)
	}
	if cfg.Supervisor.NormalDeadline != 20*time.Second || cfg.Supervisor.ShortDeadline != 5*time.Second {
		t.Errorf("Supervisor deadlines not applied: %+v", cfg.Supervisor)
	}
	if cfg.Ports.OnExposed != OnExposedOpenBrowser || cfg.Ports.TunnelsFile != "/tmp/tunnels.yaml" {
		t.Errorf("Ports block not applied: %+v", cfg.Ports)
	}
	if cfg.Stream.RetryDelay != 500*time.Millisecond || cfg.Stream.MaxRetryDelay != 10*time.Second || cfg.Stream.BackoffFactor != 2 {
		t.Errorf("Stream block not applied: %+v", cfg.Stream)
	}
	if cfg.API.Listen != "127.0.0.1:7384" {
		t.Errorf("API block not applied: %+v", cfg.API)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "lock {\n  poll_interval = \"soon\"\n}\n",
			wantErr: "lock.poll_interval",
		},
		{
			name:    "negative duration",
			content: "companion {\n  retry_delay = \"-1s\"\n}\n",
			wantErr: "companion.retry_delay",
		},
		{
			name:    "unknown policy",
			content: "ports {\n  on_exposed = \"shout\"\n}\n",
			wantErr: "ports.on_exposed",
		},
		{
			name:    "backoff factor below one",
			content: "stream {\n  backoff_factor = 0.5\n}\n",
			wantErr: "stream.backoff_factor",
		},
		{
			name:    "syntax error",
			content: "lock {",
			wantErr: "failed to parse HCL config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.content)
			_, err := LoadConfig(dir)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/tunnels.yaml"); got != filepath.Join(home, "tunnels.yaml") {
		t.Errorf("expandPath(~/tunnels.yaml) = %q", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath(/abs/path) = %q", got)
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })

	var buf bytes.Buffer
	logger := SetupLogging(&buf, 1)
	logger.Debug("debug line", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "debug line") || !strings.Contains(out, "key=value") {
		t.Errorf("Expected debug output with attributes, got %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("Expected no colour codes for non-terminal writer, got %q", out)
	}
}
