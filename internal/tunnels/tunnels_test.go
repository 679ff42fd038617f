package tunnels

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.olrik.dev/wharf/internal/ports"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

func TestParse(t *testing.T) {
	data := []byte(`
tunnels:
  - remote: {host: localhost, port: 3000}
    local: 127.0.0.1:3000
  - remote: {port: 8080}
    local: {host: 0.0.0.0, port: 18080}
    public: true
  - remote: {port: 5000}
    local: http://localhost:15000/app
  - remote: {port: 9000}
`)

	tunnels, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(tunnels) != 4 {
		t.Fatalf("Expected 4 tunnels, got %d", len(tunnels))
	}

	want := []ports.Tunnel{
		{RemoteHost: "localhost", RemotePort: 3000, LocalAddress: ports.Address{Raw: "127.0.0.1:3000"}},
		{RemoteHost: "localhost", RemotePort: 8080, LocalAddress: ports.Address{Host: "0.0.0.0", Port: 18080}, Public: true},
		{RemoteHost: "localhost", RemotePort: 5000, LocalAddress: ports.Address{Raw: "http://localhost:15000/app"}},
		{RemoteHost: "localhost", RemotePort: 9000, LocalAddress: ports.Address{Host: "127.0.0.1", Port: 9000}},
	}
	for i := range want {
		if tunnels[i] != want[i] {
			t.Errorf("Tunnel %d: expected %+v, got %+v", i, want[i], tunnels[i])
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"missing remote port", "tunnels:\n  - local: 127.0.0.1:1\n", "invalid remote port"},
		{"port out of range", "tunnels:\n  - remote: {port: 70000}\n", "invalid remote port"},
		{"local as list", "tunnels:\n  - remote: {port: 1}\n    local: [a, b]\n", "local address"},
		{"not yaml", "tunnels: [", "failed to parse tunnels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFileSource_MissingFile(t *testing.T) {
	src := &FileSource{Path: filepath.Join(t.TempDir(), "tunnels.yaml")}
	tunnels, err := src.Tunnels(context.Background())
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if len(tunnels) != 0 {
		t.Errorf("Expected no tunnels, got %v", tunnels)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	updates [][]ports.Tunnel
}

func (r *recordingSink) UpdateTunnels(tunnels []ports.Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, tunnels)
}

func (r *recordingSink) last() ([]ports.Tunnel, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return nil, 0
	}
	return r.updates[len(r.updates)-1], len(r.updates)
}

func waitForUpdate(t *testing.T, sink *recordingSink, cond func([]ports.Tunnel, int) bool) bool {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond(sink.last()) {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestWatcher_PushesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.yaml")
	if err := os.WriteFile(path, []byte("tunnels:\n  - remote: {port: 3000}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sink := &recordingSink{}
	w := NewWatcher(&FileSource{Path: path}, sink, 20*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if !waitForUpdate(t, sink, func(tunnels []ports.Tunnel, n int) bool {
		return n == 1 && len(tunnels) == 1 && tunnels[0].RemotePort == 3000
	}) {
		t.Fatal("Expected initial tunnel list")
	}

	// Give the watcher a moment to register before changing the file
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("tunnels:\n  - remote: {port: 3000}\n  - remote: {port: 4000}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if !waitForUpdate(t, sink, func(tunnels []ports.Tunnel, _ int) bool { return len(tunnels) == 2 }) {
		t.Error("Expected updated tunnel list after write")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !waitForUpdate(t, sink, func(tunnels []ports.Tunnel, _ int) bool { return len(tunnels) == 0 }) {
		t.Error("Expected empty tunnel list after removal")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestWatcher_KeepsListOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.yaml")
	os.WriteFile(path, []byte("tunnels:\n  - remote: {port: 3000}\n"), 0o644)

	sink := &recordingSink{}
	w := NewWatcher(&FileSource{Path: path}, sink, 0, quietLogger())
	ctx := context.Background()

	if err := w.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	os.WriteFile(path, []byte("tunnels: ["), 0o644)
	if err := w.Reload(ctx); err == nil {
		t.Error("Expected parse error")
	}
	if _, n := sink.last(); n != 1 {
		t.Errorf("Expected a single update, got %d", n)
	}
}
