package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/events"
	"go.olrik.dev/wharf/internal/store"
)

func TestOpenState(t *testing.T) {
	cfg := core.DefaultConfig(t.TempDir())

	s, err := OpenState(cfg, quietLogger())
	if err != nil {
		t.Fatalf("OpenState failed: %v", err)
	}

	ran := false
	err = s.Locker.WithLock(context.Background(), "install", time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("Expected lock to run op, got ran=%v err=%v", ran, err)
	}

	status, err := s.Companions.Status(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Running {
		t.Error("Expected no companion running in a fresh store")
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestTeardown_ReverseOrderAndJoinedErrors(t *testing.T) {
	var order []string
	var td teardown
	for _, name := range []string{"store", "events", "supervisor"} {
		td.add(name, func() error {
			order = append(order, name)
			if name == "events" {
				return errors.New("boom")
			}
			return nil
		})
	}

	err := td.run(quietLogger())
	if want := []string{"supervisor", "events", "store"}; !reflect.DeepEqual(order, want) {
		t.Errorf("Expected %v, got %v", want, order)
	}
	if err == nil || !strings.Contains(err.Error(), "close events: boom") {
		t.Errorf("Expected joined close error, got %v", err)
	}

	order = nil
	if err := td.run(quietLogger()); err != nil || len(order) != 0 {
		t.Errorf("Expected second run to be a no-op, got %v %v", order, err)
	}
}

func TestLogWriter(t *testing.T) {
	stream := events.NewStreamer[events.Event](8)
	var stderr bytes.Buffer

	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })

	logger := core.SetupLogging(io.MultiWriter(&stderr, NewLogWriter(stream)), 0)
	logger.Info("Companion started", "pid", 42)

	history := stream.History()
	if len(history) != 1 {
		t.Fatalf("Expected one log event, got %d", len(history))
	}
	line, _ := history[0].Data.(string)
	if history[0].Kind != events.KindLog || !strings.Contains(line, "Companion started") {
		t.Errorf("Expected log event with message, got %+v", history[0])
	}
	if strings.HasSuffix(line, "\n") {
		t.Error("Expected trailing newline to be trimmed")
	}
	if !strings.Contains(stderr.String(), "Companion started") {
		t.Error("Expected log line on stderr too")
	}
}

func TestCompanionSettings_AuthRedirect(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	got := companionSettings(m, core.CompanionConfig{})
	if got.AuthRedirectURL != "" {
		t.Errorf("Expected no redirect without a daemon, got %q", got.AuthRedirectURL)
	}

	m.Set(ctx, InfoKey, Info{PID: os.Getpid(), Addr: "127.0.0.1:4100"})
	got = companionSettings(m, core.CompanionConfig{})
	if got.AuthRedirectURL != "http://127.0.0.1:4100/auth-complete" {
		t.Errorf("Expected redirect to the daemon, got %q", got.AuthRedirectURL)
	}

	got = companionSettings(m, core.CompanionConfig{AuthRedirectURL: "https://example.com/done"})
	if got.AuthRedirectURL != "https://example.com/done" {
		t.Errorf("Expected configured redirect to win, got %q", got.AuthRedirectURL)
	}
}
