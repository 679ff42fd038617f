package daemon

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/wharf/internal/events"
)

func newTestOpener(stream *events.Streamer[events.Event], program string) (*Opener, *[]string) {
	var opened []string
	o := NewOpener(stream, quietLogger())
	o.command = func(ctx context.Context, url string) *exec.Cmd {
		opened = append(opened, url)
		return exec.CommandContext(ctx, program)
	}
	return o, &opened
}

func TestOpener_OpenBrowser(t *testing.T) {
	o, opened := newTestOpener(events.NewStreamer[events.Event](8), "true")

	if err := o.OpenBrowser(context.Background(), "http://localhost:3000"); err != nil {
		t.Fatalf("OpenBrowser failed: %v", err)
	}
	if len(*opened) != 1 || (*opened)[0] != "http://localhost:3000" {
		t.Errorf("Expected browser to open url, got %v", *opened)
	}
}

func TestOpener_OpenBrowserFailure(t *testing.T) {
	o, _ := newTestOpener(events.NewStreamer[events.Event](8), "false")

	err := o.OpenBrowser(context.Background(), "http://localhost:3000")
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected exit error, got %v", err)
	}
	if !strings.Contains(err.Error(), "http://localhost:3000") {
		t.Errorf("Expected url in error, got %v", err)
	}
}

func TestOpener_OpenBrowserDoesNotWaitForInheritedOutput(t *testing.T) {
	o := NewOpener(events.NewStreamer[events.Event](8), quietLogger())
	// The launcher exits at once but leaves a child holding its stdout
	o.command = func(ctx context.Context, url string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "sleep 5 &")
	}

	done := make(chan error, 1)
	go func() {
		done <- o.OpenBrowser(context.Background(), "http://localhost:3000")
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected launcher exit to count as opened, got %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("OpenBrowser waited for the launched child")
	}
}

func TestOpener_PreviewGoesToSubscribers(t *testing.T) {
	stream := events.NewStreamer[events.Event](8)
	o, opened := newTestOpener(stream, "true")

	id, ch := stream.Subscribe(false)
	defer stream.Unsubscribe(id)

	if err := o.OpenPreview(context.Background(), "http://localhost:8080"); err != nil {
		t.Fatalf("OpenPreview failed: %v", err)
	}

	ev := <-ch
	if ev.Kind != events.KindOpenPreview {
		t.Fatalf("Expected open-preview event, got %s", ev.Kind)
	}
	if data, _ := ev.Data.(map[string]string); data["url"] != "http://localhost:8080" {
		t.Errorf("Expected preview url, got %v", ev.Data)
	}
	if len(*opened) != 0 {
		t.Errorf("Expected no browser with a subscriber, got %v", *opened)
	}
}

func TestOpener_PreviewWithoutSubscribersOpensBrowser(t *testing.T) {
	o, opened := newTestOpener(events.NewStreamer[events.Event](8), "true")

	if err := o.OpenPreview(context.Background(), "http://localhost:8080"); err != nil {
		t.Fatalf("OpenPreview failed: %v", err)
	}
	if len(*opened) != 1 {
		t.Errorf("Expected browser fallback, got %v", *opened)
	}
}
