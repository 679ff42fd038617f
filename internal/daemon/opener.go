package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"go.olrik.dev/wharf/internal/events"
)

// Opener opens URLs in the system browser. Previews are shown by whatever
// editor front end is subscribed to the event stream.
type Opener struct {
	stream *events.Streamer[events.Event]
	logger *slog.Logger

	command func(ctx context.Context, url string) *exec.Cmd
}

func NewOpener(stream *events.Streamer[events.Event], logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{
		stream:  stream,
		logger:  logger.With("component", "opener"),
		command: browserCommand,
	}
}

func browserCommand(ctx context.Context, url string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "open", url)
	case "windows":
		return exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return exec.CommandContext(ctx, "xdg-open", url)
	}
}

// browserWaitDelay bounds how long output pipes are drained after the launcher
// exits. A browser it starts inherits them and may hold them open for hours.
const browserWaitDelay = 2 * time.Second

func (o *Opener) OpenBrowser(ctx context.Context, url string) error {
	cmd := o.command(ctx, url)
	cmd.WaitDelay = browserWaitDelay
	out, err := cmd.CombinedOutput()
	if errors.Is(err, exec.ErrWaitDelay) {
		o.logger.Debug("Browser launcher left its output open", "url", url)
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s with %s: %w (%s)", url, cmd.Path, err, out)
	}
	o.logger.Debug("Opened browser", "url", url)
	return nil
}

// OpenPreview announces the URL to front ends. Without any subscriber the
// browser is used instead.
func (o *Opener) OpenPreview(ctx context.Context, url string) error {
	if o.stream.ClientCount() == 0 {
		o.logger.Debug("No front end connected, opening preview in browser", "url", url)
		return o.OpenBrowser(ctx, url)
	}
	o.stream.Emit(events.New(events.KindOpenPreview, map[string]string{"url": url}))
	return nil
}
