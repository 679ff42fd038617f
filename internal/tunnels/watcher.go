package tunnels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/wharf/internal/ports"
)

// DefaultDebounce is how long the watcher waits after the last change
const DefaultDebounce = 500 * time.Millisecond

// Sink receives tunnel lists
type Sink interface {
	UpdateTunnels(tunnels []ports.Tunnel)
}

// Watcher pushes the file's tunnels into a Sink, once at start and again
// after every change to the file.
type Watcher struct {
	source   *FileSource
	sink     Sink
	debounce time.Duration
	logger   *slog.Logger
}

func NewWatcher(source *FileSource, sink Sink, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:   source,
		sink:     sink,
		debounce: debounce,
		logger:   logger.With("component", "tunnels"),
	}
}

// Reload reads the file and pushes its tunnels. On error the sink keeps
// the previous list.
func (w *Watcher) Reload(ctx context.Context) error {
	tunnels, err := w.source.Tunnels(ctx)
	if err != nil {
		return err
	}
	w.logger.Debug("Tunnels loaded", "path", w.source.Path, "count", len(tunnels))
	w.sink.UpdateTunnels(tunnels)
	return nil
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file and late creation are both seen.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		w.logger.Warn("Failed to load tunnels", "path", w.source.Path, "error", err)
	}

	dir := filepath.Dir(w.source.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create tunnels directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create tunnels watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	name := filepath.Clean(w.source.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.logger.Debug("Tunnels file changed", "event", event.Op.String())

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := w.Reload(ctx); err != nil {
					w.logger.Warn("Failed to reload tunnels", "path", w.source.Path, "error", err)
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Tunnels watcher error", "error", err)
		}
	}
}
