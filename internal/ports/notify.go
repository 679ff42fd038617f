package ports

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.olrik.dev/wharf/internal/rpc"
)

// Policy decides what happens when a port becomes exposed and served
type Policy string

const (
	PolicyNotify      Policy = "notify"
	PolicyOpenBrowser Policy = "open-browser"
	PolicyOpenPreview Policy = "open-preview"
	PolicyIgnore      Policy = "ignore"
)

// Action is a choice offered to the user in a port prompt
type Action string

const (
	ActionOpenPreview Action = "Open Preview"
	ActionOpenBrowser Action = "Open Browser"
	ActionMakePublic  Action = "Make Public"
)

// Prompter shows a message with actions and waits for the user's choice.
// An empty choice means the prompt was dismissed.
type Prompter interface {
	Prompt(ctx context.Context, message string, actions []string) (string, error)
}

// Opener opens URLs for the user
type Opener interface {
	OpenBrowser(ctx context.Context, url string) error
	OpenPreview(ctx context.Context, url string) error
}

// Notifier reacts to exposed-and-served ports according to a Policy. While a
// prompt for a port is open, further edges for that port are suppressed.
type Notifier struct {
	engine   *Engine
	policy   Policy
	prompter Prompter
	opener   Opener
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[int]struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewNotifier(engine *Engine, policy Policy, prompter Prompter, opener Opener, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		engine:   engine,
		policy:   policy,
		prompter: prompter,
		opener:   opener,
		logger:   logger.With("component", "notifier"),
		pending:  make(map[int]struct{}),
	}
}

// Start subscribes to the engine. Prompts are cancelled when ctx is done.
func (n *Notifier) Start(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.unsubscribe = n.engine.OnExposedServed(n.handle)
}

// Close unsubscribes, cancels outstanding prompts and waits for them
func (n *Notifier) Close() error {
	if n.unsubscribe != nil {
		n.unsubscribe()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	return nil
}

// Pending reports whether a prompt for port is open
func (n *Notifier) Pending(port int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.pending[port]
	return ok
}

func (n *Notifier) handle(p WorkspacePort) {
	ctx := n.ctx
	switch n.policy {
	case PolicyIgnore:
		return
	case PolicyOpenBrowser:
		n.spawn(func() { n.open(ctx, ActionOpenBrowser, p) })
		return
	case PolicyOpenPreview:
		n.spawn(func() { n.open(ctx, ActionOpenPreview, p) })
		return
	}

	n.mu.Lock()
	if _, ok := n.pending[p.Number]; ok {
		n.mu.Unlock()
		n.logger.Debug("Prompt already open, suppressing", "port", p.Number)
		return
	}
	n.pending[p.Number] = struct{}{}
	n.mu.Unlock()

	n.spawn(func() {
		defer func() {
			n.mu.Lock()
			delete(n.pending, p.Number)
			n.mu.Unlock()
		}()
		n.prompt(ctx, p)
	})
}

// spawn runs fn off the engine's reconcile pass; Close waits for it
func (n *Notifier) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Notifier) prompt(ctx context.Context, p WorkspacePort) {
	actions := []string{string(ActionOpenPreview), string(ActionOpenBrowser)}
	if p.Status.Exposed != nil && p.Status.Exposed.Visibility != rpc.VisibilityPublic {
		actions = append(actions, string(ActionMakePublic))
	}

	message := fmt.Sprintf("A service is available on port %d", p.Number)
	choice, err := n.prompter.Prompt(ctx, message, actions)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.Warn("Port prompt failed", "port", p.Number, "error", err)
		}
		return
	}
	if choice == "" {
		return
	}
	n.open(ctx, Action(choice), p)
}

func (n *Notifier) open(ctx context.Context, action Action, p WorkspacePort) {
	var err error
	switch action {
	case ActionOpenBrowser:
		err = n.opener.OpenBrowser(ctx, p.ExternalURL())
	case ActionOpenPreview:
		err = n.opener.OpenPreview(ctx, p.ExternalURL())
	case ActionMakePublic:
		err = n.engine.SetPortVisibility(ctx, p.Number, rpc.VisibilityPublic)
	default:
		n.logger.Debug("Ignoring unknown port action", "port", p.Number, "action", action)
		return
	}
	if err != nil && ctx.Err() == nil {
		n.logger.Warn("Port action failed", "port", p.Number, "action", action, "error", err)
	}
}
