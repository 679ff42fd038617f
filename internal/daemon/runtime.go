package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go.olrik.dev/wharf/internal/api"
	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/events"
	"go.olrik.dev/wharf/internal/keyring"
	"go.olrik.dev/wharf/internal/lease"
	"go.olrik.dev/wharf/internal/ports"
	"go.olrik.dev/wharf/internal/process"
	"go.olrik.dev/wharf/internal/rpc"
	"go.olrik.dev/wharf/internal/stream"
	"go.olrik.dev/wharf/internal/tunnels"
)

// EventHistorySize is how many events late API subscribers can replay
const EventHistorySize = 256

// Runtime is the daemon: the port engine fed by the supervisor, the local
// API and every background loop. It is built once by New and torn down by
// Close.
type Runtime struct {
	*State

	Engine   *ports.Engine
	Events   *events.Streamer[events.Event]
	Prompts  *api.Prompts
	Notifier *ports.Notifier
	API      *api.Server

	tokens     *keyring.Tokens
	supervisor *rpc.Conn
	opener     ports.Opener
	logger     *slog.Logger

	ready chan struct{}
	addr  string

	handlers sync.WaitGroup
}

type Option func(*Runtime)

// WithTokens authenticates supervisor calls with tokens from the keyring
func WithTokens(t *keyring.Tokens) Option {
	return func(r *Runtime) { r.tokens = t }
}

// WithOpener replaces how URLs are opened for the user
func WithOpener(o ports.Opener) Option {
	return func(r *Runtime) { r.opener = o }
}

// WithSupervisorConn uses an existing connection instead of dialing
// the configured supervisor address
func WithSupervisorConn(c *rpc.Conn) Option {
	return func(r *Runtime) { r.supervisor = c }
}

// WithEvents shares an event stream created earlier, typically one that a
// LogWriter already feeds
func WithEvents(s *events.Streamer[events.Event]) Option {
	return func(r *Runtime) { r.Events = s }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// New builds the runtime. Nothing runs until Run is called.
func New(cfg *core.Configuration, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		logger: slog.Default(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	state, err := OpenState(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.State = state

	if r.Events == nil {
		r.Events = events.NewStreamer[events.Event](EventHistorySize)
	}
	r.teardown.add("events", r.Events.Close)

	if r.supervisor == nil && cfg.Supervisor.Address != "" {
		if err := r.dialSupervisor(); err != nil {
			state.Close()
			return nil, err
		}
	}

	engineOpts := []ports.Option{
		ports.WithEventLog(state.Store),
		ports.WithLogger(r.logger),
	}
	if r.supervisor != nil {
		engineOpts = append(engineOpts,
			ports.WithControlClient(r.supervisor, cfg.Supervisor.WorkspaceID),
			ports.WithPortClient(r.supervisor),
		)
	}
	r.Engine = ports.NewEngine(engineOpts...)

	if r.opener == nil {
		r.opener = NewOpener(r.Events, r.logger)
	}
	r.Prompts = api.NewPrompts(r.Events)
	r.Notifier = ports.NewNotifier(r.Engine, ports.Policy(cfg.Ports.OnExposed), r.Prompts, r.opener, r.logger)
	r.API = api.NewServer(r.Engine, r.Events, r.Prompts, r.logger)

	return r, nil
}

func (r *Runtime) dialSupervisor() error {
	sup := r.Config.Supervisor
	dialOpts := []rpc.DialOption{
		rpc.WithDeadlines(rpc.Deadlines{
			Short:  sup.ShortDeadline,
			Normal: sup.NormalDeadline,
			Long:   sup.LongDeadline,
		}),
	}
	if r.tokens != nil {
		dialOpts = append(dialOpts, rpc.WithToken(r.tokens.TokenFunc(sup.Address)))
	}

	conn, err := rpc.Dial(sup.Address, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to supervisor %s: %w", sup.Address, err)
	}
	r.supervisor = conn
	r.teardown.add("supervisor", conn.Close)
	r.logger.Debug("Supervisor connection created", "address", sup.Address)
	return nil
}

// Ready is closed once the API listener is bound
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Addr is the address the API listens on, valid after Ready
func (r *Runtime) Addr() string {
	return r.addr
}

// Run starts every loop and blocks until ctx is done, a termination signal
// arrives, the owning process exits or a loop fails. Run may only be called
// once.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := net.Listen("tcp", r.Config.API.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.Config.API.Listen, err)
	}
	r.addr = listener.Addr().String()

	withdraw, err := announce(ctx, r.Store, Info{
		PID:     os.Getpid(),
		Addr:    r.addr,
		Version: core.Version,
		Started: time.Now(),
	})
	if err != nil {
		listener.Close()
		return err
	}
	defer withdraw()
	close(r.ready)

	version := core.FormatVersion(core.Version)
	if err := r.Store.LogEvent("daemon_started", r.addr, fmt.Sprintf("version: %s, PID: %d", version, os.Getpid())); err != nil {
		r.logger.Error("Failed to log daemon start", "error", err)
	}
	r.logger.Info("Daemon started", "version", version, "api", r.addr, "pid", os.Getpid())

	unsubscribe := r.publishEngineEvents()
	defer unsubscribe()

	r.Notifier.Start(ctx)
	defer r.Notifier.Close()

	g, gctx := errgroup.WithContext(ctx)

	if os.Getenv(process.MonitorEnv) != "" {
		monitor := process.NewOwnerMonitor(func() {
			r.logger.Info("Owner exited, shutting down")
			cancel()
		})
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		return lease.NewSweeper(r.Locker, r.Config.Lock.SweepInterval).Run(gctx)
	})
	g.Go(func() error {
		return r.API.Serve(gctx, listener)
	})

	if path := r.Config.Ports.TunnelsFile; path != "" {
		watcher := tunnels.NewWatcher(&tunnels.FileSource{Path: path}, r.Engine, tunnels.DefaultDebounce, r.logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if r.supervisor != nil {
		g.Go(func() error {
			r.applyAutoTunnel(gctx)
			return nil
		})
		g.Go(func() error {
			return r.runFeed(gctx, r.portsFeed())
		})
		g.Go(func() error {
			return r.runFeed(gctx, r.notificationFeed(gctx))
		})
	} else {
		r.logger.Warn("No supervisor configured, port status will stay empty")
	}

	err = g.Wait()
	r.handlers.Wait()

	if err := r.Store.LogEvent("daemon_stopped", r.addr, ""); err != nil {
		r.logger.Error("Failed to log daemon stop", "error", err)
	}
	r.logger.Info("Daemon stopped")
	return err
}

// runFeed treats a feed the server does not implement as finished rather
// than as a daemon failure
func (r *Runtime) runFeed(ctx context.Context, run func(context.Context) error) error {
	err := run(ctx)
	if errors.Is(err, stream.ErrUnimplemented) {
		r.logger.Info("Feed unavailable on this supervisor", "error", err)
		return nil
	}
	return err
}

func (r *Runtime) streamOptions() []stream.Option {
	s := r.Config.Stream
	return []stream.Option{
		stream.WithBackOff(stream.NewBackOff(s.RetryDelay, s.MaxRetryDelay, s.BackoffFactor)),
		stream.WithLogger(r.logger),
	}
}

// portsFeed keeps the engine's status in step with the supervisor
func (r *Runtime) portsFeed() func(context.Context) error {
	loop := stream.New[rpc.PortsStatusResponse]("ports-status", r.supervisor.PortsStatus, func(resp rpc.PortsStatusResponse) {
		r.Engine.UpdateStatus(resp.Ports)
	}, r.streamOptions()...)
	return loop.Run
}

// notificationFeed shows server-pushed notifications and answers them
func (r *Runtime) notificationFeed(ctx context.Context) func(context.Context) error {
	loop := stream.New[rpc.Notification]("notifications", r.supervisor.Subscribe, func(n rpc.Notification) {
		r.handlers.Add(1)
		go func() {
			defer r.handlers.Done()
			r.handleNotification(ctx, n)
		}()
	}, r.streamOptions()...)
	return loop.Run
}

func (r *Runtime) handleNotification(ctx context.Context, n rpc.Notification) {
	r.Events.Emit(events.New(events.KindNotification, n))
	if len(n.Actions) == 0 {
		r.logger.Info("Notification", "level", n.Level, "message", n.Message)
		return
	}

	action, err := r.Prompts.Prompt(ctx, n.Message, n.Actions)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Notification prompt failed", "request_id", n.RequestID, "error", err)
		}
		return
	}

	// An empty action tells the server the notification was dismissed
	if err := r.supervisor.Respond(ctx, n.RequestID, action); err != nil && !rpc.IsCancelled(err) {
		r.logger.Warn("Failed to answer notification", "request_id", n.RequestID, "error", err)
	}
}

// applyAutoTunnel pushes the configured auto-tunnel setting to the supervisor
func (r *Runtime) applyAutoTunnel(ctx context.Context) {
	enabled := r.Config.Companion.AutoTunnel
	if err := r.supervisor.AutoTunnel(ctx, enabled); err != nil {
		switch {
		case ctx.Err() != nil, rpc.IsCancelled(err):
		case rpc.IsUnimplemented(err):
			r.logger.Debug("Supervisor does not support auto-tunnel")
		default:
			r.logger.Warn("Failed to set auto-tunnel", "enabled", enabled, "error", err)
		}
		return
	}
	r.logger.Debug("Auto-tunnel set", "enabled", enabled)
}

// publishEngineEvents forwards engine changes to API subscribers
func (r *Runtime) publishEngineEvents() func() {
	offView := r.Engine.OnViewChanged(func(view []ports.WorkspacePort) {
		r.Events.Emit(events.New(events.KindViewChanged, view))
	})
	offServed := r.Engine.OnExposedServed(func(p ports.WorkspacePort) {
		r.Events.Emit(events.New(events.KindExposedServed, p))
	})
	return func() {
		offView()
		offServed()
	}
}

// Close tears down everything New created, in reverse order
func (r *Runtime) Close() error {
	return r.State.Close()
}
