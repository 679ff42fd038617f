// Package ports merges the workspace's port status feed with the local tunnel
// list into one WorkspacePort per port number and tells subscribers when a
// port becomes exposed and served.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"go.olrik.dev/wharf/internal/rpc"
)

var (
	// ErrUnknownPort is returned for requests about ports not in the latest snapshot
	ErrUnknownPort = errors.New("unknown port")
	// ErrNoClient is returned when the engine has no client for a request
	ErrNoClient = errors.New("no client configured")
)

// EventLog receives port events
type EventLog interface {
	LogEvent(kind, subject, details string) error
}

// Engine owns the aggregated port view
type Engine struct {
	mu      sync.RWMutex
	ports   map[int]*WorkspacePort
	status  []rpc.PortStatus
	tunnels []Tunnel

	reconciling atomic.Bool
	dirty       atomic.Bool

	subsMu      sync.Mutex
	nextSub     int
	exposedSubs map[int]func(WorkspacePort)
	viewSubs    map[int]func([]WorkspacePort)

	control     rpc.ControlClient
	workspaceID string
	tunnelRPC   rpc.PortClient
	events      EventLog
	logger      *slog.Logger
}

type Option func(*Engine)

// WithControlClient routes exposure changes through the control plane
func WithControlClient(c rpc.ControlClient, workspaceID string) Option {
	return func(e *Engine) {
		e.control = c
		e.workspaceID = workspaceID
	}
}

// WithPortClient routes tunnel changes through c
func WithPortClient(c rpc.PortClient) Option {
	return func(e *Engine) { e.tunnelRPC = c }
}

func WithEventLog(events EventLog) Option {
	return func(e *Engine) { e.events = events }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		ports:       make(map[int]*WorkspacePort),
		exposedSubs: make(map[int]func(WorkspacePort)),
		viewSubs:    make(map[int]func([]WorkspacePort)),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "ports")
	return e
}

// UpdateStatus replaces the status snapshot and reconciles
func (e *Engine) UpdateStatus(status []rpc.PortStatus) {
	e.mu.Lock()
	e.status = append([]rpc.PortStatus(nil), status...)
	e.mu.Unlock()
	e.Reconcile()
}

// UpdateTunnels replaces the tunnel list and reconciles
func (e *Engine) UpdateTunnels(tunnels []Tunnel) {
	e.mu.Lock()
	e.tunnels = append([]Tunnel(nil), tunnels...)
	e.mu.Unlock()
	e.Reconcile()
}

// Reconcile runs a pass over the latest inputs. A call made while another
// pass is in flight returns false at once; the running pass then repeats so
// the newest inputs are always reconciled.
func (e *Engine) Reconcile() bool {
	ran := false
	for {
		if !e.reconciling.CompareAndSwap(false, true) {
			e.dirty.Store(true)
			if e.reconciling.Load() {
				return ran
			}
			continue
		}

		e.dirty.Store(false)
		e.pass()
		ran = true
		e.reconciling.Store(false)

		if !e.dirty.Load() {
			return ran
		}
	}
}

func (e *Engine) pass() {
	e.mu.Lock()

	toClean := make(map[int]struct{}, len(e.ports))
	for n := range e.ports {
		toClean[n] = struct{}{}
	}

	seen := make(map[int]struct{}, len(e.status))
	var exposed []WorkspacePort
	for _, st := range e.status {
		n := st.LocalPort
		if n <= 0 {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		delete(toClean, n)

		p, ok := e.ports[n]
		if !ok {
			p = newWorkspacePort(n)
			e.ports[n] = p
		}
		wasExposedServed := ok && p.ExposedServed()

		p.update(st, findTunnel(e.tunnels, n))

		if p.ExposedServed() && !wasExposedServed {
			exposed = append(exposed, p.clone())
		}
	}

	for n := range toClean {
		delete(e.ports, n)
	}

	view := e.snapshotLocked()
	e.mu.Unlock()

	for _, p := range exposed {
		e.logger.Debug("Port exposed and served", "port", p.Number, "url", p.ExternalURL())
		e.logEvent("port_exposed", p)
		e.emitExposedServed(p)
	}
	e.emitViewChanged(view)
}

func findTunnel(tunnels []Tunnel, port int) *Tunnel {
	for i := range tunnels {
		if tunnels[i].RemotePort == port {
			t := tunnels[i]
			return &t
		}
	}
	return nil
}

func (e *Engine) snapshotLocked() []WorkspacePort {
	out := make([]WorkspacePort, 0, len(e.ports))
	for _, p := range e.ports {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Ports returns a copy of the current view, ordered by port number
func (e *Engine) Ports() []WorkspacePort {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// Port returns a copy of one port
func (e *Engine) Port(number int) (WorkspacePort, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.ports[number]
	if !ok {
		return WorkspacePort{}, false
	}
	return p.clone(), true
}

// SetPortVisibility asks the control plane to change a port's exposure. The
// local view is left alone until the status feed reports the change.
func (e *Engine) SetPortVisibility(ctx context.Context, port int, visibility rpc.Visibility) error {
	if !visibility.Valid() {
		return fmt.Errorf("invalid port visibility %q", visibility)
	}
	if _, ok := e.Port(port); !ok {
		return fmt.Errorf("port %d: %w", port, ErrUnknownPort)
	}
	if e.control == nil {
		return fmt.Errorf("set port visibility: %w", ErrNoClient)
	}
	return e.control.OpenPort(ctx, e.workspaceID, port, visibility)
}

// SetTunnelVisibility asks the supervisor to tunnel a port with the given
// visibility. Like SetPortVisibility it does not touch local state.
func (e *Engine) SetTunnelVisibility(ctx context.Context, port int, visibility rpc.TunnelVisibility) error {
	if !visibility.Valid() {
		return fmt.Errorf("invalid tunnel visibility %q", visibility)
	}
	if e.tunnelRPC == nil {
		return fmt.Errorf("set tunnel visibility: %w", ErrNoClient)
	}
	return e.tunnelRPC.Tunnel(ctx, rpc.TunnelPortRequest{
		Port:       port,
		TargetPort: port,
		Visibility: visibility,
	})
}

// CloseTunnel asks the supervisor to stop tunnelling port. The tunnel stays
// in the view until the tunnels file drops it.
func (e *Engine) CloseTunnel(ctx context.Context, port int) error {
	if e.tunnelRPC == nil {
		return fmt.Errorf("close tunnel: %w", ErrNoClient)
	}
	return e.tunnelRPC.CloseTunnel(ctx, port)
}

// OnExposedServed subscribes fn to ports becoming exposed and served.
// The returned func unsubscribes.
func (e *Engine) OnExposedServed(fn func(WorkspacePort)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.exposedSubs[id] = fn
	return func() {
		e.subsMu.Lock()
		delete(e.exposedSubs, id)
		e.subsMu.Unlock()
	}
}

// OnViewChanged subscribes fn to the whole view after every pass
func (e *Engine) OnViewChanged(fn func([]WorkspacePort)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.viewSubs[id] = fn
	return func() {
		e.subsMu.Lock()
		delete(e.viewSubs, id)
		e.subsMu.Unlock()
	}
}

func (e *Engine) emitExposedServed(p WorkspacePort) {
	e.subsMu.Lock()
	subs := make([]func(WorkspacePort), 0, len(e.exposedSubs))
	for _, fn := range e.exposedSubs {
		subs = append(subs, fn)
	}
	e.subsMu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

func (e *Engine) emitViewChanged(view []WorkspacePort) {
	e.subsMu.Lock()
	subs := make([]func([]WorkspacePort), 0, len(e.viewSubs))
	for _, fn := range e.viewSubs {
		subs = append(subs, fn)
	}
	e.subsMu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}

func (e *Engine) logEvent(kind string, p WorkspacePort) {
	if e.events == nil {
		return
	}
	if err := e.events.LogEvent(kind, fmt.Sprintf("port/%d", p.Number), p.ExternalURL()); err != nil {
		e.logger.Debug("Failed to record port event", "kind", kind, "error", err)
	}
}
