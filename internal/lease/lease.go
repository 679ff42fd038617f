// Package lease implements a named mutex shared by independent processes on top
// of a last-write-wins key/value store.
//
// Holders write a lease with a deadline and re-read it to learn whether they
// won. Nothing is atomic: a lease is reclaimed only when it is stale, i.e. its
// deadline passed, its recorded process is gone, or it cannot be decoded.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/wharf/internal/process"
	"go.olrik.dev/wharf/internal/store"
)

// KeyPrefix namespaces lease entries in the shared store
const KeyPrefix = "lock/"

// DefaultPollInterval is how often waiters re-read a lease
const DefaultPollInterval = 150 * time.Millisecond

// ErrLeaseLost is the cancellation cause given to an operation whose lease was
// reclaimed by another process while it ran.
var ErrLeaseLost = errors.New("lease lost")

// Store is the part of the shared store a Locker uses
type Store interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// EventLog receives lease lifecycle events
type EventLog interface {
	LogEvent(kind, subject, details string) error
}

// Lease is the stored claim on a lock name
type Lease struct {
	Holder   string    `json:"holder"`
	Value    string    `json:"value"`
	Deadline time.Time `json:"deadline"`
	PID      int       `json:"pid,omitempty"`
}

// Stale reports whether the lease may be reclaimed
func (l Lease) Stale(now time.Time, alive func(int) bool) bool {
	if now.After(l.Deadline) {
		return true
	}
	return l.PID > 0 && !alive(l.PID)
}

// Key returns the store key for a lock name
func Key(name string) string {
	return KeyPrefix + name
}

// Locker acquires leases on behalf of one process
type Locker struct {
	store   Store
	session string
	counter atomic.Uint64

	poll   time.Duration
	pid    int
	now    func() time.Time
	alive  func(int) bool
	events EventLog
	logger *slog.Logger
}

// Option configures a Locker
type Option func(*Locker)

func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) { l.poll = d }
}

// WithAliveFunc replaces the process-existence check
func WithAliveFunc(fn func(int) bool) Option {
	return func(l *Locker) { l.alive = fn }
}

func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithPID sets the pid recorded in acquired leases. Zero records none.
func WithPID(pid int) Option {
	return func(l *Locker) { l.pid = pid }
}

func WithEventLog(events EventLog) Option {
	return func(l *Locker) { l.events = events }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// NewLocker creates a Locker with a fresh session id
func NewLocker(s Store, opts ...Option) *Locker {
	l := &Locker{
		store:   s,
		session: uuid.NewString(),
		poll:    DefaultPollInterval,
		pid:     os.Getpid(),
		now:     time.Now,
		alive:   process.Alive,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "lease")
	return l
}

// Session returns the holder id written into this Locker's leases
func (l *Locker) Session() string {
	return l.session
}

func (l *Locker) nextValue() string {
	return fmt.Sprintf("%s/%d", l.session, l.counter.Add(1))
}

// WithLock runs op while holding the lease for name.
//
// Acquisition waits until the lease is won and only gives up when ctx is done.
// timeout bounds how long the lease stays valid without renewal; while op runs
// the lease is renewed, and if another process takes it over op's context is
// cancelled with cause ErrLeaseLost. The lease is released however op ends.
func (l *Locker) WithLock(ctx context.Context, name string, timeout time.Duration, op func(ctx context.Context) error) error {
	key := Key(name)
	value := l.nextValue()

	if err := l.acquire(ctx, key, value, timeout); err != nil {
		return err
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(context.WithoutCancel(ctx), key, value, timeout, stop, cancel)
	}()

	err := op(opCtx)

	close(stop)
	<-renewed

	if err != nil && errors.Is(context.Cause(opCtx), ErrLeaseLost) && ctx.Err() == nil {
		err = fmt.Errorf("%s: %w", name, ErrLeaseLost)
	}

	l.release(context.WithoutCancel(ctx), key, value)
	return err
}

// Do is WithLock for operations that produce a value
func Do[T any](ctx context.Context, l *Locker, name string, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := l.WithLock(ctx, name, timeout, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

func (l *Locker) deadline(timeout time.Duration) time.Time {
	return l.now().Add(timeout + 2*l.poll)
}

func (l *Locker) acquire(ctx context.Context, key, value string, timeout time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var cur Lease
		found, err := l.store.Get(ctx, key, &cur)
		switch {
		case errors.Is(err, store.ErrCorrupt):
			if l.reclaim(ctx, key, "corrupt") {
				continue
			}

		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Debug("Failed to read lease, retrying", "key", key, "error", err)

		case found && cur.Value == value:
			l.logger.Debug("Lease acquired", "key", key, "value", value)
			l.logEvent("lease_acquired", key, value)
			return nil

		case found && cur.Stale(l.now(), l.alive):
			if l.reclaim(ctx, key, fmt.Sprintf("holder=%s pid=%d", cur.Holder, cur.PID)) {
				continue
			}

		case !found:
			lease := Lease{
				Holder:   l.session,
				Value:    value,
				Deadline: l.deadline(timeout),
				PID:      l.pid,
			}
			if err := l.store.Set(ctx, key, lease); err != nil {
				l.logger.Debug("Failed to write lease, retrying", "key", key, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *Locker) reclaim(ctx context.Context, key, details string) bool {
	if err := l.store.Delete(ctx, key); err != nil {
		l.logger.Debug("Failed to delete stale lease", "key", key, "error", err)
		return false
	}
	l.logger.Info("Reclaimed stale lease", "key", key, "previous", details)
	l.logEvent("lease_reclaimed", key, details)
	return true
}

// renew re-reads the lease every poll interval, extends it when half of its
// validity is used up, and cancels the operation once someone else holds it.
func (l *Locker) renew(ctx context.Context, key, value string, timeout time.Duration, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		var cur Lease
		found, err := l.store.Get(ctx, key, &cur)
		if err != nil && !errors.Is(err, store.ErrCorrupt) {
			l.logger.Debug("Failed to re-read lease", "key", key, "error", err)
			continue
		}
		if err != nil || !found || cur.Value != value {
			l.logger.Warn("Lease taken over by another holder", "key", key, "holder", cur.Holder)
			l.logEvent("lease_lost", key, value)
			cancel(ErrLeaseLost)
			return
		}

		if cur.Deadline.Sub(l.now()) < (timeout+2*l.poll)/2 {
			cur.Deadline = l.deadline(timeout)
			if err := l.store.Set(ctx, key, cur); err != nil {
				l.logger.Debug("Failed to renew lease", "key", key, "error", err)
			}
		}
	}
}

// release deletes the lease unless another holder already replaced it
func (l *Locker) release(ctx context.Context, key, value string) {
	var cur Lease
	found, err := l.store.Get(ctx, key, &cur)
	if err == nil {
		if !found {
			return
		}
		if cur.Value != value {
			l.logger.Debug("Lease already held by another holder, not releasing", "key", key, "holder", cur.Holder)
			return
		}
	}

	if err := l.store.Delete(ctx, key); err != nil {
		l.logger.Warn("Failed to release lease", "key", key, "error", err)
		return
	}
	l.logger.Debug("Lease released", "key", key)
	l.logEvent("lease_released", key, value)
}

func (l *Locker) logEvent(kind, key, details string) {
	if l.events == nil {
		return
	}
	if err := l.events.LogEvent(kind, key, details); err != nil {
		l.logger.Debug("Failed to record lease event", "kind", kind, "error", err)
	}
}

// Status describes one stored lease
type Status struct {
	Name    string
	Lease   Lease
	Stale   bool
	Corrupt bool
}

// List returns every stored lease with its staleness
func (l *Locker) List(ctx context.Context) ([]Status, error) {
	keys, err := l.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}

	var out []Status
	now := l.now()
	for _, key := range keys {
		st := Status{Name: strings.TrimPrefix(key, KeyPrefix)}
		found, err := l.store.Get(ctx, key, &st.Lease)
		switch {
		case errors.Is(err, store.ErrCorrupt):
			st.Corrupt, st.Stale = true, true
		case err != nil:
			return nil, err
		case !found:
			continue
		default:
			st.Stale = st.Lease.Stale(now, l.alive)
		}
		out = append(out, st)
	}
	return out, nil
}

// ReleaseStale deletes every stale lease and returns how many were removed
func (l *Locker) ReleaseStale(ctx context.Context) (int, error) {
	leases, err := l.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list leases: %w", err)
	}

	released := 0
	for _, st := range leases {
		if !st.Stale {
			continue
		}
		key := Key(st.Name)
		if err := l.store.Delete(ctx, key); err != nil {
			return released, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		released++
		l.logger.Info("Swept stale lease", "key", key, "holder", st.Lease.Holder, "pid", st.Lease.PID)
		l.logEvent("lease_reclaimed", key, "sweep")
	}
	return released, nil
}
