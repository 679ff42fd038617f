// Package stream keeps a server-streaming call open: it reconnects after
// disconnects with a delay, stops for good when the server does not implement
// the call, and stops silently when its owner cancels it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"go.olrik.dev/wharf/internal/rpc"
)

// ErrUnimplemented is returned by Run when the server does not provide the stream
var ErrUnimplemented = errors.New("stream not implemented by server")

// State is the position of a Loop in its lifecycle
type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	BackingOff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case BackingOff:
		return "backing-off"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// OpenFunc opens a new stream
type OpenFunc[T any] func(ctx context.Context) (rpc.Stream[T], error)

type options struct {
	backoff backoff.BackOff
	logger  *slog.Logger
	onState func(State)
}

type Option func(*options)

// WithBackOff sets the retry delay policy. Returning backoff.Stop ends the loop.
func WithBackOff(b backoff.BackOff) Option {
	return func(o *options) { o.backoff = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStateHook is called on every state change
func WithStateHook(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}

// NewBackOff returns a constant delay when factor <= 1, otherwise an
// exponential one capped at maxDelay.
func NewBackOff(delay, maxDelay time.Duration, factor float64) backoff.BackOff {
	if factor <= 1 || maxDelay <= delay {
		return backoff.NewConstantBackOff(delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.Multiplier = factor
	b.MaxInterval = maxDelay
	b.Reset()
	return b
}

// Loop consumes one logical stream, reopening it as needed
type Loop[T any] struct {
	name   string
	open   OpenFunc[T]
	handle func(T)
	opts   options

	state atomic.Int32
}

// New creates a Loop that passes every received message to handle
func New[T any](name string, open OpenFunc[T], handle func(T), opts ...Option) *Loop[T] {
	o := options{
		backoff: backoff.NewConstantBackOff(time.Second),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "stream", "stream", name)

	return &Loop[T]{name: name, open: open, handle: handle, opts: o}
}

// State returns the current state
func (l *Loop[T]) State() State {
	return State(l.state.Load())
}

func (l *Loop[T]) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	if l.opts.onState != nil {
		l.opts.onState(s)
	}
}

// Run consumes the stream until ctx is done (returns nil), the server reports
// the call unimplemented (ErrUnimplemented) or the back-off policy gives up.
func (l *Loop[T]) Run(ctx context.Context) error {
	defer l.setState(Stopped)
	l.opts.backoff.Reset()

	for {
		l.setState(Connecting)
		received, err := l.session(ctx)

		if ctx.Err() != nil {
			l.opts.logger.Debug("Stream stopped")
			return nil
		}

		switch {
		case err == nil || errors.Is(err, io.EOF):
			l.opts.logger.Debug("Stream ended, reconnecting")
		case rpc.IsUnimplemented(err):
			l.opts.logger.Warn("Stream not implemented by server, giving up", "error", err)
			return fmt.Errorf("%s: %w", l.name, ErrUnimplemented)
		case rpc.IsCancelled(err):
			l.opts.logger.Debug("Stream cancelled by peer, reconnecting", "error", err)
		default:
			l.opts.logger.Warn("Stream failed, reconnecting", "error", err)
		}

		if received {
			l.opts.backoff.Reset()
		}
		delay := l.opts.backoff.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%s: giving up: %w", l.name, err)
		}

		l.setState(BackingOff)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session opens the stream and drains it. It reports whether any message arrived.
func (l *Loop[T]) session(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := l.open(ctx)
	if err != nil {
		return false, err
	}
	l.setState(Streaming)

	received := false
	for {
		msg, err := s.Recv()
		if err != nil {
			return received, err
		}
		received = true
		l.handle(msg)
	}
}
