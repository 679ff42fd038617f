package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.olrik.dev/wharf/internal/rpc"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

// sliceStream yields msgs, then err
type sliceStream struct {
	msgs []int
	err  error
	ctx  context.Context
}

func (s *sliceStream) Recv() (int, error) {
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		return m, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	// Block like an idle server until cancelled
	<-s.ctx.Done()
	return 0, status.Error(codes.Canceled, "context canceled")
}

type collector struct {
	mu   sync.Mutex
	msgs []int
}

func (c *collector) add(m int) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func fastOpts() []Option {
	return []Option{
		WithBackOff(backoff.NewConstantBackOff(5 * time.Millisecond)),
		WithLogger(quietLogger()),
	}
}

// runLoop runs l until the returned func cancels it and returns Run's result
func runLoop[T any](t *testing.T, l *Loop[T]) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() error {
		t.Helper()
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func TestLoop_ReconnectsAfterEnd(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context) (rpc.Stream[int], error) {
		opens.Add(1)
		return &sliceStream{msgs: []int{1, 2}, err: io.EOF, ctx: ctx}, nil
	}

	c := &collector{}
	l := New("test", open, c.add, fastOpts()...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for opens.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("Expected reconnects, got %d opens", opens.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Expected nil after cancel, got %v", err)
	}
	if c.count() < 4 {
		t.Errorf("Expected messages from several sessions, got %d", c.count())
	}
	if l.State() != Stopped {
		t.Errorf("Expected Stopped, got %v", l.State())
	}
}

func TestLoop_UnimplementedStopsPermanently(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context) (rpc.Stream[int], error) {
		opens.Add(1)
		return &sliceStream{err: status.Error(codes.Unimplemented, "nope"), ctx: ctx}, nil
	}

	l := New("test", open, func(int) {}, fastOpts()...)
	err := l.Run(context.Background())
	if !errors.Is(err, ErrUnimplemented) {
		t.Errorf("Expected ErrUnimplemented, got %v", err)
	}
	if opens.Load() != 1 {
		t.Errorf("Expected no retries, got %d opens", opens.Load())
	}
	if l.State() != Stopped {
		t.Errorf("Expected Stopped, got %v", l.State())
	}
}

func TestLoop_RetriesOpenErrors(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context) (rpc.Stream[int], error) {
		if opens.Add(1) < 3 {
			return nil, status.Error(codes.Unavailable, "not yet")
		}
		return &sliceStream{msgs: []int{42}, ctx: ctx}, nil
	}

	got := make(chan int, 1)
	l := New("test", open, func(m int) { got <- m }, fastOpts()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	select {
	case m := <-got:
		if m != 42 {
			t.Errorf("Expected 42, got %d", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not recover from open errors")
	}
}

func TestLoop_StopDuringStreaming(t *testing.T) {
	streaming := make(chan struct{})
	var once sync.Once
	open := func(ctx context.Context) (rpc.Stream[int], error) {
		once.Do(func() { close(streaming) })
		return &sliceStream{ctx: ctx}, nil
	}

	var states []State
	var mu sync.Mutex
	hook := func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	l := New("test", open, func(int) {}, append(fastOpts(), WithStateHook(hook))...)
	stop := runLoop(t, l)

	select {
	case <-streaming:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream never opened")
	}

	if err := stop(); err != nil {
		t.Errorf("Expected no error after cancel, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Streaming, Stopped}
	if len(states) != len(want) {
		t.Fatalf("Expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("State %d: expected %v, got %v", i, want[i], states[i])
		}
	}
}

func TestLoop_StopDuringBackOff(t *testing.T) {
	open := func(ctx context.Context) (rpc.Stream[int], error) {
		return nil, status.Error(codes.Unavailable, "down")
	}

	backingOff := make(chan struct{})
	var once sync.Once
	hook := func(s State) {
		if s == BackingOff {
			once.Do(func() { close(backingOff) })
		}
	}

	l := New("test", open, func(int) {},
		WithBackOff(backoff.NewConstantBackOff(time.Hour)),
		WithLogger(quietLogger()),
		WithStateHook(hook),
	)
	stop := runLoop(t, l)

	select {
	case <-backingOff:
	case <-time.After(2 * time.Second):
		t.Fatal("Loop never backed off")
	}

	stop()
	if l.State() != Stopped {
		t.Errorf("Expected Stopped, got %v", l.State())
	}
}

func TestLoop_BackOffStopEndsLoop(t *testing.T) {
	open := func(ctx context.Context) (rpc.Stream[int], error) {
		return nil, status.Error(codes.Unavailable, "down")
	}

	l := New("test", open, func(int) {},
		WithBackOff(&backoff.StopBackOff{}),
		WithLogger(quietLogger()),
	)
	if err := l.Run(context.Background()); err == nil {
		t.Error("Expected error when the back-off policy gives up")
	}
}

func TestNewBackOff(t *testing.T) {
	constant := NewBackOff(time.Second, time.Second, 1)
	if d := constant.NextBackOff(); d != time.Second {
		t.Errorf("Expected constant 1s, got %v", d)
	}

	exp := NewBackOff(100*time.Millisecond, time.Second, 2)
	if _, ok := exp.(*backoff.ExponentialBackOff); !ok {
		t.Fatalf("Expected exponential back-off, got %T", exp)
	}
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = exp.NextBackOff()
	}
	// Capped at MaxInterval plus jitter
	if last > 1500*time.Millisecond {
		t.Errorf("Expected delay to be capped, got %v", last)
	}
}

func TestState_String(t *testing.T) {
	if BackingOff.String() != "backing-off" || Stopped.String() != "stopped" {
		t.Error("Unexpected state names")
	}
}
