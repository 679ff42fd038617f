package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.olrik.dev/wharf/internal/process"
	"go.olrik.dev/wharf/internal/store"
)

// InfoKey is where a running daemon announces itself in the store
const InfoKey = "daemon/info"

// ErrNotRunning is returned by ReadInfo when no live daemon is announced
var ErrNotRunning = errors.New("daemon is not running")

// Info tells CLI commands how to reach the running daemon
type Info struct {
	PID     int       `json:"pid"`
	Addr    string    `json:"addr"`
	Version string    `json:"version"`
	Started time.Time `json:"started"`
}

// URL returns the daemon's API base URL
func (i Info) URL() string {
	return "http://" + i.Addr
}

// InfoStore is the part of the store Info is kept in
type InfoStore interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

var _ InfoStore = (*store.Store)(nil)

// ReadInfo returns the announced daemon. An announcement left behind by a
// daemon that has since died counts as not running.
func ReadInfo(ctx context.Context, s InfoStore) (Info, error) {
	return readInfo(ctx, s, process.Alive)
}

func readInfo(ctx context.Context, s InfoStore, alive func(int) bool) (Info, error) {
	var info Info
	found, err := s.Get(ctx, InfoKey, &info)
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		return Info{}, fmt.Errorf("failed to read daemon info: %w", err)
	}
	if !found || err != nil || !alive(info.PID) {
		return Info{}, ErrNotRunning
	}
	return info, nil
}

// announce records info and returns a func that withdraws it again, unless
// another daemon has replaced it in the meantime
func announce(ctx context.Context, s InfoStore, info Info) (func(), error) {
	if err := s.Set(ctx, InfoKey, info); err != nil {
		return nil, fmt.Errorf("failed to announce daemon: %w", err)
	}
	return func() {
		ctx := context.WithoutCancel(ctx)
		var current Info
		if found, err := s.Get(ctx, InfoKey, &current); err != nil || !found || current.PID != info.PID {
			return
		}
		s.Delete(ctx, InfoKey)
	}, nil
}
