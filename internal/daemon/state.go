// Package daemon assembles wharf's components into a long running process
// and owns their lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.olrik.dev/wharf/internal/companion"
	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/lease"
	"go.olrik.dev/wharf/internal/store"
)

// closer is one step of a teardown list
type closer struct {
	name string
	fn   func() error
}

// teardown runs closers last-in first-out
type teardown struct {
	closers []closer
}

func (t *teardown) add(name string, fn func() error) {
	t.closers = append(t.closers, closer{name: name, fn: fn})
}

func (t *teardown) run(logger *slog.Logger) error {
	var errs []error
	for _, c := range slices.Backward(t.closers) {
		logger.Debug("Closing", "component", c.name)
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// State is the shared state every wharf command works against: the store,
// the lease lock on top of it and the companion manager.
type State struct {
	Config     *core.Configuration
	Store      *store.Store
	Locker     *lease.Locker
	Companions *companion.Manager

	logger   *slog.Logger
	teardown teardown
}

// OpenState opens the store named by cfg
func OpenState(cfg *core.Configuration, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Store opened", "path", st.Path())

	s := &State{
		Config: cfg,
		Store:  st,
		logger: logger,
	}
	s.teardown.add("store", st.Close)

	s.Locker = lease.NewLocker(st,
		lease.WithPollInterval(cfg.Lock.PollInterval),
		lease.WithEventLog(st),
		lease.WithLogger(logger),
	)
	s.Companions = companion.NewManager(st, s.Locker, companionSettings(st, cfg.Companion),
		companion.WithEventLog(st),
		companion.WithLogger(logger),
	)
	return s, nil
}

// companionSettings points the companion's auth redirect at a running
// daemon unless one is configured
func companionSettings(st InfoStore, settings core.CompanionConfig) core.CompanionConfig {
	if settings.AuthRedirectURL != "" {
		return settings
	}
	if info, err := ReadInfo(context.Background(), st); err == nil {
		settings.AuthRedirectURL = info.URL() + "/auth-complete"
	}
	return settings
}

// Close releases everything opened by OpenState
func (s *State) Close() error {
	return s.teardown.run(s.logger)
}
