// Package keyring keeps the bearer tokens used to talk to remote hosts in
// the operating system's credential store.
package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"go.olrik.dev/wharf/internal/rpc"
)

const ServiceName = "wharf"

// ErrNoToken is returned by Delete when nothing is stored for a host
var ErrNoToken = errors.New("no token stored")

// Tokens stores one bearer token per remote host
type Tokens struct {
	ring keyring.Keyring
}

// Open opens the platform keyring, preferring native backends
func Open() (*Tokens, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,      // macOS Keychain
			keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
			keyring.WinCredBackend,       // Windows Credential Manager
			keyring.PassBackend,          // pass
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring
func New(ring keyring.Keyring) *Tokens {
	return &Tokens{ring: ring}
}

// Get returns the token for host, or "" when none is stored
func (t *Tokens) Get(host string) (string, error) {
	item, err := t.ring.Get(host)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve token: %w", err)
	}
	return string(item.Data), nil
}

func (t *Tokens) Set(host, token string) error {
	return t.ring.Set(keyring.Item{
		Key:   host,
		Data:  []byte(token),
		Label: "wharf token for " + host,
	})
}

func (t *Tokens) Delete(host string) error {
	err := t.ring.Remove(host)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w for '%s'", ErrNoToken, host)
	}
	return err
}

// Has reports whether a token is stored for host
func (t *Tokens) Has(host string) bool {
	_, err := t.ring.Get(host)
	return err == nil
}

// TokenFunc reads the host's token on every call, so a token set while the
// daemon runs is picked up without a restart
func (t *Tokens) TokenFunc(host string) rpc.TokenFunc {
	return func(context.Context) (string, error) {
		return t.Get(host)
	}
}
