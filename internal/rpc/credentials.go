package rpc

import (
	"context"
	"fmt"
)

// TokenFunc returns the bearer credential for the next call. An empty token
// sends no authorization header.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

type bearerCredentials struct {
	token TokenFunc
}

func (b bearerCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := b.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bearer token: %w", err)
	}
	if token == "" {
		return nil, nil
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

// The companion and supervisor listen on localhost only
func (bearerCredentials) RequireTransportSecurity() bool {
	return false
}
