package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.olrik.dev/wharf/internal/ports"
)

// Client talks to a running daemon's API
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the API at baseURL, e.g. http://127.0.0.1:4000
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is a non-2xx answer from the API
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon answered %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon answered %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Ports(ctx context.Context) ([]ports.WorkspacePort, error) {
	var list []ports.WorkspacePort
	if err := c.do(ctx, http.MethodGet, "/api/ports", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Port(ctx context.Context, number int) (ports.WorkspacePort, error) {
	var p ports.WorkspacePort
	err := c.do(ctx, http.MethodGet, "/api/ports/"+strconv.Itoa(number), nil, &p)
	return p, err
}

// SetPortVisibility asks the daemon to expose port with visibility
func (c *Client) SetPortVisibility(ctx context.Context, number int, visibility string) error {
	path := "/api/ports/" + strconv.Itoa(number) + "/visibility"
	return c.do(ctx, http.MethodPost, path, visibilityRequest{Visibility: visibility}, nil)
}

// SetTunnelVisibility asks the daemon to change where the port's tunnel listens
func (c *Client) SetTunnelVisibility(ctx context.Context, number int, visibility string) error {
	path := "/api/ports/" + strconv.Itoa(number) + "/tunnel"
	return c.do(ctx, http.MethodPost, path, visibilityRequest{Visibility: visibility}, nil)
}

// CloseTunnel asks the daemon to stop tunnelling the port
func (c *Client) CloseTunnel(ctx context.Context, number int) error {
	return c.do(ctx, http.MethodDelete, "/api/ports/"+strconv.Itoa(number)+"/tunnel", nil, nil)
}

func (c *Client) Prompts(ctx context.Context) ([]Prompt, error) {
	var list []Prompt
	if err := c.do(ctx, http.MethodGet, "/api/prompts", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) AnswerPrompt(ctx context.Context, id, action string) error {
	return c.do(ctx, http.MethodPost, "/api/prompts/"+id, answerRequest{Action: action}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response from daemon: %w", err)
	}
	return nil
}
