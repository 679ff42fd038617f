package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, env *testEnv) *Client {
	t.Helper()
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClient_Ports(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)
	ctx := context.Background()

	list, err := c.Ports(ctx)
	if err != nil {
		t.Fatalf("Ports failed: %v", err)
	}
	if len(list) != 2 || list[0].Number != 3000 {
		t.Fatalf("Unexpected ports %+v", list)
	}

	p, err := c.Port(ctx, 3000)
	if err != nil {
		t.Fatalf("Port failed: %v", err)
	}
	if p.Status.Name != "web" {
		t.Errorf("Expected name web, got %q", p.Status.Name)
	}

	_, err = c.Port(ctx, 8080)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 status error, got %v", err)
	}
}

func TestClient_Visibility(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)
	ctx := context.Background()

	if err := c.SetPortVisibility(ctx, 3000, "public"); err != nil {
		t.Fatalf("SetPortVisibility failed: %v", err)
	}
	if err := c.SetTunnelVisibility(ctx, 3000, "network"); err != nil {
		t.Fatalf("SetTunnelVisibility failed: %v", err)
	}

	if err := c.CloseTunnel(ctx, 3000); err != nil {
		t.Fatalf("CloseTunnel failed: %v", err)
	}

	env.view.mu.Lock()
	got := append([]string(nil), env.view.requested...)
	env.view.mu.Unlock()
	if len(got) != 3 || got[0] != "port 3000 public" || got[1] != "tunnel 3000 network" || got[2] != "close 3000" {
		t.Errorf("Unexpected requests %v", got)
	}

	err := c.SetPortVisibility(ctx, 3000, "everyone")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest || statusErr.Message == "" {
		t.Errorf("Expected 400 with message, got %v", err)
	}
}

func TestClient_Prompts(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)

	result := make(chan string, 1)
	go func() {
		action, _ := env.prompts.Prompt(context.Background(), "Open 3000?", []string{"Open Browser"})
		result <- action
	}()

	prompt := waitForPrompt(t, env.prompts)
	pending, err := c.Prompts(context.Background())
	if err != nil || len(pending) != 1 || pending[0].ID != prompt.ID {
		t.Fatalf("Expected the open prompt, got %+v %v", pending, err)
	}

	if err := c.AnswerPrompt(context.Background(), prompt.ID, "Open Browser"); err != nil {
		t.Fatalf("AnswerPrompt failed: %v", err)
	}
	if got := <-result; got != "Open Browser" {
		t.Errorf("Expected Open Browser, got %q", got)
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Ports(context.Background())
	if err == nil {
		t.Fatal("Expected error for closed server")
	}
}
