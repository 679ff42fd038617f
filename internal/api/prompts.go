package api

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.olrik.dev/wharf/internal/events"
)

var (
	ErrUnknownPrompt = errors.New("unknown prompt")
	ErrInvalidAction = errors.New("action not offered by prompt")
)

// Prompt is a question waiting for an API client to answer
type Prompt struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Actions []string  `json:"actions"`
	Created time.Time `json:"created"`

	answer chan string
}

// PromptResult is published when a prompt is answered, dismissed or abandoned
type PromptResult struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Prompts hands prompts to API clients over the event stream and waits for
// one of them to answer. It satisfies ports.Prompter.
type Prompts struct {
	stream *events.Streamer[events.Event]

	mu      sync.Mutex
	pending map[string]*Prompt
}

func NewPrompts(stream *events.Streamer[events.Event]) *Prompts {
	return &Prompts{
		stream:  stream,
		pending: make(map[string]*Prompt),
	}
}

// Prompt publishes message and blocks until it is answered or ctx is done.
// An empty answer means the prompt was dismissed.
func (p *Prompts) Prompt(ctx context.Context, message string, actions []string) (string, error) {
	prompt := &Prompt{
		ID:      uuid.NewString(),
		Message: message,
		Actions: append([]string(nil), actions...),
		Created: time.Now(),
		answer:  make(chan string, 1),
	}

	p.mu.Lock()
	p.pending[prompt.ID] = prompt
	p.mu.Unlock()
	p.stream.Emit(events.New(events.KindPrompt, prompt))

	var (
		action string
		err    error
	)
	select {
	case action = <-prompt.answer:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	delete(p.pending, prompt.ID)
	p.mu.Unlock()
	p.stream.Emit(events.New(events.KindPromptResolved, PromptResult{ID: prompt.ID, Action: action}))

	return action, err
}

// Answer resolves a pending prompt with one of its actions, or dismisses
// it with the empty action
func (p *Prompts) Answer(id, action string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prompt, ok := p.pending[id]
	if !ok {
		return ErrUnknownPrompt
	}
	if action != "" && !slices.Contains(prompt.Actions, action) {
		return ErrInvalidAction
	}

	delete(p.pending, id)
	prompt.answer <- action
	return nil
}

// Pending returns the open prompts, oldest first
func (p *Prompts) Pending() []Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Prompt, 0, len(p.pending))
	for _, prompt := range p.pending {
		out = append(out, *prompt)
	}
	slices.SortFunc(out, func(a, b Prompt) int { return a.Created.Compare(b.Created) })
	return out
}
