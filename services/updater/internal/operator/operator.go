package operator

import (
	"context"
	"time"
)

// Prompt asks the operator to perform a manual step and confirm it.
type Prompt struct {
	ID      string            `json:"id"`
	RunID   string            `json:"run_id,omitempty"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Issued  time.Time         `json:"issued_at"`
}

// Acknowledger blocks until a human confirms a prompt or ctx is done.
type Acknowledger interface {
	Await(ctx context.Context, prompt Prompt) error
}

// Func adapts a function to the Acknowledger interface.
type Func func(ctx context.Context, prompt Prompt) error

// Await calls f.
func (f Func) Await(ctx context.Context, prompt Prompt) error { return f(ctx, prompt) }
