// Package reply defines the conversational reply generator a session calls
// once per completed user utterance.
package reply

import (
	"context"

	"voice-proxy-service/internal/service/conversation"
)

// Context is opaque state threaded from one generator call to the next.
// The session never inspects it.
type Context map[string]any

// Generator produces the assistant's reply to the full ordered history.
// Failures are returned as-is; callers do not retry.
type Generator interface {
	Generate(ctx context.Context, history []conversation.Turn, rc Context) (string, Context, error)
}

// GeneratorFunc adapts a function to a Generator.
type GeneratorFunc func(ctx context.Context, history []conversation.Turn, rc Context) (string, Context, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, history []conversation.Turn, rc Context) (string, Context, error) {
	return f(ctx, history, rc)
}
