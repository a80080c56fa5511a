// Package static provides a reply generator that always returns the same
// text. It stands in when no model provider is configured.
package static

import (
	"context"

	"voice-proxy-service/internal/service/conversation"
	"voice-proxy-service/internal/service/reply"
)

// DefaultText is returned when no text is configured.
const DefaultText = "Claude is not configured."

// Generator returns a fixed reply and passes the context through.
type Generator struct {
	text string
}

// New creates a static generator.
func New(text string) *Generator {
	if text == "" {
		text = DefaultText
	}
	return &Generator{text: text}
}

// Generate returns the configured text.
func (g *Generator) Generate(ctx context.Context, _ []conversation.Turn, rc reply.Context) (string, reply.Context, error) {
	if err := ctx.Err(); err != nil {
		return "", rc, err
	}
	return g.text, rc, nil
}
