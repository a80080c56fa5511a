// Package tts defines the streaming speech-synthesis interface used by a
// session and the provider adapters that implement it.
package tts

import (
	"context"
	"errors"

	"voice-proxy-service/internal/models"
)

// ErrClosed is returned once a synthesis stream has ended.
var ErrClosed = errors.New("synthesis stream closed")

// Stream is one live synthesis connection. Text is written by one goroutine
// and audio is read by another.
type Stream interface {
	// SendText queues text for synthesis. Empty text is rejected because
	// providers treat it as end of stream.
	SendText(ctx context.Context, text string) error

	// Flush asks the provider to emit audio for all buffered text.
	Flush(ctx context.Context) error

	// Receive blocks for the next synthesis event.
	Receive(ctx context.Context) (models.SynthesisEvent, error)

	// Close ends the stream and releases resources. It is idempotent.
	Close() error
}

// Connector opens synthesis streams.
type Connector interface {
	Connect(ctx context.Context) (Stream, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context) (Stream, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Stream, error) {
	return f(ctx)
}
