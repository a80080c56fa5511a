// Package stt defines the streaming speech-recognition interface used by a
// session and the provider adapters that implement it.
package stt

import (
	"context"
	"errors"

	"voice-proxy-service/internal/models"
)

// ErrClosed is returned once a recognition stream has ended, either because
// it was closed locally or because the provider closed it.
var ErrClosed = errors.New("recognition stream closed")

// Stream is one live recognition connection. SendAudio is called by one
// goroutine and Receive by another.
type Stream interface {
	// SendAudio forwards a client audio chunk, re-encoded for the provider.
	SendAudio(ctx context.Context, chunk models.AudioChunk) error

	// Receive blocks for the next recognition result.
	Receive(ctx context.Context) (models.TranscriptEvent, error)

	// Close ends the stream and releases resources. It is idempotent.
	Close() error
}

// Connector opens recognition streams.
type Connector interface {
	Connect(ctx context.Context) (Stream, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context) (Stream, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Stream, error) {
	return f(ctx)
}
