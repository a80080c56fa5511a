// Package mock provides a synthesis stream that produces placeholder audio
// without provider credentials. Each flushed word becomes one audio event,
// followed by an isFinal marker.
package mock

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/service/tts"
)

// Connector creates mock streams.
type Connector struct {
	// Delay is applied before each event is returned from Receive.
	Delay time.Duration
}

// NewConnector creates a mock connector.
func NewConnector(delay time.Duration) *Connector {
	return &Connector{Delay: delay}
}

// Connect returns a new mock stream.
func (c *Connector) Connect(ctx context.Context) (tts.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(c.Delay), nil
}

// Stream implements tts.Stream.
type Stream struct {
	delay time.Duration

	mu      sync.Mutex
	pending []string
	texts   []string

	events    chan models.SynthesisEvent
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a mock stream.
func New(delay time.Duration) *Stream {
	return &Stream{
		delay:  delay,
		events: make(chan models.SynthesisEvent, 256),
		done:   make(chan struct{}),
	}
}

// SendText buffers text until Flush.
func (s *Stream) SendText(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("synthesis text: empty text would close the stream")
	}
	select {
	case <-s.done:
		return tts.ErrClosed
	default:
	}
	s.mu.Lock()
	s.pending = append(s.pending, strings.Fields(text)...)
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

// Flush emits one audio event per buffered word, then a final marker.
func (s *Stream) Flush(ctx context.Context) error {
	s.mu.Lock()
	words := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(words) == 0 {
		return nil
	}
	for _, w := range words {
		if err := s.emit(ctx, models.SynthesisEvent{Audio: base64.StdEncoding.EncodeToString([]byte(w))}); err != nil {
			return err
		}
	}
	return s.emit(ctx, models.SynthesisEvent{IsFinal: true})
}

func (s *Stream) emit(ctx context.Context, ev models.SynthesisEvent) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return tts.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next synthesized event.
func (s *Stream) Receive(ctx context.Context) (models.SynthesisEvent, error) {
	select {
	case <-ctx.Done():
		return models.SynthesisEvent{}, ctx.Err()
	case <-s.done:
		return models.SynthesisEvent{}, tts.ErrClosed
	case ev := <-s.events:
		if s.delay > 0 {
			t := time.NewTimer(s.delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return models.SynthesisEvent{}, ctx.Err()
			}
		}
		return ev, nil
	}
}

// Texts returns every text sent so far.
func (s *Stream) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.texts...)
}

// Close ends the mock session.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
