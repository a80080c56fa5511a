// Package mock provides a recognition stream for running without provider
// credentials. It emits progressive partial transcripts as audio arrives,
// then exactly one final transcript per utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials []string // Progressive partial transcripts
	Final    string   // Final transcript text
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials: []string{"Where", "Where is", "Where is pallet"},
		Final:    "Where is pallet forty two",
	},
	{
		Partials: []string{"Move", "Move it to", "Move it to dock"},
		Final:    "Move it to dock three",
	},
	{
		Partials: []string{"How many", "How many cases", "How many cases left"},
		Final:    "How many cases left on this order",
	},
	{
		Partials: []string{"Thank you"},
		Final:    "Thank you very much",
	},
}

// utteranceCounter picks the first utterance of each new stream.
var (
	utteranceCounter int
	counterMu        sync.Mutex
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
func (c *Connector) Connect(ctx context.Context) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(c.Delay), nil
}

// Stream implements stt.Stream with simulated results. One partial is
// produced per audio chunk; the chunk after the last partial produces the
// final transcript and the next utterance begins.
type Stream struct {
	delay time.Duration

	mu           sync.Mutex
	index        int
	partialIndex int
	audioFrames  int

	events    chan models.TranscriptEvent
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a mock stream.
func New(delay time.Duration) *Stream {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &Stream{
		delay:  delay,
		index:  idx,
		events: make(chan models.TranscriptEvent, 64),
		done:   make(chan struct{}),
	}
}

// SendAudio advances the simulation by one step.
func (s *Stream) SendAudio(ctx context.Context, chunk models.AudioChunk) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}

	s.mu.Lock()
	s.audioFrames++
	utt := DefaultUtterances[s.index]
	var ev models.TranscriptEvent
	if s.partialIndex < len(utt.Partials) {
		ev = models.TranscriptEvent{
			Type:    models.PartialTranscriptType,
			Text:    utt.Partials[s.partialIndex],
			IsFinal: models.BoolPtr(false),
		}
		s.partialIndex++
	} else {
		ev = models.TranscriptEvent{
			Type:    models.FinalTranscriptType,
			Text:    utt.Final,
			IsFinal: models.BoolPtr(true),
		}
		s.partialIndex = 0
		s.index = (s.index + 1) % len(DefaultUtterances)
	}
	s.mu.Unlock()

	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return stt.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next simulated result.
func (s *Stream) Receive(ctx context.Context) (models.TranscriptEvent, error) {
	select {
	case <-ctx.Done():
		return models.TranscriptEvent{}, ctx.Err()
	case <-s.done:
		return models.TranscriptEvent{}, stt.ErrClosed
	case ev := <-s.events:
		if s.delay > 0 {
			t := time.NewTimer(s.delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return models.TranscriptEvent{}, ctx.Err()
			}
		}
		return ev, nil
	}
}

// AudioFrames returns the number of chunks received.
func (s *Stream) AudioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioFrames
}

// Close ends the mock session.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
