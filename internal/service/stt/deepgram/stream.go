// Package deepgram implements stt.Stream over the Deepgram live listen
// websocket. Finalized segments are accumulated until Deepgram reports the
// end of speech, so one spoken utterance yields one final event.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/service/stt"
	"voice-proxy-service/internal/wsconn"
)

const typeErrorResponse = "Error"

// Config holds Deepgram connection settings.
type Config struct {
	URL          string
	APIKey       string
	Model        string
	Language     string
	Encoding     string
	SampleRateHz int
	WriteTimeout time.Duration
}

// DefaultConfig returns nova-3 English over 16 kHz linear PCM.
func DefaultConfig() Config {
	return Config{
		URL:          "wss://api.deepgram.com/v1/listen",
		Model:        "nova-3",
		Language:     "en-US",
		Encoding:     "linear16",
		SampleRateHz: 16000,
	}
}

// Connector dials Deepgram streams.
type Connector struct {
	cfg Config
}

// NewConnector creates a connector.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

func (c *Connector) listenURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", c.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRateHz))
	q.Set("channels", "1")
	q.Set("model", c.cfg.Model)
	q.Set("language", c.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("endpointing", "300")
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the listen endpoint.
func (c *Connector) Connect(ctx context.Context) (stt.Stream, error) {
	target, err := c.listenURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{"Authorization": {"Token " + c.cfg.APIKey}}
	conn, err := wsconn.Dial(ctx, target, header, wsconn.Options{WriteTimeout: c.cfg.WriteTimeout})
	if err != nil {
		return nil, fmt.Errorf("open socket connection to deepgram: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Stream is a live Deepgram connection. Receive is called from one
// goroutine, so the accumulator needs no lock.
type Stream struct {
	conn *wsconn.Conn

	accumulated []string
	unended     bool
}

// SendAudio decodes the chunk and writes it as a binary frame.
func (s *Stream) SendAudio(ctx context.Context, chunk models.AudioChunk) error {
	audio, err := chunk.Bytes()
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(ctx, websocket.BinaryMessage, audio); err != nil {
		return mapErr(err)
	}
	return nil
}

// Receive returns the next transcript event, skipping metadata.
func (s *Stream) Receive(ctx context.Context) (models.TranscriptEvent, error) {
	for {
		msg, err := s.conn.Receive(ctx)
		if err != nil {
			return models.TranscriptEvent{}, mapErr(err)
		}
		if !msg.IsText() {
			continue
		}
		ev, ok, err := s.process(msg.Data)
		if err != nil {
			return models.TranscriptEvent{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (s *Stream) process(data []byte) (models.TranscriptEvent, bool, error) {
	var head struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return models.TranscriptEvent{}, false, fmt.Errorf("%w: %v", models.ErrMalformedFrame, err)
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return models.TranscriptEvent{}, false, fmt.Errorf("%w: %v", models.ErrMalformedFrame, err)
		}
		return s.onResults(resp)

	case api.TypeUtteranceEndResponse:
		if !s.unended {
			return models.TranscriptEvent{}, false, nil
		}
		return s.flush(), true, nil

	case typeErrorResponse:
		msg := strings.TrimSpace(head.Description)
		if msg == "" {
			msg = strings.TrimSpace(head.Message)
		}
		if msg == "" {
			msg = "deepgram error"
		}
		return models.TranscriptEvent{Error: msg}, true, nil
	}
	return models.TranscriptEvent{}, false, nil
}

func (s *Stream) onResults(resp api.MessageResponse) (models.TranscriptEvent, bool, error) {
	var transcript string
	if len(resp.Channel.Alternatives) > 0 {
		transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	}

	if !resp.IsFinal {
		if transcript == "" {
			return models.TranscriptEvent{}, false, nil
		}
		s.unended = true
		return partial(s.joined(transcript)), true, nil
	}

	if transcript != "" {
		s.accumulated = append(s.accumulated, transcript)
		s.unended = true
	}
	if resp.SpeechFinal {
		return s.flush(), true, nil
	}
	if transcript == "" {
		return models.TranscriptEvent{}, false, nil
	}
	return partial(s.joined("")), true, nil
}

func (s *Stream) joined(interim string) string {
	parts := s.accumulated
	if interim != "" {
		parts = append(append([]string{}, parts...), interim)
	}
	return strings.Join(parts, " ")
}

// flush emits the accumulated utterance as a final event. A blank final is
// still emitted; the session decides what to do with it.
func (s *Stream) flush() models.TranscriptEvent {
	text := s.joined("")
	s.accumulated = nil
	s.unended = false
	return models.TranscriptEvent{
		Type:    models.FinalTranscriptType,
		Text:    text,
		IsFinal: models.BoolPtr(true),
	}
}

func partial(text string) models.TranscriptEvent {
	return models.TranscriptEvent{
		Type:    models.PartialTranscriptType,
		Text:    text,
		IsFinal: models.BoolPtr(false),
	}
}

// Close asks Deepgram to flush, then closes the websocket.
func (s *Stream) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.conn.WriteJSON(ctx, struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)})
	return s.conn.Close()
}

func mapErr(err error) error {
	if errors.Is(err, wsconn.ErrClosed) || wsconn.IsPeerClose(err) {
		return fmt.Errorf("%w: %v", stt.ErrClosed, err)
	}
	return err
}
