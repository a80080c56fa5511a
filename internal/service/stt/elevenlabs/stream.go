// Package elevenlabs implements stt.Stream over the ElevenLabs realtime
// speech-to-text websocket.
package elevenlabs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/schema"
	"voice-proxy-service/internal/service/stt"
	"voice-proxy-service/internal/wsconn"
)

// Config holds recognition connection settings.
type Config struct {
	URL            string
	APIKey         string
	ModelID        string
	LanguageCode   string
	EnablePartials bool
	WriteTimeout   time.Duration
}

// DefaultConfig returns the production endpoint with English partials.
func DefaultConfig() Config {
	return Config{
		URL:            "wss://api.elevenlabs.io/v1/speech-to-text/streaming",
		ModelID:        "scribe_v2_realtime",
		LanguageCode:   "en",
		EnablePartials: true,
	}
}

// Connector dials recognition streams.
type Connector struct {
	cfg Config
}

// NewConnector creates a connector.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

// Connect dials the service and sends the start frame.
func (c *Connector) Connect(ctx context.Context) (stt.Stream, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("recognition url: %w", err)
	}
	if c.cfg.ModelID != "" {
		q := u.Query()
		q.Set("model_id", c.cfg.ModelID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("xi-api-key", c.cfg.APIKey)

	conn, err := wsconn.Dial(ctx, u.String(), header, wsconn.Options{WriteTimeout: c.cfg.WriteTimeout})
	if err != nil {
		return nil, err
	}

	start := models.NewRecognitionStart(c.cfg.LanguageCode, c.cfg.EnablePartials)
	if err := conn.WriteJSON(ctx, start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send start frame: %w", err)
	}

	return &Stream{conn: conn, validator: schema.New("recognition")}, nil
}

// Stream is a live recognition connection.
type Stream struct {
	conn      *wsconn.Conn
	validator *schema.Validator
}

// SendAudio sends a chunk as an audio_event frame.
func (s *Stream) SendAudio(ctx context.Context, chunk models.AudioChunk) error {
	frame := models.NewRecognitionAudio(chunk)
	if err := s.validator.Validate(frame); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(ctx, frame); err != nil {
		return mapErr(err)
	}
	return nil
}

// Receive returns the next text message decoded as a transcript event.
func (s *Stream) Receive(ctx context.Context) (models.TranscriptEvent, error) {
	for {
		msg, err := s.conn.Receive(ctx)
		if err != nil {
			return models.TranscriptEvent{}, mapErr(err)
		}
		if !msg.IsText() {
			continue
		}
		return models.DecodeTranscriptEvent(msg.Data)
	}
}

// Close closes the websocket.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func mapErr(err error) error {
	if errors.Is(err, wsconn.ErrClosed) || wsconn.IsPeerClose(err) {
		return fmt.Errorf("%w: %v", stt.ErrClosed, err)
	}
	return err
}
