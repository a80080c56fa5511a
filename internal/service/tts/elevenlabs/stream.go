// Package elevenlabs implements tts.Stream over the ElevenLabs stream-input
// websocket.
package elevenlabs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/schema"
	"voice-proxy-service/internal/service/tts"
	"voice-proxy-service/internal/wsconn"
)

// VoicePlaceholder is replaced by the voice ID in Config.URLTemplate.
const VoicePlaceholder = "{voice_id}"

// Config holds synthesis connection settings.
type Config struct {
	URLTemplate   string
	APIKey        string
	VoiceID       string
	ModelID       string
	VoiceSettings models.VoiceSettings
	WriteTimeout  time.Duration
}

// DefaultConfig returns the production endpoint with the default voice.
func DefaultConfig() Config {
	return Config{
		URLTemplate: "wss://api.elevenlabs.io/v1/text-to-speech/" + VoicePlaceholder + "/stream-input",
		VoiceID:     "JBFqnCBsd6RMkjVDRZzb",
		ModelID:     "eleven_flash_v2_5",
		VoiceSettings: models.VoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.8,
		},
	}
}

// Connector dials synthesis streams.
type Connector struct {
	cfg Config
}

// NewConnector creates a connector.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

func (c *Connector) streamURL() (string, error) {
	raw := strings.ReplaceAll(c.cfg.URLTemplate, VoicePlaceholder, url.PathEscape(c.cfg.VoiceID))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("synthesis url: %w", err)
	}
	if c.cfg.ModelID != "" {
		q := u.Query()
		q.Set("model_id", c.cfg.ModelID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the service and sends the init frame with voice settings.
func (c *Connector) Connect(ctx context.Context) (tts.Stream, error) {
	target, err := c.streamURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", c.cfg.APIKey)

	conn, err := wsconn.Dial(ctx, target, header, wsconn.Options{WriteTimeout: c.cfg.WriteTimeout})
	if err != nil {
		return nil, err
	}

	if err := conn.WriteJSON(ctx, models.NewSynthesisInit(c.cfg.VoiceSettings, c.cfg.APIKey)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send init frame: %w", err)
	}

	return &Stream{conn: conn, validator: schema.New("synthesis")}, nil
}

// Stream is a live synthesis connection.
type Stream struct {
	conn      *wsconn.Conn
	validator *schema.Validator
}

// SendText sends a text frame.
func (s *Stream) SendText(ctx context.Context, text string) error {
	return s.write(ctx, models.NewSynthesisText(text))
}

// Flush sends the flush frame.
func (s *Stream) Flush(ctx context.Context) error {
	return s.write(ctx, models.NewSynthesisFlush())
}

func (s *Stream) write(ctx context.Context, frame models.SynthesisText) error {
	if err := s.validator.Validate(frame); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(ctx, frame); err != nil {
		return mapErr(err)
	}
	return nil
}

// Receive returns the next text message decoded as a synthesis event.
func (s *Stream) Receive(ctx context.Context) (models.SynthesisEvent, error) {
	for {
		msg, err := s.conn.Receive(ctx)
		if err != nil {
			return models.SynthesisEvent{}, mapErr(err)
		}
		if !msg.IsText() {
			continue
		}
		return models.DecodeSynthesisEvent(msg.Data)
	}
}

// Close closes the websocket.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func mapErr(err error) error {
	if errors.Is(err, wsconn.ErrClosed) || wsconn.IsPeerClose(err) {
		return fmt.Errorf("%w: %v", tts.ErrClosed, err)
	}
	return err
}
