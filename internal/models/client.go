// Package models defines the wire messages exchanged with the client, the
// recognition service and the synthesis service, plus the events published
// to Kafka. Every message is a tagged variant that is validated when it
// crosses a boundary.
package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is returned when an inbound payload is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// AudioChunk is an opaque base64 audio payload. Ordering is positional.
type AudioChunk struct {
	Base64 string
}

// Bytes decodes the payload for providers that take raw audio.
func (c AudioChunk) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(c.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	return b, nil
}

// Len returns the encoded payload length.
func (c AudioChunk) Len() int {
	return len(c.Base64)
}

// ClientFrameKind discriminates inbound client frames.
type ClientFrameKind int

const (
	// ClientFrameUnknown is any shape this service does not understand.
	ClientFrameUnknown ClientFrameKind = iota
	// ClientFrameAudio carries a user_audio_chunk payload.
	ClientFrameAudio
	// ClientFramePong is the keepalive reply from the client.
	ClientFramePong
)

// String returns the string representation of the kind.
func (k ClientFrameKind) String() string {
	switch k {
	case ClientFrameAudio:
		return "audio"
	case ClientFramePong:
		return "pong"
	default:
		return "unknown"
	}
}

// ClientFrame is a decoded inbound client frame.
type ClientFrame struct {
	Kind  ClientFrameKind
	Audio AudioChunk
}

type rawClientFrame struct {
	UserAudioChunk *string `json:"user_audio_chunk"`
	Type           string  `json:"type"`
}

// DecodeClientFrame decodes an inbound client payload. A payload that is not
// a JSON object returns ErrMalformedFrame; a well-formed object of an
// unrecognized shape decodes to ClientFrameUnknown.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var raw rawClientFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch {
	case raw.UserAudioChunk != nil:
		if *raw.UserAudioChunk == "" {
			return ClientFrame{Kind: ClientFrameUnknown}, nil
		}
		return ClientFrame{Kind: ClientFrameAudio, Audio: AudioChunk{Base64: *raw.UserAudioChunk}}, nil
	case raw.Type == "pong":
		return ClientFrame{Kind: ClientFramePong}, nil
	default:
		return ClientFrame{Kind: ClientFrameUnknown}, nil
	}
}

// NotificationType is the "type" tag of an outbound client notification.
type NotificationType string

const (
	NotificationUserTranscript NotificationType = "user_transcript"
	NotificationAgentResponse  NotificationType = "agent_response"
	NotificationAudio          NotificationType = "audio"
	NotificationError          NotificationType = "error"
)

// UserTranscriptionEvent is the payload of a user_transcript notification.
type UserTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

// AgentResponseEvent is the payload of an agent_response notification.
type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// AudioEvent carries base64 audio. The same shape is used for audio sent to
// the recognition service and audio sent to the client.
type AudioEvent struct {
	AudioBase64 string `json:"audio_base64"`
}

// Notification is an outbound client message. Exactly one payload field is
// set and it must match Type; use the constructors.
type Notification struct {
	Type              NotificationType        `json:"type"`
	UserTranscription *UserTranscriptionEvent `json:"user_transcription_event,omitempty"`
	AgentResponse     *AgentResponseEvent     `json:"agent_response_event,omitempty"`
	Audio             *AudioEvent             `json:"audio_event,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

// NewUserTranscript builds a live-transcript notification.
func NewUserTranscript(text string) Notification {
	return Notification{
		Type:              NotificationUserTranscript,
		UserTranscription: &UserTranscriptionEvent{UserTranscript: text},
	}
}

// NewAgentResponse builds an agent reply notification.
func NewAgentResponse(text string) Notification {
	return Notification{
		Type:          NotificationAgentResponse,
		AgentResponse: &AgentResponseEvent{AgentResponse: text},
	}
}

// NewAudio builds an audio notification from a base64 payload.
func NewAudio(audioBase64 string) Notification {
	return Notification{
		Type:  NotificationAudio,
		Audio: &AudioEvent{AudioBase64: audioBase64},
	}
}

// NewError builds an error notification.
func NewError(message string) Notification {
	return Notification{Type: NotificationError, Error: message}
}

// Validate checks that the payload matches the tag.
func (n Notification) Validate() error {
	set := 0
	if n.UserTranscription != nil {
		set++
	}
	if n.AgentResponse != nil {
		set++
	}
	if n.Audio != nil {
		set++
	}
	if n.Error != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("notification %q: expected exactly one payload, got %d", n.Type, set)
	}

	switch n.Type {
	case NotificationUserTranscript:
		if n.UserTranscription == nil {
			return fmt.Errorf("notification %q: missing user_transcription_event", n.Type)
		}
	case NotificationAgentResponse:
		if n.AgentResponse == nil {
			return fmt.Errorf("notification %q: missing agent_response_event", n.Type)
		}
	case NotificationAudio:
		if n.Audio == nil || n.Audio.AudioBase64 == "" {
			return fmt.Errorf("notification %q: missing audio_event", n.Type)
		}
	case NotificationError:
		if strings.TrimSpace(n.Error) == "" {
			return fmt.Errorf("notification %q: missing error message", n.Type)
		}
	default:
		return fmt.Errorf("unknown notification type %q", n.Type)
	}
	return nil
}
