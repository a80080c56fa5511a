package models

import (
	"encoding/json"
	"fmt"
)

// FlushText forces the synthesis service to emit buffered audio without
// closing the stream. An empty string would end the stream instead.
const FlushText = " "

// VoiceSettings tune the synthesized voice.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// SynthesisText is a text frame on the synthesis stream. The init frame also
// carries voice settings and the API key.
type SynthesisText struct {
	Text          string         `json:"text"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
	APIKey        string         `json:"xi_api_key,omitempty"`
}

// NewSynthesisInit builds the first frame sent after connecting.
func NewSynthesisInit(settings VoiceSettings, apiKey string) SynthesisText {
	return SynthesisText{Text: FlushText, VoiceSettings: &settings, APIKey: apiKey}
}

// NewSynthesisText builds a text frame.
func NewSynthesisText(text string) SynthesisText {
	return SynthesisText{Text: text}
}

// NewSynthesisFlush builds the flush frame.
func NewSynthesisFlush() SynthesisText {
	return SynthesisText{Text: FlushText}
}

// Validate rejects the empty string, which providers treat as end-of-stream.
func (t SynthesisText) Validate() error {
	if t.Text == "" {
		return fmt.Errorf("synthesis text: empty text would close the stream")
	}
	return nil
}

// SynthesisEvent is a streamed synthesis result.
type SynthesisEvent struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HasAudio reports whether the event carries an audio payload.
func (e SynthesisEvent) HasAudio() bool {
	return e.Audio != ""
}

type rawSynthesisEvent struct {
	Audio   *string         `json:"audio"`
	IsFinal *bool           `json:"isFinal"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// DecodeSynthesisEvent decodes a synthesis service message.
func DecodeSynthesisEvent(data []byte) (SynthesisEvent, error) {
	var raw rawSynthesisEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return SynthesisEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var ev SynthesisEvent
	if raw.Audio != nil {
		ev.Audio = *raw.Audio
	}
	if raw.IsFinal != nil {
		ev.IsFinal = *raw.IsFinal
	}
	if msg := decodeErrorField(raw.Error); msg != "" {
		ev.Error = msg
		if raw.Message != "" {
			ev.Error = msg + ": " + raw.Message
		}
	}
	return ev, nil
}
