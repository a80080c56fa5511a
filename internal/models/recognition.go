package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FinalTranscriptType is the type discriminator some recognition providers
// use to mark a final transcript instead of (or in addition to) is_final.
const FinalTranscriptType = "final_transcript"

// PartialTranscriptType marks an interim transcript.
const PartialTranscriptType = "partial_transcript"

// TranscriptionConfig is sent once when a recognition stream opens.
type TranscriptionConfig struct {
	LanguageCode   string `json:"language_code"`
	EnablePartials bool   `json:"enable_partials"`
}

// RecognitionStart is the first frame on a recognition stream.
type RecognitionStart struct {
	Type                string              `json:"type"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

// NewRecognitionStart builds the opening frame for the given language.
func NewRecognitionStart(languageCode string, enablePartials bool) RecognitionStart {
	return RecognitionStart{
		Type: "start",
		TranscriptionConfig: TranscriptionConfig{
			LanguageCode:   languageCode,
			EnablePartials: enablePartials,
		},
	}
}

// RecognitionAudio is an audio frame on a recognition stream.
type RecognitionAudio struct {
	AudioEvent AudioEvent `json:"audio_event"`
}

// NewRecognitionAudio re-encodes a client chunk for the recognition stream.
func NewRecognitionAudio(chunk AudioChunk) RecognitionAudio {
	return RecognitionAudio{AudioEvent: AudioEvent{AudioBase64: chunk.Base64}}
}

// Validate rejects empty audio frames.
func (a RecognitionAudio) Validate() error {
	if a.AudioEvent.AudioBase64 == "" {
		return fmt.Errorf("recognition audio: empty payload")
	}
	return nil
}

// TranscriptEvent is a recognition result. Finality is carried by two
// independent indicators; see Final.
type TranscriptEvent struct {
	Type    string `json:"type,omitempty"`
	Text    string `json:"text"`
	IsFinal *bool  `json:"is_final,omitempty"`

	// Error is set when the provider reported a failure in-band.
	Error string `json:"error,omitempty"`
}

// Final reports whether the event ends an utterance: the explicit flag OR
// the final-transcript type discriminator.
func (e TranscriptEvent) Final() bool {
	if e.IsFinal != nil && *e.IsFinal {
		return true
	}
	return e.Type == FinalTranscriptType
}

// HasUtterance reports whether the event is final with non-blank text.
func (e TranscriptEvent) HasUtterance() bool {
	return e.Final() && strings.TrimSpace(e.Text) != ""
}

type rawTranscriptEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	IsFinal json.RawMessage `json:"is_final"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// DecodeTranscriptEvent decodes a recognition service message. Messages of
// an error type, or carrying an error field, come back with Error set.
func DecodeTranscriptEvent(data []byte) (TranscriptEvent, error) {
	var raw rawTranscriptEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return TranscriptEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	ev := TranscriptEvent{Type: raw.Type, Text: raw.Text}
	if len(raw.IsFinal) > 0 && string(raw.IsFinal) != "null" {
		var final bool
		if err := json.Unmarshal(raw.IsFinal, &final); err != nil {
			return TranscriptEvent{}, fmt.Errorf("%w: is_final: %v", ErrMalformedFrame, err)
		}
		ev.IsFinal = &final
	}

	if msg := decodeErrorField(raw.Error); msg != "" {
		ev.Error = msg
	} else if strings.HasSuffix(raw.Type, "error") {
		ev.Error = strings.TrimSpace(raw.Message)
		if ev.Error == "" {
			ev.Error = raw.Type
		}
	}
	return ev, nil
}

func decodeErrorField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return strings.TrimSpace(obj.Message)
	}
	return strings.TrimSpace(string(raw))
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
