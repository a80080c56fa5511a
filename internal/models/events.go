package models

// Event types published to Kafka.
const (
	EventTranscriptPartial = "conversation.transcript.partial"
	EventTranscriptFinal   = "conversation.transcript.final"
	EventTurnAppended      = "conversation.turn.appended"
)

// TranscriptPublished represents a recognized transcript fragment.
type TranscriptPublished struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

// TurnAppended represents a turn added to a session's conversation.
type TurnAppended struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Index     int    `json:"index"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}
