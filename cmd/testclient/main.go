package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/observability/logging"
)

func main() {
	url := flag.String("url", "ws://localhost:8000/v1/voice-stream", "voice-stream websocket URL")
	chunks := flag.Int("chunks", 8, "number of synthetic audio chunks to send")
	wait := flag.Duration("wait", 5*time.Second, "how long to read notifications after the last chunk")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	log.Info().Str("url", *url).Msg("Connected to server")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Msg("Connection closed")
				return
			}
			logNotification(data)
		}
	}()

	// 100ms of 16 kHz 16-bit silence per chunk
	silence := base64.StdEncoding.EncodeToString(make([]byte, 3200))
	for i := 1; i <= *chunks; i++ {
		log.Info().Int("chunk", i).Msg("Sending audio chunk")
		if err := conn.WriteJSON(map[string]string{"user_audio_chunk": silence}); err != nil {
			log.Fatal().Err(err).Msg("Failed to send chunk")
		}
		time.Sleep(100 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(*wait):
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		<-done
	}
}

func logNotification(data []byte) {
	var n models.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Warn().Err(err).Bytes("raw", data).Msg("Undecodable frame")
		return
	}
	switch {
	case n.UserTranscription != nil:
		log.Info().Str("transcript", n.UserTranscription.UserTranscript).Msg("user_transcript")
	case n.AgentResponse != nil:
		log.Info().Str("reply", n.AgentResponse.AgentResponse).Msg("agent_response")
	case n.Audio != nil:
		log.Info().Int("base64Len", len(n.Audio.AudioBase64)).Msg("audio")
	default:
		log.Warn().Str("type", string(n.Type)).Str("error", n.Error).Msg("notification")
	}
}
