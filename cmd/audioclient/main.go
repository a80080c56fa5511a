package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/observability/logging"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit mono PCM)")
	url := flag.String("url", "ws://localhost:8000/v1/voice-stream", "voice-stream websocket URL")
	out := flag.String("out", "", "Optional file to write received audio to")
	wait := flag.Duration("wait", 10*time.Second, "how long to wait for replies after streaming")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	// Read and validate WAV header
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatal().Err(err).Msg("Failed to read WAV header")
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal().Msg("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Info().
		Uint16("format", audioFormat).
		Uint16("channels", numChannels).
		Uint32("sampleRate", sampleRate).
		Uint16("bitsPerSample", bitsPerSample).
		Msg("WAV file")

	if audioFormat != 1 { // PCM
		log.Fatal().Msg("Only PCM format supported")
	}

	// Real-time pacing: bytes per chunk interval
	chunkSize := int(sampleRate) * int(numChannels) * int(bitsPerSample/8) * chunkIntervalMs / 1000
	if chunkSize <= 0 {
		log.Fatal().Msg("WAV header describes no audio")
	}

	var sink io.Writer = io.Discard
	if *out != "" {
		of, err := os.Create(*out)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer of.Close()
		sink = of
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Str("url", *url).Msg("Connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		receive(conn, sink)
	}()

	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read audio")
		}

		chunkNum++
		totalBytes += int64(n)
		frame := map[string]string{"user_audio_chunk": base64.StdEncoding.EncodeToString(audioChunk[:n])}
		if err := conn.WriteJSON(frame); err != nil {
			log.Fatal().Err(err).Msg("Failed to send chunk")
		}
		if chunkNum%10 == 0 {
			log.Info().Int("chunk", chunkNum).Int64("bytes", totalBytes).Msg("Streaming")
		}

		// Simulate real-time streaming
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	log.Info().
		Int("chunks", chunkNum).
		Int64("bytes", totalBytes).
		Dur("elapsed", time.Since(startTime)).
		Msg("Finished streaming, waiting for replies")

	select {
	case <-done:
	case <-time.After(*wait):
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		<-done
	}
}

// receive logs notifications and writes decoded audio to sink.
func receive(conn *websocket.Conn, sink io.Writer) {
	var audioBytes int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Int("audioBytes", audioBytes).Msg("Connection closed")
			return
		}
		var n models.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			log.Warn().Err(err).Msg("Undecodable frame")
			continue
		}
		switch n.Type {
		case models.NotificationUserTranscript:
			log.Info().Str("transcript", n.UserTranscription.UserTranscript).Msg("You")
		case models.NotificationAgentResponse:
			log.Info().Str("reply", n.AgentResponse.AgentResponse).Msg("Agent")
		case models.NotificationAudio:
			b, err := base64.StdEncoding.DecodeString(n.Audio.AudioBase64)
			if err != nil {
				log.Warn().Err(err).Msg("Bad audio payload")
				continue
			}
			audioBytes += len(b)
			if _, err := sink.Write(b); err != nil {
				log.Warn().Err(err).Msg("Failed to write audio")
			}
		case models.NotificationError:
			log.Error().Str("error", n.Error).Msg("Server error")
		}
	}
}
