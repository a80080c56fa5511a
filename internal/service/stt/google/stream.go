// Package google provides a Google Cloud Speech-to-Text recognition stream.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/service/stt"
)

// Config holds Google STT configuration.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	// Endpoint overrides the API endpoint, e.g. for a regional endpoint.
	Endpoint string
}

// DefaultConfig returns default Google STT configuration.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// parseAudioEncoding maps an encoding name to the API enum, defaulting to
// LINEAR16. Names are matched case-sensitively.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// recognizeStream is the subset of the gRPC streaming client used here.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Connector opens Google streaming recognition sessions.
type Connector struct {
	client *speech.Client
	cfg    Config
	open   func(ctx context.Context) (recognizeStream, error)
}

// NewConnector creates a Speech client. Credentials come from the
// environment (GOOGLE_APPLICATION_CREDENTIALS or workload identity).
func NewConnector(ctx context.Context, cfg Config) (*Connector, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	c := &Connector{client: client, cfg: cfg}
	c.open = func(ctx context.Context) (recognizeStream, error) {
		return client.StreamingRecognize(ctx)
	}
	return c, nil
}

// Connect opens a streaming session and sends the recognition config.
// The stream outlives ctx; it ends on Close.
func (c *Connector) Connect(ctx context.Context) (stt.Stream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs, err := c.open(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open streaming recognize: %w", err)
	}

	err = rs.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        parseAudioEncoding(c.cfg.AudioEncoding),
					SampleRateHertz: c.cfg.SampleRateHz,
					LanguageCode:    c.cfg.LanguageCode,
				},
				InterimResults: c.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	return newStream(rs, cancel), nil
}

// Close releases the Speech client.
func (c *Connector) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Stream is one streaming recognition session.
type Stream struct {
	rs     recognizeStream
	cancel context.CancelFunc

	// gRPC forbids Send concurrently with CloseSend.
	sendMu sync.Mutex

	events  chan models.TranscriptEvent
	recvErr error

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newStream(rs recognizeStream, cancel context.CancelFunc) *Stream {
	s := &Stream{
		rs:     rs,
		cancel: cancel,
		events: make(chan models.TranscriptEvent, 64),
		done:   make(chan struct{}),
	}
	go s.listen()
	return s
}

// listen receives responses and converts each result to an event.
func (s *Stream) listen() {
	defer close(s.events)
	for {
		resp, err := s.rs.Recv()
		if err != nil {
			s.recvErr = err
			return
		}

		if resp.Error != nil && resp.Error.Code != 0 {
			if !s.emit(models.TranscriptEvent{Error: resp.Error.Message}) {
				return
			}
			continue
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			ev := models.TranscriptEvent{
				Text:    r.Alternatives[0].Transcript,
				IsFinal: models.BoolPtr(r.IsFinal),
			}
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *Stream) emit(ev models.TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// SendAudio decodes the chunk and sends the raw bytes.
func (s *Stream) SendAudio(ctx context.Context, chunk models.AudioChunk) error {
	if s.closed.Load() {
		return stt.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	audio, err := chunk.Bytes()
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return stt.ErrClosed
	}
	err = s.rs.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", stt.ErrClosed, err)
	}
	return err
}

// Receive returns the next recognition result.
func (s *Stream) Receive(ctx context.Context) (models.TranscriptEvent, error) {
	select {
	case <-ctx.Done():
		return models.TranscriptEvent{}, ctx.Err()
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if s.closed.Load() {
			return models.TranscriptEvent{}, stt.ErrClosed
		}
		if errors.Is(s.recvErr, io.EOF) || status.Code(s.recvErr) == codes.Canceled {
			return models.TranscriptEvent{}, fmt.Errorf("%w: %v", stt.ErrClosed, s.recvErr)
		}
		return models.TranscriptEvent{}, fmt.Errorf("google recognize: %w", s.recvErr)
	}
}

// Close cancels the stream, which unblocks any in-flight Send or Recv.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.cancel()
		s.sendMu.Lock()
		err = s.rs.CloseSend()
		s.sendMu.Unlock()
	})
	return err
}
