package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/service/client"
	"voice-proxy-service/internal/service/conversation"
	"voice-proxy-service/internal/service/stt"
	"voice-proxy-service/internal/service/tts"
)

// clientInbound forwards client audio to the recognition stream. A client
// disconnect ends it with client.ErrDisconnected.
func (s *Session) clientInbound(ctx context.Context, ch client.Channel, rec stt.Stream) error {
	for {
		frame, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, client.ErrDisconnected) {
				s.logger.Info().Msg("Client disconnected")
				return err
			}
			return fmt.Errorf("client receive: %w", err)
		}

		switch frame.Kind {
		case models.ClientFrameAudio:
			s.metrics.RecordAudioReceived(frame.Audio.Len())
			if err := rec.SendAudio(ctx, frame.Audio); err != nil {
				return fmt.Errorf("forward audio: %w", err)
			}
		case models.ClientFramePong:
		default:
			s.logger.Debug().Msg("Discarding unrecognized client frame")
		}
	}
}

// recognitionRelay forwards transcripts to the client and turns each final
// utterance into a reply. It is the only writer of the conversation history
// and the only caller of the generator, so replies never overlap.
func (s *Session) recognitionRelay(ctx context.Context, ch client.Channel, rec stt.Stream, syn tts.Stream) error {
	for {
		ev, err := rec.Receive(ctx)
		if err != nil {
			return fmt.Errorf("recognition receive: %w", err)
		}
		if ev.Error != "" {
			s.metrics.RecordUpstreamError(s.cfg.RecognitionProvider, "recognition")
			return fmt.Errorf("recognition service error: %s", ev.Error)
		}

		final := ev.Final()
		if ev.Text != "" {
			if final {
				s.metrics.RecordFinalTranscript()
			} else {
				s.metrics.RecordPartialTranscript()
			}
			ch.TrySend(models.NewUserTranscript(ev.Text))
			s.publishTranscript(ctx, ev.Text, final)
		}

		if !final {
			continue
		}
		if !ev.HasUtterance() {
			s.metrics.RecordBlankUtterance()
			continue
		}
		if err := s.respond(ctx, ch, syn, strings.TrimSpace(ev.Text)); err != nil {
			return err
		}
	}
}

// respond records the user turn, generates a reply, records it, and sends it
// to the client and to the synthesis stream.
func (s *Session) respond(ctx context.Context, ch client.Channel, syn tts.Stream, utterance string) error {
	turn, err := s.history.Append(conversation.RoleUser, utterance)
	if err != nil {
		return err
	}
	s.publishTurn(ctx, turn)
	s.logger.Info().Str("turnId", turn.ID).Str("transcript", utterance).Msg("Final utterance")

	text, err := s.generate(ctx)
	if err != nil {
		return err
	}

	turn, err = s.history.Append(conversation.RoleAssistant, text)
	if err != nil {
		return err
	}
	s.publishTurn(ctx, turn)

	if err := ch.Send(ctx, models.NewAgentResponse(text)); err != nil {
		return fmt.Errorf("send agent response: %w", err)
	}

	if strings.TrimSpace(text) == "" {
		s.logger.Warn().Str("turnId", turn.ID).Msg("Blank reply, skipping synthesis")
		return nil
	}
	if err := syn.SendText(ctx, text); err != nil {
		return fmt.Errorf("synthesis send text: %w", err)
	}
	if err := syn.Flush(ctx); err != nil {
		return fmt.Errorf("synthesis flush: %w", err)
	}
	return nil
}

// generate calls the generator with the full history and threads the reply
// context to the next call.
func (s *Session) generate(ctx context.Context) (string, error) {
	history := s.history.Turns()

	ctx, span := s.tracer.Start(ctx, "reply.generate", trace.WithAttributes(
		attribute.String("reply.provider", s.cfg.ReplyProvider),
		attribute.Int("reply.history_turns", len(history)),
	))
	defer span.End()

	if s.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReplyTimeout)
		defer cancel()
	}

	start := time.Now()
	text, rc, err := s.generator.Generate(ctx, history, s.replyCtx)
	s.metrics.RecordReply(s.cfg.ReplyProvider, err, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %w", ErrGeneratorFailure, err)
	}
	if rc != nil {
		s.replyCtx = rc
	}
	s.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("replyChars", len(text)).
		Msg("Reply generated")
	return text, nil
}

// synthesisRelay forwards synthesized audio to the client in arrival order.
func (s *Session) synthesisRelay(ctx context.Context, ch client.Channel, syn tts.Stream) error {
	for {
		ev, err := syn.Receive(ctx)
		if err != nil {
			return fmt.Errorf("synthesis receive: %w", err)
		}
		if ev.Error != "" {
			s.metrics.RecordUpstreamError(s.cfg.SynthesisProvider, "synthesis")
			return fmt.Errorf("synthesis service error: %s", ev.Error)
		}
		if !ev.HasAudio() {
			continue
		}
		if err := ch.Send(ctx, models.NewAudio(ev.Audio)); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		s.metrics.RecordAudioSent()
	}
}

func (s *Session) publishTranscript(ctx context.Context, text string, final bool) {
	if s.publisher == nil {
		return
	}
	eventType := models.EventTranscriptPartial
	if final {
		eventType = models.EventTranscriptFinal
	}
	ev := models.TranscriptPublished{
		EventType: eventType,
		SessionID: s.id,
		Timestamp: time.Now().UnixMilli(),
		Text:      text,
		Final:     final,
	}
	if err := s.publisher.PublishTranscript(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("eventType", eventType).Msg("Failed to publish transcript")
	}
}

func (s *Session) publishTurn(ctx context.Context, turn conversation.Turn) {
	if s.publisher == nil {
		return
	}
	ev := models.TurnAppended{
		EventType: models.EventTurnAppended,
		SessionID: s.id,
		Timestamp: time.Now().UnixMilli(),
		Index:     s.history.Len() - 1,
		Role:      string(turn.Role),
		Text:      turn.Text,
	}
	if err := s.publisher.PublishTurn(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("turnId", turn.ID).Msg("Failed to publish turn")
	}
}
