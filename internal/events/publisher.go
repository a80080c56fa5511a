// Package events publishes conversation events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/observability/metrics"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript and turn events to separate Kafka topics.
// A disabled publisher logs events at debug level and returns nil.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	writerTurns   messageWriter
	principal     string
	topicPartial  string
	topicFinal    string
	topicTurns    string
	enabled       bool
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	TopicTurns   string
	Principal    string
	Enabled      bool
	// Async makes writes fire-and-forget; failures are logged and counted
	// from the writer's completion callback.
	Async   bool
	Metrics *metrics.Metrics
}

// New creates a Kafka event publisher.
func New(cfg *Config) *Publisher {
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: metrics.DefaultMetrics}
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}

	p := &Publisher{
		principal:    cfg.Principal,
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		topicTurns:   cfg.TopicTurns,
		metrics:      m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPartial = p.newWriter(cfg, transport, cfg.TopicPartial, "partial")
	p.writerFinal = p.newWriter(cfg, transport, cfg.TopicFinal, "final")
	p.writerTurns = p.newWriter(cfg, transport, cfg.TopicTurns, "turn")
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicTurns", cfg.TopicTurns).
		Str("principal", cfg.Principal).
		Bool("async", cfg.Async).
		Msg("Kafka publisher initialized")

	return p
}

func (p *Publisher) newWriter(cfg *Config, transport *kafka.Transport, topic, eventType string) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        cfg.Async,
		Transport:    transport,
	}
	if cfg.Async {
		w.Completion = func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Str("topic", topic).Int("messages", len(msgs)).Msg("Async Kafka write failed")
			}
			for range msgs {
				p.metrics.RecordKafkaPublish(topic, eventType, err, 0)
			}
		}
	}
	return w
}

// PublishTranscript publishes a transcript to the partial or final topic.
func (p *Publisher) PublishTranscript(ctx context.Context, ev models.TranscriptPublished) error {
	if ev.Final {
		return p.publish(ctx, p.writerFinal, p.topicFinal, "final", ev.SessionID, ev)
	}
	return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", ev.SessionID, ev)
}

// PublishTurn publishes an appended conversation turn.
func (p *Publisher) PublishTurn(ctx context.Context, ev models.TurnAppended) error {
	return p.publish(ctx, p.writerTurns, p.topicTurns, "turn", ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var errs []error
	for name, w := range map[string]messageWriter{
		"partial": p.writerPartial,
		"final":   p.writerFinal,
		"turns":   p.writerTurns,
	} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			log.Error().Err(err).Str("writer", name).Msg("Error closing Kafka writer")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
