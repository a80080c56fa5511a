// Package session runs one voice conversation: it connects the recognition
// and synthesis streams, relays audio and text between them and the client,
// and tears everything down when the first relay ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/observability/logging"
	"voice-proxy-service/internal/observability/metrics"
	"voice-proxy-service/internal/service/client"
	"voice-proxy-service/internal/service/conversation"
	"voice-proxy-service/internal/service/reply"
	"voice-proxy-service/internal/service/stt"
	"voice-proxy-service/internal/service/tts"
)

// Session failure classes. Returned errors wrap exactly one of them.
var (
	ErrConnectFailure   = errors.New("connect failure")
	ErrRelayFailure     = errors.New("relay failure")
	ErrGeneratorFailure = errors.New("reply generation failure")
)

// ErrAlreadyRun is returned when Run is called twice on one session.
var ErrAlreadyRun = errors.New("session already run")

const tracerName = "voice-proxy-service/session"

// Publisher receives transcript and turn events. Publishing is best effort.
type Publisher interface {
	PublishTranscript(ctx context.Context, ev models.TranscriptPublished) error
	PublishTurn(ctx context.Context, ev models.TurnAppended) error
}

// Config bounds a session.
type Config struct {
	// ConnectTimeout bounds opening both streams. Expiry is a connect failure.
	ConnectTimeout time.Duration
	// ReplyTimeout bounds one generator call. Zero means no bound.
	ReplyTimeout time.Duration
	// NotifyTimeout bounds delivery of the final error notification.
	NotifyTimeout time.Duration

	RecognitionProvider string
	SynthesisProvider   string
	ReplyProvider       string
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = time.Second
	}
	return c
}

// Dependencies are the collaborators of a session.
type Dependencies struct {
	// ID names the session. A UUID is generated when empty.
	ID          string
	Recognizer  stt.Connector
	Synthesizer tts.Connector
	Generator   reply.Generator
	// Publisher is optional.
	Publisher Publisher
	// InitialContext seeds the opaque reply context.
	InitialContext reply.Context
	Config         Config
	Metrics        *metrics.Metrics
	Logger         *zerolog.Logger
}

// Session is one client conversation. Run drives it; Close may be called
// from any goroutine.
type Session struct {
	id          string
	recognizer  stt.Connector
	synthesizer tts.Connector
	generator   reply.Generator
	publisher   Publisher
	cfg         Config
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	tracer      trace.Tracer

	lifecycle *Lifecycle
	history   *conversation.State

	// replyCtx is owned by the recognition relay.
	replyCtx reply.Context

	mu             sync.Mutex
	started        bool
	closeRequested bool
	tornDown       bool
	cancel         context.CancelFunc
	recognition    stt.Stream
	synthesis      tts.Stream

	closeOnce sync.Once
	closeErr  error
}

// New validates deps and creates a session in CONNECTING status.
func New(deps Dependencies) (*Session, error) {
	if deps.Recognizer == nil {
		return nil, errors.New("session: recognizer is required")
	}
	if deps.Synthesizer == nil {
		return nil, errors.New("session: synthesizer is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("session: generator is required")
	}

	id := deps.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	var logger zerolog.Logger
	if deps.Logger != nil {
		logger = deps.Logger.With().Str("sessionId", id).Logger()
	} else {
		logger = logging.WithSession(id)
	}
	cfg := deps.Config.withDefaults()
	for _, p := range []struct{ kind, name string }{
		{"recognition", cfg.RecognitionProvider},
		{"synthesis", cfg.SynthesisProvider},
		{"reply", cfg.ReplyProvider},
	} {
		if p.name != "" {
			logger = logging.WithProvider(logger, p.kind, p.name)
		}
	}

	return &Session{
		id:          id,
		recognizer:  deps.Recognizer,
		synthesizer: deps.Synthesizer,
		generator:   deps.Generator,
		publisher:   deps.Publisher,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		lifecycle:   NewLifecycle(),
		history:     conversation.NewState(id),
		replyCtx:    deps.InitialContext,
	}, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle status.
func (s *Session) Status() Status { return s.lifecycle.Status() }

// Turns returns a snapshot of the conversation history.
func (s *Session) Turns() []conversation.Turn { return s.history.Turns() }

// Run connects both streams, relays until the first relay ends, then tears
// the session down and closes ch. It returns nil when the session ended
// gracefully (client disconnect, Close, or ctx cancellation) and an error
// wrapping ErrConnectFailure, ErrRelayFailure or ErrGeneratorFailure
// otherwise.
func (s *Session) Run(ctx context.Context, ch client.Channel) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRun
	}
	s.started = true
	s.cancel = cancel
	if s.closeRequested {
		cancel()
	}
	s.mu.Unlock()

	runCtx, span := s.tracer.Start(runCtx, "session.run", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("session.recognition_provider", s.cfg.RecognitionProvider),
		attribute.String("session.synthesis_provider", s.cfg.SynthesisProvider),
	))
	start := time.Now()
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Session started")

	defer func() {
		status := s.Status()
		s.metrics.RecordSessionEnd(strings.ToLower(status.String()), time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("session.status", status.String()),
			attribute.Int("session.turns", s.history.Len()),
		)
		span.End()
	}()

	if err := s.connect(runCtx); err != nil {
		return s.abortConnect(ch, err)
	}

	if err := s.lifecycle.Activate(); err != nil {
		// Close won the race against the connect phase.
		s.finish(ch, nil)
		return nil
	}
	s.logger.Info().Msg("Session active")

	cause := s.relay(runCtx, ch)
	return s.finish(ch, s.classify(ctx, cause))
}

// connect opens recognition then synthesis under the connect timeout.
func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	rec, err := s.recognizer.Connect(ctx)
	if err != nil {
		s.metrics.RecordConnectFailure("recognition")
		return fmt.Errorf("%w: recognition: %v", ErrConnectFailure, err)
	}
	if !s.adopt(func() { s.recognition = rec }) {
		_ = rec.Close()
		return errClosedDuringConnect
	}

	syn, err := s.synthesizer.Connect(ctx)
	if err != nil {
		s.metrics.RecordConnectFailure("synthesis")
		return fmt.Errorf("%w: synthesis: %v", ErrConnectFailure, err)
	}
	if !s.adopt(func() { s.synthesis = syn }) {
		_ = syn.Close()
		return errClosedDuringConnect
	}
	return nil
}

var errClosedDuringConnect = errors.New("session closed during connect")

// adopt stores a freshly opened stream unless Close already ran.
func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return false
	}
	set()
	return true
}

// abortConnect ends a session that never became active. No relay runs.
func (s *Session) abortConnect(ch client.Channel, err error) error {
	s.mu.Lock()
	requested := s.closeRequested
	s.mu.Unlock()

	if requested || errors.Is(err, errClosedDuringConnect) {
		s.logger.Info().Msg("Session closed during connect")
		s.finish(ch, nil)
		return nil
	}

	s.logger.Error().Err(err).Msg("Voice service connection failed")
	s.lifecycle.Finish(true)
	_ = s.teardown()
	s.notify(ch, fmt.Sprintf("Voice service connection failed: %v", err))
	if cerr := ch.Close(); cerr != nil {
		s.logger.Debug().Err(cerr).Msg("Client close after connect failure")
	}
	return err
}

// relay runs the three relays and returns the error of whichever ended
// first. The others are cancelled and awaited before it returns.
func (s *Session) relay(ctx context.Context, ch client.Channel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	rec, syn := s.recognition, s.synthesis
	s.mu.Unlock()

	var (
		once  sync.Once
		first error
	)
	var g errgroup.Group
	spawn := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(ctx)
			once.Do(func() {
				first = err
				l := logging.WithRelay(s.logger, name)
				if err != nil && !isGraceful(err) && ctx.Err() == nil {
					s.metrics.RecordRelayFailure(name)
					l.Warn().Err(err).Msg("Relay ended, cancelling session")
				} else {
					l.Debug().Err(err).Msg("Relay ended, cancelling session")
				}
			})
			cancel()
			return err
		})
	}

	spawn("client_inbound", func(ctx context.Context) error { return s.clientInbound(ctx, ch, rec) })
	spawn("recognition", func(ctx context.Context) error { return s.recognitionRelay(ctx, ch, rec, syn) })
	spawn("synthesis", func(ctx context.Context) error { return s.synthesisRelay(ctx, ch, syn) })

	// Relay cancellation is propagated through ctx; Close unblocks any
	// provider read that ignores it.
	go func() {
		<-ctx.Done()
		_ = s.teardown()
	}()

	_ = g.Wait()
	return first
}

// classify maps the first relay's error to the session outcome. nil means
// a graceful end.
func (s *Session) classify(parent context.Context, cause error) error {
	s.mu.Lock()
	requested := s.closeRequested
	s.mu.Unlock()

	switch {
	case cause == nil, isGraceful(cause):
		return nil
	case requested, parent.Err() != nil:
		return nil
	case errors.Is(cause, ErrGeneratorFailure):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrRelayFailure, cause)
	}
}

func isGraceful(err error) bool {
	return errors.Is(err, client.ErrDisconnected)
}

// finish tears down an active session, reports a failure to the client and
// closes the channel last.
func (s *Session) finish(ch client.Channel, cause error) error {
	s.lifecycle.BeginClosing()
	if err := s.teardown(); err != nil {
		s.logger.Debug().Err(err).Msg("Stream close returned error")
	}

	if cause != nil {
		s.logger.Error().Err(cause).Msg("Session failed")
		s.notify(ch, fmt.Sprintf("Voice session failed: %v", cause))
	} else {
		s.logger.Info().Int("turns", s.history.Len()).Msg("Session closed")
	}
	s.lifecycle.Finish(cause != nil)

	if err := ch.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Client close returned error")
	}
	return cause
}

// notify makes one best-effort attempt to deliver an error notification.
func (s *Session) notify(ch client.Channel, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
	defer cancel()
	if err := ch.Send(ctx, models.NewError(message)); err != nil {
		s.logger.Debug().Err(err).Msg("Error notification not delivered")
	}
}

// Close ends the session from outside Run: it cancels the relays and closes
// both streams. Run then closes the client channel and returns nil. Close is
// idempotent and safe to call before, during or after Run.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeRequested = true
	s.mu.Unlock()
	return s.teardown()
}

// teardown runs once per session no matter who triggers it. Later calls
// return the first result. Streams that were never opened are skipped.
func (s *Session) teardown() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.tornDown = true
		cancel := s.cancel
		rec, syn := s.recognition, s.synthesis
		s.mu.Unlock()

		s.lifecycle.BeginClosing()
		if cancel != nil {
			cancel()
		}

		var errs []error
		if rec != nil {
			if err := rec.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close recognition: %w", err))
			}
		}
		if syn != nil {
			if err := syn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close synthesis: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
