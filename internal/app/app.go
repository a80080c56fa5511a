package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voice-proxy-service/internal/config"
	"voice-proxy-service/internal/events"
	"voice-proxy-service/internal/observability/logging"
	"voice-proxy-service/internal/observability/metrics"
	"voice-proxy-service/internal/service/client"
	"voice-proxy-service/internal/service/reply"
	"voice-proxy-service/internal/service/session"
	"voice-proxy-service/internal/service/stt"
	"voice-proxy-service/internal/service/tts"
)

const serviceName = "voice-proxy-service"

// ProviderError reports a provider that cannot serve sessions because a
// required setting is missing. Its message is sent to the client verbatim.
type ProviderError struct {
	Setting string
}

func (e *ProviderError) Error() string {
	return e.Setting + " missing"
}

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics
	Publisher   *events.Publisher
	Sessions    *session.Registry

	recognizer  stt.Connector
	synthesizer tts.Connector
	generator   reply.Generator
	replyName   string
	// unavailable is set when a provider lacks credentials; sessions are
	// rejected with it while the process keeps serving health checks.
	unavailable error
	closers     []io.Closer
	started     bool

	// serveMu orders serving.Add against Shutdown's Wait.
	serveMu  sync.Mutex
	serving  sync.WaitGroup
	draining bool
}

// ErrShuttingDown is returned by Serve once Shutdown has begun.
var ErrShuttingDown = errors.New("voice proxy shutting down")

// Option customizes an Application.
type Option func(*Application)

// WithMetrics replaces the default metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Application) { a.Metrics = m }
}

// WithLogger replaces the application logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Application) { a.Logger = l }
}

// WithProviders replaces the connectors and generator built from config.
// Start then skips provider construction.
func WithProviders(rec stt.Connector, syn tts.Connector, gen reply.Generator) Option {
	return func(a *Application) {
		a.recognizer, a.synthesizer, a.generator = rec, syn, gen
		a.replyName = "custom"
	}
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration, opts ...Option) *Application {
	a := &Application{
		Cfg:      cfg,
		Metrics:  metrics.DefaultMetrics,
		Sessions: session.NewRegistry(),
	}
	a.setupLogger()
	for _, opt := range opts {
		opt(a)
	}

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Voice proxy application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	obs := a.Cfg.Observability
	format := obs.LogFormat
	if a.Cfg.Service.Environment == "dev" {
		format = "console"
	}
	logging.Init(logging.Config{Level: obs.LogLevel, Format: format})

	a.Logger = log.Logger.With().
		Str("service", serviceName).
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// Start builds the providers and the event publisher. An unknown provider
// name is an error; a provider without credentials only disables sessions.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()

	if a.recognizer == nil {
		rec, closer, err := newRecognizer(ctx, a.Cfg)
		if err := a.keep(err); err != nil {
			return err
		}
		a.recognizer = rec
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	if a.synthesizer == nil {
		syn, err := newSynthesizer(a.Cfg)
		if err := a.keep(err); err != nil {
			return err
		}
		a.synthesizer = syn
	}
	if a.generator == nil {
		a.generator, a.replyName = newGenerator(a.Cfg, a.Logger)
	}

	a.Publisher = events.New(&events.Config{
		Enabled:      a.Cfg.Kafka.Enabled,
		Brokers:      a.Cfg.Kafka.Brokers,
		TopicPartial: a.Cfg.Kafka.TopicPartial,
		TopicFinal:   a.Cfg.Kafka.TopicFinal,
		TopicTurns:   a.Cfg.Kafka.TopicTurns,
		Principal:    a.Cfg.Kafka.Principal,
		Async:        a.Cfg.Kafka.Async,
		Metrics:      a.Metrics,
	})
	a.started = true

	ev := startLogger.Info()
	if a.unavailable != nil {
		ev = startLogger.Warn().AnErr("unavailable", a.unavailable)
	}
	ev.Time("startupTime", a.StartupTime).
		Str("sttProvider", a.Cfg.Recognition.Provider).
		Str("ttsProvider", a.Cfg.Synthesis.Provider).
		Str("replyProvider", a.replyName).
		Msg("Voice proxy service starting")
	return nil
}

// keep records a ProviderError and returns any other error.
func (a *Application) keep(err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		if a.unavailable == nil {
			a.unavailable = perr
		}
		return nil
	}
	return err
}

// Ready reports whether Start has completed.
func (a *Application) Ready() bool {
	return a.started
}

// Unavailable returns the provider error that blocks sessions, if any.
func (a *Application) Unavailable() error {
	return a.unavailable
}

// ChannelOptions returns the client channel settings from config.
func (a *Application) ChannelOptions() client.Options {
	return client.Options{
		QueueSize:     a.Cfg.Session.ClientQueueSize,
		WriteTimeout:  a.Cfg.Session.WriteTimeout,
		MaxFrameBytes: a.Cfg.Session.MaxClientFrameBytes,
		Metrics:       a.Metrics,
	}
}

// NewSession creates a session wired to the configured providers.
func (a *Application) NewSession() (*session.Session, error) {
	if a.unavailable != nil {
		return nil, a.unavailable
	}
	if !a.started {
		return nil, errors.New("application not started")
	}
	var publisher session.Publisher
	if a.Publisher != nil {
		publisher = a.Publisher
	}
	return session.New(session.Dependencies{
		Recognizer:  a.recognizer,
		Synthesizer: a.synthesizer,
		Generator:   a.generator,
		Publisher:   publisher,
		Config: session.Config{
			ConnectTimeout:      a.Cfg.Session.ConnectTimeout,
			ReplyTimeout:        a.Cfg.Reply.Timeout,
			RecognitionProvider: a.Cfg.Recognition.Provider,
			SynthesisProvider:   a.Cfg.Synthesis.Provider,
			ReplyProvider:       a.replyName,
		},
		Metrics: a.Metrics,
	})
}

// Serve runs one session over ch until it ends. The session is registered
// for the duration so Shutdown can close it.
func (a *Application) Serve(ctx context.Context, ch client.Channel) error {
	a.serveMu.Lock()
	if a.draining {
		a.serveMu.Unlock()
		_ = ch.Close()
		return ErrShuttingDown
	}
	a.serving.Add(1)
	a.serveMu.Unlock()
	defer a.serving.Done()

	s, err := a.NewSession()
	if err != nil {
		_ = ch.Close()
		return err
	}
	if !a.Sessions.Add(s) {
		_ = ch.Close()
		return fmt.Errorf("duplicate session %s", s.ID())
	}
	defer a.Sessions.Remove(s.ID())
	return s.Run(ctx, ch)
}

// Shutdown closes live sessions and waits, bounded by ctx, for their Serve
// calls to return before closing the event publisher and provider clients.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	a.serveMu.Lock()
	a.draining = true
	a.serveMu.Unlock()

	shutdownLogger.Info().Int("liveSessions", a.Sessions.Len()).Msg("Voice proxy service shutting down")
	if err := a.Sessions.CloseAll(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Error closing sessions")
	}

	drained := make(chan struct{})
	go func() {
		a.serving.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		shutdownLogger.Debug().Msg("All sessions ended")
	case <-ctx.Done():
		shutdownLogger.Warn().Int("liveSessions", a.Sessions.Len()).Msg("Shutdown deadline reached with sessions still running")
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Error closing event publisher")
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Error closing provider client")
		}
	}
}
