package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/observability/metrics"
	"voice-proxy-service/internal/service/client"
	"voice-proxy-service/internal/service/conversation"
	"voice-proxy-service/internal/service/reply"
	"voice-proxy-service/internal/service/stt"
	"voice-proxy-service/internal/service/tts"
)

// --- fakes ---

type inbound struct {
	frame models.ClientFrame
	err   error
}

type fakeChannel struct {
	in       chan inbound
	done     chan struct{}
	once     sync.Once
	receives atomic.Int32

	mu     sync.Mutex
	sent   []models.Notification
	closed bool
	closes int
	// failType makes Send fail for one notification type as if the socket
	// broke mid-write.
	failType models.NotificationType
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan inbound, 64), done: make(chan struct{})}
}

func (c *fakeChannel) Receive(ctx context.Context) (models.ClientFrame, error) {
	c.receives.Add(1)
	select {
	case f := <-c.in:
		return f.frame, f.err
	case <-c.done:
		return models.ClientFrame{}, client.ErrDisconnected
	case <-ctx.Done():
		return models.ClientFrame{}, ctx.Err()
	}
}

func (c *fakeChannel) Send(_ context.Context, n models.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return client.ErrDisconnected
	}
	if c.failType != "" && n.Type == c.failType {
		return fmt.Errorf("%w: write: broken pipe", client.ErrDisconnected)
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *fakeChannel) TrySend(n models.Notification) bool {
	return c.Send(context.Background(), n) == nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) audio(b64 string) {
	c.in <- inbound{frame: models.ClientFrame{Kind: models.ClientFrameAudio, Audio: models.AudioChunk{Base64: b64}}}
}

func (c *fakeChannel) disconnect() {
	c.in <- inbound{err: fmt.Errorf("%w: close 1000", client.ErrDisconnected)}
}

func (c *fakeChannel) notifications() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Notification(nil), c.sent...)
}

func (c *fakeChannel) count(typ models.NotificationType) int {
	n := 0
	for _, s := range c.notifications() {
		if s.Type == typ {
			n++
		}
	}
	return n
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeRecognition struct {
	events chan models.TranscriptEvent
	done   chan struct{}
	remote chan struct{}
	once   sync.Once
	closes atomic.Int32

	mu      sync.Mutex
	chunks  []models.AudioChunk
	onAudio func(n int)
}

func newFakeRecognition() *fakeRecognition {
	return &fakeRecognition{
		events: make(chan models.TranscriptEvent, 64),
		done:   make(chan struct{}),
		remote: make(chan struct{}),
	}
}

func (r *fakeRecognition) SendAudio(_ context.Context, chunk models.AudioChunk) error {
	select {
	case <-r.done:
		return stt.ErrClosed
	default:
	}
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	n, hook := len(r.chunks), r.onAudio
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (r *fakeRecognition) Receive(ctx context.Context) (models.TranscriptEvent, error) {
	select {
	case ev := <-r.events:
		return ev, nil
	case <-r.remote:
		return models.TranscriptEvent{}, stt.ErrClosed
	case <-r.done:
		return models.TranscriptEvent{}, stt.ErrClosed
	case <-ctx.Done():
		return models.TranscriptEvent{}, ctx.Err()
	}
}

func (r *fakeRecognition) Close() error {
	r.closes.Add(1)
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *fakeRecognition) partial(text string) {
	r.events <- models.TranscriptEvent{Type: models.PartialTranscriptType, Text: text, IsFinal: models.BoolPtr(false)}
}

func (r *fakeRecognition) final(text string) {
	r.events <- models.TranscriptEvent{Text: text, IsFinal: models.BoolPtr(true)}
}

type fakeSynthesis struct {
	events chan models.SynthesisEvent
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32

	mu      sync.Mutex
	texts   []string
	flushes int
	// audio is emitted on every Flush, followed by a final event.
	audio []string
}

func newFakeSynthesis(audio ...string) *fakeSynthesis {
	return &fakeSynthesis{
		events: make(chan models.SynthesisEvent, 64),
		done:   make(chan struct{}),
		audio:  audio,
	}
}

func (f *fakeSynthesis) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSynthesis) Flush(_ context.Context) error {
	f.mu.Lock()
	f.flushes++
	audio := f.audio
	f.mu.Unlock()
	for _, a := range audio {
		f.events <- models.SynthesisEvent{Audio: a}
	}
	f.events <- models.SynthesisEvent{IsFinal: true}
	return nil
}

func (f *fakeSynthesis) Receive(ctx context.Context) (models.SynthesisEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.done:
		return models.SynthesisEvent{}, tts.ErrClosed
	case <-ctx.Done():
		return models.SynthesisEvent{}, ctx.Err()
	}
}

func (f *fakeSynthesis) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSynthesis) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// harness wires fakes into a session.
type harness struct {
	rec *fakeRecognition
	syn *fakeSynthesis
	ch  *fakeChannel

	recConnects atomic.Int32
	synConnects atomic.Int32
	recErr      error
	synErr      error
	metrics     *metrics.Metrics
}

func newHarness(audio ...string) *harness {
	return &harness{
		rec: newFakeRecognition(),
		syn: newFakeSynthesis(audio...),
		ch:  newFakeChannel(),
	}
}

func (h *harness) session(t *testing.T, gen reply.Generator) *Session {
	t.Helper()
	logger := zerolog.Nop()
	m := h.metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	s, err := New(Dependencies{
		ID: "sess-1",
		Recognizer: stt.ConnectorFunc(func(ctx context.Context) (stt.Stream, error) {
			h.recConnects.Add(1)
			if h.recErr != nil {
				return nil, h.recErr
			}
			return h.rec, nil
		}),
		Synthesizer: tts.ConnectorFunc(func(ctx context.Context) (tts.Stream, error) {
			h.synConnects.Add(1)
			if h.synErr != nil {
				return nil, h.synErr
			}
			return h.syn, nil
		}),
		Generator: gen,
		Config:    Config{ConnectTimeout: time.Second, ReplyProvider: "fake"},
		Metrics:   m,
		Logger:    &logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func start(s *Session, ch client.Channel) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), ch) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func echo(text string) reply.Generator {
	return reply.GeneratorFunc(func(ctx context.Context, _ []conversation.Turn, rc reply.Context) (string, reply.Context, error) {
		return text, rc, nil
	})
}

// --- tests ---

func TestNew_RequiresCollaborators(t *testing.T) {
	rec := stt.ConnectorFunc(func(context.Context) (stt.Stream, error) { return nil, nil })
	syn := tts.ConnectorFunc(func(context.Context) (tts.Stream, error) { return nil, nil })

	if _, err := New(Dependencies{Synthesizer: syn, Generator: echo("x")}); err == nil {
		t.Error("expected error without recognizer")
	}
	if _, err := New(Dependencies{Recognizer: rec, Generator: echo("x")}); err == nil {
		t.Error("expected error without synthesizer")
	}
	if _, err := New(Dependencies{Recognizer: rec, Synthesizer: syn}); err == nil {
		t.Error("expected error without generator")
	}

	s, err := New(Dependencies{Recognizer: rec, Synthesizer: syn, Generator: echo("x"),
		Metrics: metrics.NewMetrics(prometheus.NewRegistry())})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID() == "" {
		t.Error("expected generated session ID")
	}
	if s.Status() != StatusConnecting {
		t.Errorf("expected CONNECTING, got %v", s.Status())
	}
}

func TestRun_HelloThereScenario(t *testing.T) {
	h := newHarness("AUD1", "AUD2", "AUD3")
	h.rec.onAudio = func(n int) {
		switch n {
		case 2:
			h.rec.partial("he")
		case 5:
			h.rec.final("hello there")
		}
	}
	s := h.session(t, echo("hi!"))
	done := start(s, h.ch)

	for i := 1; i <= 5; i++ {
		h.ch.audio(fmt.Sprintf("A%d", i))
	}
	eventually(t, func() bool { return h.ch.count(models.NotificationAudio) == 3 }, "three audio notifications")
	h.ch.disconnect()

	if err := wait(t, done); err != nil {
		t.Fatalf("expected graceful end, got %v", err)
	}

	got := h.ch.notifications()
	want := []models.Notification{
		models.NewUserTranscript("he"),
		models.NewUserTranscript("hello there"),
		models.NewAgentResponse("hi!"),
		models.NewAudio("AUD1"),
		models.NewAudio("AUD2"),
		models.NewAudio("AUD3"),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d notifications, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Type != want[i].Type {
			t.Fatalf("notification %d: type %s, want %s", i, got[i].Type, want[i].Type)
		}
		switch got[i].Type {
		case models.NotificationUserTranscript:
			if got[i].UserTranscription.UserTranscript != want[i].UserTranscription.UserTranscript {
				t.Errorf("notification %d: transcript %q, want %q", i,
					got[i].UserTranscription.UserTranscript, want[i].UserTranscription.UserTranscript)
			}
		case models.NotificationAgentResponse:
			if got[i].AgentResponse.AgentResponse != "hi!" {
				t.Errorf("notification %d: agent response %q", i, got[i].AgentResponse.AgentResponse)
			}
		case models.NotificationAudio:
			if got[i].Audio.AudioBase64 != want[i].Audio.AudioBase64 {
				t.Errorf("notification %d: audio %q, want %q", i, got[i].Audio.AudioBase64, want[i].Audio.AudioBase64)
			}
		}
	}

	if texts := h.syn.sentTexts(); len(texts) != 1 || texts[0] != "hi!" {
		t.Errorf("expected synthesis text [hi!], got %v", texts)
	}
	turns := s.Turns()
	if len(turns) != 2 ||
		turns[0].Role != conversation.RoleUser || turns[0].Text != "hello there" ||
		turns[1].Role != conversation.RoleAssistant || turns[1].Text != "hi!" {
		t.Errorf("unexpected history: %+v", turns)
	}
	if s.Status() != StatusClosed {
		t.Errorf("expected CLOSED, got %v", s.Status())
	}
	if h.ch.count(models.NotificationError) != 0 {
		t.Error("expected no error notification on disconnect")
	}
}

func TestRun_RecognitionConnectFailure(t *testing.T) {
	h := newHarness()
	h.recErr = errors.New("dial tcp: connection refused")
	s := h.session(t, echo("hi!"))

	err := wait(t, start(s, h.ch))
	if !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}

	notes := h.ch.notifications()
	if len(notes) != 1 || notes[0].Type != models.NotificationError {
		t.Fatalf("expected exactly one error notification, got %+v", notes)
	}
	if notes[0].Error == "" {
		t.Error("expected error message")
	}
	if h.ch.closeCount() != 1 {
		t.Errorf("expected channel closed once, got %d", h.ch.closeCount())
	}
	if n := h.synConnects.Load(); n != 0 {
		t.Errorf("synthesis must not be connected after recognition failure, got %d connects", n)
	}
	if n := h.ch.receives.Load(); n != 0 {
		t.Errorf("no relay should run, but client was read %d times", n)
	}
	if s.Status() != StatusFailed {
		t.Errorf("expected FAILED, got %v", s.Status())
	}
}

func TestRun_SynthesisConnectFailureClosesRecognition(t *testing.T) {
	h := newHarness()
	h.synErr = errors.New("401 unauthorized")
	s := h.session(t, echo("hi!"))

	err := wait(t, start(s, h.ch))
	if !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}
	if h.ch.count(models.NotificationError) != 1 {
		t.Errorf("expected one error notification, got %+v", h.ch.notifications())
	}
	if n := h.rec.closes.Load(); n != 1 {
		t.Errorf("expected recognition closed once, got %d", n)
	}
	if n := h.ch.receives.Load(); n != 0 {
		t.Errorf("no relay should run, but client was read %d times", n)
	}
}

func TestRun_ConnectTimeoutIsConnectFailure(t *testing.T) {
	h := newHarness()
	logger := zerolog.Nop()
	s, err := New(Dependencies{
		Recognizer: stt.ConnectorFunc(func(ctx context.Context) (stt.Stream, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Synthesizer: tts.ConnectorFunc(func(ctx context.Context) (tts.Stream, error) { return h.syn, nil }),
		Generator:   echo("x"),
		Config:      Config{ConnectTimeout: 20 * time.Millisecond},
		Metrics:     metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:      &logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := wait(t, start(s, h.ch)); !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}
	if h.ch.count(models.NotificationError) != 1 {
		t.Errorf("expected one error notification, got %+v", h.ch.notifications())
	}
}

func TestRun_DisconnectClosesStreamsOnce(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))
	done := start(s, h.ch)

	eventually(t, func() bool { return s.Status() == StatusActive }, "active session")
	h.ch.disconnect()

	if err := wait(t, done); err != nil {
		t.Fatalf("expected graceful end, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Errorf("Close #%d: %v", i, err)
		}
	}

	if n := h.rec.closes.Load(); n != 1 {
		t.Errorf("expected recognition closed once, got %d", n)
	}
	if n := h.syn.closes.Load(); n != 1 {
		t.Errorf("expected synthesis closed once, got %d", n)
	}
	if h.ch.closeCount() != 1 {
		t.Errorf("expected channel closed once, got %d", h.ch.closeCount())
	}
	if s.Status() != StatusClosed {
		t.Errorf("expected CLOSED, got %v", s.Status())
	}
}

func TestClose_ConcurrentCallsCloseStreamsOnce(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))
	done := start(s, h.ch)
	eventually(t, func() bool { return s.Status() == StatusActive }, "active session")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()

	if err := wait(t, done); err != nil {
		t.Fatalf("expected nil after Close, got %v", err)
	}
	if n := h.rec.closes.Load(); n != 1 {
		t.Errorf("expected recognition closed once, got %d", n)
	}
	if n := h.syn.closes.Load(); n != 1 {
		t.Errorf("expected synthesis closed once, got %d", n)
	}
	if h.ch.closeCount() != 1 {
		t.Errorf("expected channel closed once, got %d", h.ch.closeCount())
	}
	if h.ch.count(models.NotificationError) != 0 {
		t.Error("external close must not notify an error")
	}
}

func TestClose_BeforeRun(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := wait(t, start(s, h.ch)); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if n := h.rec.closes.Load(); n != 1 {
		t.Errorf("expected recognition opened then closed once, got %d", n)
	}
	if n := h.ch.receives.Load(); n != 0 {
		t.Errorf("no relay should run, but client was read %d times", n)
	}
	if s.Status() != StatusClosed {
		t.Errorf("expected CLOSED, got %v", s.Status())
	}
}

func TestRun_Twice(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))
	_ = s.Close()
	_ = wait(t, start(s, h.ch))

	if err := s.Run(context.Background(), newFakeChannel()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("expected ErrAlreadyRun, got %v", err)
	}
}

func TestRun_BlankFinalNeverGenerates(t *testing.T) {
	h := newHarness("AUD")
	var calls atomic.Int32
	gen := reply.GeneratorFunc(func(ctx context.Context, _ []conversation.Turn, rc reply.Context) (string, reply.Context, error) {
		calls.Add(1)
		return "reply", rc, nil
	})
	s := h.session(t, gen)

	h.rec.final("   ")
	h.rec.final("\t\n")
	h.rec.final("")
	h.rec.partial("marker")
	done := start(s, h.ch)

	eventually(t, func() bool {
		for _, n := range h.ch.notifications() {
			if n.Type == models.NotificationUserTranscript && n.UserTranscription.UserTranscript == "marker" {
				return true
			}
		}
		return false
	}, "marker transcript")
	h.ch.disconnect()
	if err := wait(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("generator called %d times for blank finals", n)
	}
	if len(s.Turns()) != 0 {
		t.Errorf("expected empty history, got %+v", s.Turns())
	}
	if h.ch.count(models.NotificationAgentResponse) != 0 {
		t.Error("expected no agent response")
	}
	if len(h.syn.sentTexts()) != 0 {
		t.Error("expected nothing sent to synthesis")
	}
}

func TestRun_ReplyGenerationIsSerialized(t *testing.T) {
	const utterances = 5
	h := newHarness()

	var depth, maxDepth, calls atomic.Int32
	var historyErr atomic.Value
	gen := reply.GeneratorFunc(func(ctx context.Context, history []conversation.Turn, rc reply.Context) (string, reply.Context, error) {
		d := depth.Add(1)
		defer depth.Add(-1)
		for {
			m := maxDepth.Load()
			if d <= m || maxDepth.CompareAndSwap(m, d) {
				break
			}
		}
		k := int(calls.Add(1)) - 1
		if len(history) != 2*k+1 {
			historyErr.Store(fmt.Sprintf("call %d got %d turns", k, len(history)))
		}
		time.Sleep(5 * time.Millisecond)
		return fmt.Sprintf("reply %d", k), rc, nil
	})
	s := h.session(t, gen)

	for i := 0; i < utterances; i++ {
		h.rec.final(fmt.Sprintf("utterance %d", i))
	}
	done := start(s, h.ch)

	eventually(t, func() bool { return h.ch.count(models.NotificationAgentResponse) == utterances }, "all replies")
	h.ch.disconnect()
	if err := wait(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m := maxDepth.Load(); m != 1 {
		t.Errorf("expected max generator depth 1, got %d", m)
	}
	if v := historyErr.Load(); v != nil {
		t.Errorf("generator did not see full history: %v", v)
	}

	turns := s.Turns()
	if len(turns) != 2*utterances {
		t.Fatalf("expected %d turns, got %d", 2*utterances, len(turns))
	}
	for i, turn := range turns {
		wantRole := conversation.RoleUser
		if i%2 == 1 {
			wantRole = conversation.RoleAssistant
		}
		if turn.Role != wantRole {
			t.Errorf("turn %d: role %s, want %s", i, turn.Role, wantRole)
		}
	}
}

func TestRun_ReplyContextIsThreaded(t *testing.T) {
	h := newHarness()
	var seen []reply.Context
	var mu sync.Mutex
	gen := reply.GeneratorFunc(func(ctx context.Context, history []conversation.Turn, rc reply.Context) (string, reply.Context, error) {
		mu.Lock()
		seen = append(seen, rc)
		mu.Unlock()
		return "ok", reply.Context{"calls": len(history)}, nil
	})
	s := h.session(t, gen)

	h.rec.final("one")
	h.rec.final("two")
	done := start(s, h.ch)
	eventually(t, func() bool { return h.ch.count(models.NotificationAgentResponse) == 2 }, "two replies")
	h.ch.disconnect()
	_ = wait(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(seen))
	}
	if seen[0] != nil {
		t.Errorf("expected nil initial context, got %v", seen[0])
	}
	if seen[1]["calls"] != 1 {
		t.Errorf("expected context from first call, got %v", seen[1])
	}
}

func TestRun_BlankReplySkipsSynthesis(t *testing.T) {
	h := newHarness("AUD")
	s := h.session(t, echo("  "))

	h.rec.final("hello")
	done := start(s, h.ch)
	eventually(t, func() bool { return h.ch.count(models.NotificationAgentResponse) == 1 }, "agent response")
	h.ch.disconnect()
	_ = wait(t, done)

	if len(h.syn.sentTexts()) != 0 {
		t.Errorf("expected no synthesis text, got %v", h.syn.sentTexts())
	}
	if len(s.Turns()) != 2 {
		t.Errorf("expected user and assistant turns, got %+v", s.Turns())
	}
}

func TestRun_GeneratorFailure(t *testing.T) {
	h := newHarness()
	gen := reply.GeneratorFunc(func(ctx context.Context, _ []conversation.Turn, rc reply.Context) (string, reply.Context, error) {
		return "", nil, errors.New("overloaded")
	})
	s := h.session(t, gen)

	h.rec.final("hello")
	err := wait(t, start(s, h.ch))
	if !errors.Is(err, ErrGeneratorFailure) {
		t.Fatalf("expected ErrGeneratorFailure, got %v", err)
	}
	if h.ch.count(models.NotificationError) != 1 {
		t.Errorf("expected one error notification, got %+v", h.ch.notifications())
	}
	if s.Status() != StatusFailed {
		t.Errorf("expected FAILED, got %v", s.Status())
	}
	if n := h.rec.closes.Load(); n != 1 {
		t.Errorf("expected recognition closed once, got %d", n)
	}
	if n := h.syn.closes.Load(); n != 1 {
		t.Errorf("expected synthesis closed once, got %d", n)
	}
	if h.ch.closeCount() != 1 {
		t.Errorf("expected channel closed once, got %d", h.ch.closeCount())
	}
}

func TestRun_RecognitionServiceError(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))

	h.rec.events <- models.TranscriptEvent{Error: "invalid key"}
	err := wait(t, start(s, h.ch))
	if !errors.Is(err, ErrRelayFailure) {
		t.Fatalf("expected ErrRelayFailure, got %v", err)
	}
	if h.ch.count(models.NotificationError) != 1 {
		t.Errorf("expected one error notification, got %+v", h.ch.notifications())
	}
}

func TestRun_UpstreamClosureIsRelayFailure(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))
	done := start(s, h.ch)

	eventually(t, func() bool { return s.Status() == StatusActive }, "active session")
	close(h.rec.remote)

	err := wait(t, done)
	if !errors.Is(err, ErrRelayFailure) || !errors.Is(err, stt.ErrClosed) {
		t.Fatalf("expected relay failure wrapping stt.ErrClosed, got %v", err)
	}
	if s.Status() != StatusFailed {
		t.Errorf("expected FAILED, got %v", s.Status())
	}
}

func TestRun_MalformedClientFrameIsRelayFailure(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))

	h.ch.in <- inbound{err: fmt.Errorf("%w: invalid character", models.ErrMalformedFrame)}
	err := wait(t, start(s, h.ch))
	if !errors.Is(err, ErrRelayFailure) || !errors.Is(err, models.ErrMalformedFrame) {
		t.Fatalf("expected relay failure wrapping ErrMalformedFrame, got %v", err)
	}
}

func TestRun_UnknownAndPongFramesAreDiscarded(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))

	h.ch.in <- inbound{frame: models.ClientFrame{Kind: models.ClientFramePong}}
	h.ch.in <- inbound{frame: models.ClientFrame{Kind: models.ClientFrameUnknown}}
	h.ch.audio("QUJD")
	done := start(s, h.ch)

	eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.chunks) == 1
	}, "forwarded audio")
	h.ch.disconnect()
	if err := wait(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.rec.chunks[0].Base64 != "QUJD" {
		t.Errorf("unexpected chunk: %+v", h.rec.chunks[0])
	}
}

func TestRun_ContextCancellationIsGraceful(t *testing.T) {
	h := newHarness()
	s := h.session(t, echo("hi!"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h.ch) }()

	eventually(t, func() bool { return s.Status() == StatusActive }, "active session")
	cancel()

	if err := wait(t, done); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if n := h.rec.closes.Load(); n != 1 {
		t.Errorf("expected recognition closed once, got %d", n)
	}
}

type recordingPublisher struct {
	mu          sync.Mutex
	transcripts []models.TranscriptPublished
	turns       []models.TurnAppended
}

func (p *recordingPublisher) PublishTranscript(_ context.Context, ev models.TranscriptPublished) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, ev)
	return nil
}

func (p *recordingPublisher) PublishTurn(_ context.Context, ev models.TurnAppended) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, ev)
	return errors.New("broker unavailable")
}

func TestRun_PublishesTranscriptsAndTurns(t *testing.T) {
	h := newHarness()
	pub := &recordingPublisher{}
	s := h.session(t, echo("hi!"))
	s.publisher = pub

	h.rec.partial("he")
	h.rec.final("hello")
	done := start(s, h.ch)
	eventually(t, func() bool { return h.ch.count(models.NotificationAgentResponse) == 1 }, "agent response")
	h.ch.disconnect()
	if err := wait(t, done); err != nil {
		t.Fatalf("publish errors must not fail the session: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.transcripts) != 2 {
		t.Fatalf("expected 2 transcripts, got %+v", pub.transcripts)
	}
	if pub.transcripts[0].EventType != models.EventTranscriptPartial || pub.transcripts[0].Final {
		t.Errorf("unexpected partial event: %+v", pub.transcripts[0])
	}
	if pub.transcripts[1].EventType != models.EventTranscriptFinal || !pub.transcripts[1].Final {
		t.Errorf("unexpected final event: %+v", pub.transcripts[1])
	}
	if len(pub.turns) != 2 {
		t.Fatalf("expected 2 turns, got %+v", pub.turns)
	}
	if pub.turns[0].Index != 0 || pub.turns[0].Role != "user" || pub.turns[1].Index != 1 || pub.turns[1].Role != "assistant" {
		t.Errorf("unexpected turn events: %+v", pub.turns)
	}
	if pub.turns[0].SessionID != "sess-1" {
		t.Errorf("expected session ID on event, got %q", pub.turns[0].SessionID)
	}
}

func TestRun_ClientWriteFailureIsDisconnect(t *testing.T) {
	h := newHarness("QUFB")
	h.ch.failType = models.NotificationAudio
	s := h.session(t, echo("hi!"))
	done := start(s, h.ch)

	h.rec.final("hello there")

	if err := wait(t, done); err != nil {
		t.Fatalf("expected graceful end, got %v", err)
	}
	if s.Status() != StatusClosed {
		t.Errorf("expected CLOSED, got %v", s.Status())
	}
	if got := h.ch.count(models.NotificationAgentResponse); got != 1 {
		t.Errorf("expected 1 agent_response, got %d", got)
	}
	if got := h.ch.count(models.NotificationError); got != 0 {
		t.Errorf("expected no error notification, got %d", got)
	}
	if h.rec.closes.Load() != 1 || h.syn.closes.Load() != 1 {
		t.Errorf("expected each stream closed once, got rec=%d syn=%d", h.rec.closes.Load(), h.syn.closes.Load())
	}
}

func TestNew_TagsLoggerWithProviders(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	s, err := New(Dependencies{
		ID:          "sess-log",
		Recognizer:  stt.ConnectorFunc(func(context.Context) (stt.Stream, error) { return nil, nil }),
		Synthesizer: tts.ConnectorFunc(func(context.Context) (tts.Stream, error) { return nil, nil }),
		Generator:   echo("x"),
		Config:      Config{RecognitionProvider: "deepgram", SynthesisProvider: "elevenlabs"},
		Metrics:     metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:      &logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.logger.Info().Msg("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["sessionId"] != "sess-log" || entry["recognitionProvider"] != "deepgram" || entry["synthesisProvider"] != "elevenlabs" {
		t.Errorf("unexpected log fields %v", entry)
	}
	if _, ok := entry["replyProvider"]; ok {
		t.Error("empty provider must not be tagged")
	}
}
