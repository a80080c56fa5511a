// Package anthropic implements reply.Generator with the Anthropic Messages
// API over plain HTTP.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"voice-proxy-service/internal/service/conversation"
	"voice-proxy-service/internal/service/reply"
)

// APIVersion is the required anthropic-version header.
const APIVersion = "2023-06-01"

// Config holds generator settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	// Timeout bounds a single request. Zero means no timeout.
	Timeout time.Duration
}

// Generator calls the Messages API once per reply.
type Generator struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a generator with an instrumented HTTP client.
func New(cfg Config) *Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	return &Generator{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type response struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

// Error is an API error response.
type Error struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("anthropic: %d %s: %s", e.StatusCode, e.Type, e.Message)
}

// Generate sends the history and returns the concatenated text blocks. The
// reply context is rendered into the system prompt and returned unchanged.
func (g *Generator) Generate(ctx context.Context, history []conversation.Turn, rc reply.Context) (string, reply.Context, error) {
	msgs := toMessages(history)
	if len(msgs) == 0 {
		return "", rc, fmt.Errorf("anthropic: empty conversation")
	}

	system, err := g.system(rc)
	if err != nil {
		return "", rc, err
	}

	body, err := json.Marshal(request{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		System:      system,
		Messages:    msgs,
	})
	if err != nil {
		return "", rc, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", rc, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", g.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", rc, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", rc, parseError(resp)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", rc, fmt.Errorf("decode response: %w", err)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if rc == nil {
		rc = reply.Context{}
	}
	return sb.String(), rc, nil
}

func (g *Generator) system(rc reply.Context) (string, error) {
	if len(rc) == 0 {
		return g.cfg.SystemPrompt, nil
	}
	b, err := json.Marshal(rc)
	if err != nil {
		return "", fmt.Errorf("marshal reply context: %w", err)
	}
	return g.cfg.SystemPrompt + " Context: " + string(b), nil
}

// toMessages drops blank turns and merges consecutive turns of the same
// role, since the API requires non-empty alternating messages.
func toMessages(history []conversation.Turn) []message {
	var msgs []message
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := string(t.Role)
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n" + text
			continue
		}
		msgs = append(msgs, message{Role: role, Content: text})
	}
	return msgs
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErr struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Type == "" {
		return &Error{StatusCode: resp.StatusCode, Type: "provider_error", Message: strings.TrimSpace(string(body))}
	}
	return &Error{StatusCode: resp.StatusCode, Type: apiErr.Error.Type, Message: apiErr.Error.Message}
}
