// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderElevenLabs = "elevenlabs"
	ProviderGoogle     = "google"
	ProviderDeepgram   = "deepgram"
	ProviderMock       = "mock"
	ProviderAnthropic  = "anthropic"
	ProviderStatic     = "static"
)

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig
	Session       SessionConfig
	Recognition   RecognitionConfig
	Synthesis     SynthesisConfig
	Reply         ReplyConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Principal   string
	Environment string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
}

// SessionConfig bounds a single voice session.
type SessionConfig struct {
	ConnectTimeout      time.Duration
	WriteTimeout        time.Duration
	ClientQueueSize     int
	MaxClientFrameBytes int64
}

// RecognitionConfig selects and configures the speech-recognition stream.
// Empty URL, ModelID and LanguageCode fall back to the provider's defaults.
type RecognitionConfig struct {
	Provider       string
	URL            string
	APIKey         string
	ModelID        string
	LanguageCode   string
	EnablePartials bool
	SampleRateHz   int
	AudioEncoding  string
	Endpoint       string
}

// SynthesisConfig selects and configures the speech-synthesis stream.
type SynthesisConfig struct {
	Provider        string
	URLTemplate     string
	APIKey          string
	VoiceID         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

// ReplyConfig selects and configures the reply generator.
type ReplyConfig struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	StaticText   string
	Timeout      time.Duration
}

// KafkaConfig holds event publisher settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	TopicTurns   string
	Principal    string
	Async        bool
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

const defaultSystemPrompt = "You are a concise voice assistant for warehouse and logistics work. " +
	"Answer in one or two short spoken sentences. Do not use markdown."

// Load reads the configuration from the environment, applying defaults.
func Load() *Configuration {
	elevenLabsKey := os.Getenv("ELEVENLABS_API_KEY")

	return &Configuration{
		Service: ServiceConfig{
			Principal:   envOrDefault("SERVICE_PRINCIPAL", "svc-voice-proxy"),
			Environment: envOrDefault("ENV", "prod"),
			HTTPPort:    envOrDefault("HTTP_PORT", "8000"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Session: SessionConfig{
			ConnectTimeout:      envDuration("SESSION_CONNECT_TIMEOUT", 10*time.Second),
			WriteTimeout:        envDuration("SESSION_WRITE_TIMEOUT", 5*time.Second),
			ClientQueueSize:     envInt("SESSION_CLIENT_QUEUE_SIZE", 256),
			MaxClientFrameBytes: int64(envInt("SESSION_MAX_CLIENT_FRAME_BYTES", 1<<20)),
		},
		Recognition: RecognitionConfig{
			Provider:       strings.ToLower(envOrDefault("STT_PROVIDER", ProviderElevenLabs)),
			URL:            os.Getenv("STT_URL"),
			APIKey:         envOrDefault("STT_API_KEY", elevenLabsKey),
			ModelID:        os.Getenv("STT_MODEL_ID"),
			LanguageCode:   os.Getenv("STT_LANGUAGE_CODE"),
			EnablePartials: envBool("STT_ENABLE_PARTIALS", true),
			SampleRateHz:   envInt("STT_SAMPLE_RATE_HZ", 16000),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Endpoint:       os.Getenv("STT_ENDPOINT"),
		},
		Synthesis: SynthesisConfig{
			Provider:        strings.ToLower(envOrDefault("TTS_PROVIDER", ProviderElevenLabs)),
			URLTemplate:     envOrDefault("TTS_URL_TEMPLATE", "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"),
			APIKey:          envOrDefault("TTS_API_KEY", elevenLabsKey),
			VoiceID:         envOrDefault("TTS_VOICE_ID", "JBFqnCBsd6RMkjVDRZzb"),
			ModelID:         envOrDefault("TTS_MODEL_ID", "eleven_flash_v2_5"),
			Stability:       envFloat("TTS_STABILITY", 0.5),
			SimilarityBoost: envFloat("TTS_SIMILARITY_BOOST", 0.8),
		},
		Reply: ReplyConfig{
			Provider:     strings.ToLower(envOrDefault("REPLY_PROVIDER", ProviderAnthropic)),
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL:      envOrDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			Model:        envOrDefault("CLAUDE_MODEL_ID", "claude-3-5-sonnet-20241022"),
			MaxTokens:    envInt("REPLY_MAX_TOKENS", 800),
			Temperature:  envFloat("REPLY_TEMPERATURE", 0.2),
			SystemPrompt: envOrDefault("REPLY_SYSTEM_PROMPT", defaultSystemPrompt),
			StaticText:   envOrDefault("REPLY_STATIC_TEXT", "Claude is not configured."),
			Timeout:      envDuration("REPLY_TIMEOUT", 0),
		},
		Kafka: KafkaConfig{
			Enabled:      envBool("KAFKA_ENABLED", false),
			Brokers:      envList("KAFKA_BROKERS"),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "conversation.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "conversation.transcript.final"),
			TopicTurns:   envOrDefault("KAFKA_TOPIC_TURNS", "conversation.turns"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", envOrDefault("SERVICE_PRINCIPAL", "svc-voice-proxy")),
			Async:        envBool("KAFKA_ASYNC", true),
		},
		Observability: ObservabilityConfig{
			LogLevel:  strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat: strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		},
	}
}

// Validate checks provider names and the credentials each provider needs.
func (c *Configuration) Validate() error {
	var errs []error

	switch c.Recognition.Provider {
	case ProviderElevenLabs, ProviderDeepgram:
		if c.Recognition.APIKey == "" {
			errs = append(errs, fmt.Errorf("STT_PROVIDER=%s requires an API key", c.Recognition.Provider))
		}
	case ProviderGoogle, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown STT_PROVIDER %q", c.Recognition.Provider))
	}

	switch c.Synthesis.Provider {
	case ProviderElevenLabs:
		if c.Synthesis.APIKey == "" {
			errs = append(errs, fmt.Errorf("TTS_PROVIDER=%s requires an API key", c.Synthesis.Provider))
		}
		if c.Synthesis.VoiceID == "" {
			errs = append(errs, errors.New("TTS_VOICE_ID is required"))
		}
	case ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown TTS_PROVIDER %q", c.Synthesis.Provider))
	}

	switch c.Reply.Provider {
	case ProviderAnthropic, ProviderStatic:
	default:
		errs = append(errs, fmt.Errorf("unknown REPLY_PROVIDER %q", c.Reply.Provider))
	}

	if c.Session.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_CONNECT_TIMEOUT must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_ENABLED requires KAFKA_BROKERS"))
	}

	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
