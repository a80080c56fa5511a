package config

import (
	"strings"
	"testing"
	"time"
)

var configEnvVars = []string{
	"SERVICE_PRINCIPAL", "ENV", "HTTP_PORT", "GRPC_PORT", "METRICS_PORT",
	"SESSION_CONNECT_TIMEOUT", "SESSION_WRITE_TIMEOUT", "SESSION_CLIENT_QUEUE_SIZE", "SESSION_MAX_CLIENT_FRAME_BYTES",
	"ELEVENLABS_API_KEY", "STT_PROVIDER", "STT_URL", "STT_API_KEY", "STT_MODEL_ID", "STT_LANGUAGE_CODE",
	"STT_ENABLE_PARTIALS", "STT_SAMPLE_RATE_HZ", "STT_AUDIO_ENCODING", "STT_ENDPOINT",
	"TTS_PROVIDER", "TTS_URL_TEMPLATE", "TTS_API_KEY", "TTS_VOICE_ID", "TTS_MODEL_ID", "TTS_STABILITY", "TTS_SIMILARITY_BOOST",
	"REPLY_PROVIDER", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "CLAUDE_MODEL_ID", "REPLY_MAX_TOKENS",
	"REPLY_TEMPERATURE", "REPLY_SYSTEM_PROMPT", "REPLY_STATIC_TEXT", "REPLY_TIMEOUT",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_TOPIC_PARTIAL", "KAFKA_TOPIC_FINAL", "KAFKA_TOPIC_TURNS",
	"KAFKA_PRINCIPAL", "KAFKA_ASYNC", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every variable Load reads; empty values mean "use default".
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Service.Principal != "svc-voice-proxy" {
		t.Errorf("expected default principal 'svc-voice-proxy', got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPPort != "8000" {
		t.Errorf("expected default HTTP port '8000', got %s", cfg.Service.HTTPPort)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default gRPC port '50051', got %s", cfg.Service.GRPCPort)
	}

	if cfg.Session.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect timeout 10s, got %v", cfg.Session.ConnectTimeout)
	}
	if cfg.Session.ClientQueueSize != 256 {
		t.Errorf("expected default client queue size 256, got %d", cfg.Session.ClientQueueSize)
	}

	if cfg.Recognition.Provider != ProviderElevenLabs {
		t.Errorf("expected default STT provider 'elevenlabs', got %s", cfg.Recognition.Provider)
	}
	if cfg.Recognition.URL != "" || cfg.Recognition.ModelID != "" || cfg.Recognition.LanguageCode != "" {
		t.Errorf("expected provider defaults for URL, model and language, got %q %q %q",
			cfg.Recognition.URL, cfg.Recognition.ModelID, cfg.Recognition.LanguageCode)
	}
	if !cfg.Recognition.EnablePartials {
		t.Error("expected partials enabled by default")
	}

	if cfg.Synthesis.VoiceID != "JBFqnCBsd6RMkjVDRZzb" {
		t.Errorf("expected default voice, got %s", cfg.Synthesis.VoiceID)
	}
	if cfg.Synthesis.ModelID != "eleven_flash_v2_5" {
		t.Errorf("expected default TTS model 'eleven_flash_v2_5', got %s", cfg.Synthesis.ModelID)
	}
	if cfg.Synthesis.Stability != 0.5 || cfg.Synthesis.SimilarityBoost != 0.8 {
		t.Errorf("unexpected default voice settings: %v/%v", cfg.Synthesis.Stability, cfg.Synthesis.SimilarityBoost)
	}

	if cfg.Reply.MaxTokens != 800 {
		t.Errorf("expected default max tokens 800, got %d", cfg.Reply.MaxTokens)
	}
	if cfg.Reply.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %v", cfg.Reply.Temperature)
	}
	if cfg.Reply.Timeout != 0 {
		t.Errorf("expected no default reply timeout, got %v", cfg.Reply.Timeout)
	}

	if cfg.Kafka.Enabled {
		t.Error("expected Kafka disabled by default")
	}
	if cfg.Kafka.Brokers != nil {
		t.Errorf("expected no brokers by default, got %v", cfg.Kafka.Brokers)
	}

	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STT_PROVIDER", "Google")
	t.Setenv("STT_LANGUAGE_CODE", "es-ES")
	t.Setenv("STT_SAMPLE_RATE_HZ", "8000")
	t.Setenv("STT_ENABLE_PARTIALS", "false")
	t.Setenv("STT_AUDIO_ENCODING", "MULAW")
	t.Setenv("SESSION_CONNECT_TIMEOUT", "3s")
	t.Setenv("TTS_VOICE_ID", "voice-123")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Recognition.Provider != ProviderGoogle {
		t.Errorf("expected STT provider 'google', got %s", cfg.Recognition.Provider)
	}
	if cfg.Recognition.LanguageCode != "es-ES" {
		t.Errorf("expected language 'es-ES', got %s", cfg.Recognition.LanguageCode)
	}
	if cfg.Recognition.SampleRateHz != 8000 {
		t.Errorf("expected sample rate 8000, got %d", cfg.Recognition.SampleRateHz)
	}
	if cfg.Recognition.EnablePartials {
		t.Error("expected partials disabled")
	}
	if cfg.Recognition.AudioEncoding != "MULAW" {
		t.Errorf("expected encoding 'MULAW', got %s", cfg.Recognition.AudioEncoding)
	}
	if cfg.Session.ConnectTimeout != 3*time.Second {
		t.Errorf("expected connect timeout 3s, got %v", cfg.Session.ConnectTimeout)
	}
	if cfg.Synthesis.VoiceID != "voice-123" {
		t.Errorf("expected voice 'voice-123', got %s", cfg.Synthesis.VoiceID)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("STT_ENABLE_PARTIALS", "invalid")
	t.Setenv("SESSION_CONNECT_TIMEOUT", "invalid")
	t.Setenv("TTS_STABILITY", "high")

	cfg := Load()

	if cfg.Recognition.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.Recognition.SampleRateHz)
	}
	if !cfg.Recognition.EnablePartials {
		t.Error("expected default partials on invalid input")
	}
	if cfg.Session.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect timeout on invalid input, got %v", cfg.Session.ConnectTimeout)
	}
	if cfg.Synthesis.Stability != 0.5 {
		t.Errorf("expected default stability on invalid input, got %v", cfg.Synthesis.Stability)
	}
}

func TestLoad_ElevenLabsKeySharedByBothStreams(t *testing.T) {
	clearEnv(t)
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")

	cfg := Load()

	if cfg.Recognition.APIKey != "xi-key" {
		t.Errorf("expected STT key from ELEVENLABS_API_KEY, got %q", cfg.Recognition.APIKey)
	}
	if cfg.Synthesis.APIKey != "xi-key" {
		t.Errorf("expected TTS key from ELEVENLABS_API_KEY, got %q", cfg.Synthesis.APIKey)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_PRINCIPAL", "my-service")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr string
	}{
		{"mock providers", func(c *Configuration) {
			c.Recognition.Provider = ProviderMock
			c.Synthesis.Provider = ProviderMock
		}, ""},
		{"elevenlabs with key", func(c *Configuration) {
			c.Recognition.APIKey = "k"
			c.Synthesis.APIKey = "k"
		}, ""},
		{"elevenlabs without key", func(c *Configuration) {}, "requires an API key"},
		{"unknown stt", func(c *Configuration) {
			c.Recognition.Provider = "azure"
			c.Synthesis.Provider = ProviderMock
		}, "unknown STT_PROVIDER"},
		{"unknown reply", func(c *Configuration) {
			c.Recognition.Provider = ProviderMock
			c.Synthesis.Provider = ProviderMock
			c.Reply.Provider = "openai"
		}, "unknown REPLY_PROVIDER"},
		{"kafka without brokers", func(c *Configuration) {
			c.Recognition.Provider = ProviderMock
			c.Synthesis.Provider = ProviderMock
			c.Kafka.Enabled = true
		}, "KAFKA_BROKERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL_VAR", tt.envValue)
			got := envBool("TEST_BOOL_VAR", tt.def)
			if got != tt.expected {
				t.Errorf("envBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}
