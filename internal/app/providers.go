package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"voice-proxy-service/internal/config"
	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/service/reply"
	"voice-proxy-service/internal/service/reply/anthropic"
	"voice-proxy-service/internal/service/reply/static"
	"voice-proxy-service/internal/service/stt"
	sttdeepgram "voice-proxy-service/internal/service/stt/deepgram"
	sttelevenlabs "voice-proxy-service/internal/service/stt/elevenlabs"
	sttgoogle "voice-proxy-service/internal/service/stt/google"
	sttmock "voice-proxy-service/internal/service/stt/mock"
	"voice-proxy-service/internal/service/tts"
	ttselevenlabs "voice-proxy-service/internal/service/tts/elevenlabs"
	ttsmock "voice-proxy-service/internal/service/tts/mock"
)

// newRecognizer builds the recognition connector for the configured
// provider. The closer, if any, releases a shared provider client.
func newRecognizer(ctx context.Context, cfg *config.Configuration) (stt.Connector, io.Closer, error) {
	rc := cfg.Recognition

	switch rc.Provider {
	case config.ProviderElevenLabs:
		if rc.APIKey == "" {
			return nil, nil, &ProviderError{Setting: "ELEVENLABS_API_KEY"}
		}
		c := sttelevenlabs.DefaultConfig()
		c.APIKey = rc.APIKey
		c.EnablePartials = rc.EnablePartials
		c.WriteTimeout = cfg.Session.WriteTimeout
		setIf(&c.URL, rc.URL)
		setIf(&c.ModelID, rc.ModelID)
		setIf(&c.LanguageCode, rc.LanguageCode)
		return sttelevenlabs.NewConnector(c), nil, nil

	case config.ProviderDeepgram:
		if rc.APIKey == "" {
			return nil, nil, &ProviderError{Setting: "STT_API_KEY"}
		}
		c := sttdeepgram.DefaultConfig()
		c.APIKey = rc.APIKey
		c.WriteTimeout = cfg.Session.WriteTimeout
		setIf(&c.URL, rc.URL)
		setIf(&c.Model, rc.ModelID)
		setIf(&c.Language, rc.LanguageCode)
		setIf(&c.Encoding, strings.ToLower(rc.AudioEncoding))
		if rc.SampleRateHz > 0 {
			c.SampleRateHz = rc.SampleRateHz
		}
		return sttdeepgram.NewConnector(c), nil, nil

	case config.ProviderGoogle:
		c := sttgoogle.DefaultConfig()
		c.InterimResults = rc.EnablePartials
		c.Endpoint = rc.Endpoint
		setIf(&c.LanguageCode, rc.LanguageCode)
		setIf(&c.AudioEncoding, rc.AudioEncoding)
		if rc.SampleRateHz > 0 {
			c.SampleRateHz = int32(rc.SampleRateHz)
		}
		conn, err := sttgoogle.NewConnector(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn, nil

	case config.ProviderMock:
		return sttmock.NewConnector(0), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown STT_PROVIDER %q", rc.Provider)
	}
}

// newSynthesizer builds the synthesis connector for the configured provider.
func newSynthesizer(cfg *config.Configuration) (tts.Connector, error) {
	sc := cfg.Synthesis

	switch sc.Provider {
	case config.ProviderElevenLabs:
		if sc.APIKey == "" {
			return nil, &ProviderError{Setting: "ELEVENLABS_API_KEY"}
		}
		c := ttselevenlabs.DefaultConfig()
		c.APIKey = sc.APIKey
		c.WriteTimeout = cfg.Session.WriteTimeout
		c.VoiceSettings = models.VoiceSettings{
			Stability:       sc.Stability,
			SimilarityBoost: sc.SimilarityBoost,
		}
		setIf(&c.URLTemplate, sc.URLTemplate)
		setIf(&c.VoiceID, sc.VoiceID)
		setIf(&c.ModelID, sc.ModelID)
		return ttselevenlabs.NewConnector(c), nil

	case config.ProviderMock:
		return ttsmock.NewConnector(0), nil

	default:
		return nil, fmt.Errorf("unknown TTS_PROVIDER %q", sc.Provider)
	}
}

// newGenerator returns the Anthropic generator, or the static one when the
// static provider is selected or no API key is configured.
func newGenerator(cfg *config.Configuration, logger zerolog.Logger) (reply.Generator, string) {
	rc := cfg.Reply
	if rc.Provider == config.ProviderAnthropic && rc.APIKey != "" {
		return anthropic.New(anthropic.Config{
			APIKey:       rc.APIKey,
			BaseURL:      rc.BaseURL,
			Model:        rc.Model,
			MaxTokens:    rc.MaxTokens,
			Temperature:  rc.Temperature,
			SystemPrompt: rc.SystemPrompt,
			Timeout:      rc.Timeout,
		}), config.ProviderAnthropic
	}
	if rc.Provider == config.ProviderAnthropic {
		logger.Warn().Msg("ANTHROPIC_API_KEY not set, replies use static text")
	}
	return static.New(rc.StaticText), config.ProviderStatic
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
