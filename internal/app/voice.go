package app

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type voiceSetup struct {
	provider         voice.Provider
	resolvedProvider string
	detail           string
}

func resolveVoiceProvider(cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryElevenLabs := func() (*voice.ElevenLabsProvider, bool) {
		// A pre-provisioned public agent works without a key.
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" && strings.TrimSpace(cfg.ElevenLabsAgentID) == "" {
			return nil, false
		}
		return voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:    cfg.ElevenLabsAPIKey,
			BaseURL:   cfg.ElevenLabsBaseURL,
			WSBaseURL: cfg.ElevenLabsWSBaseURL,
			AgentID:   cfg.ElevenLabsAgentID,
			Prompt:    cfg.AgentPrompt,
		}, logger, metrics), true
	}

	switch voiceMode {
	case "elevenlabs":
		p, ok := tryElevenLabs()
		if !ok {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but neither ELEVENLABS_API_KEY nor ELEVENLABS_AGENT_ID is set")
		}
		return voiceSetup{provider: p, resolvedProvider: "elevenlabs", detail: "elevenlabs conversational agent"}, nil
	case "mock":
		return voiceSetup{provider: voice.NewMockProvider(), resolvedProvider: "mock", detail: "mock"}, nil
	case "auto":
		if p, ok := tryElevenLabs(); ok {
			return voiceSetup{
				provider:         voice.NewFailoverProvider(p, voice.NewMockProvider()),
				resolvedProvider: "elevenlabs",
				detail:           "elevenlabs conversational agent (automatic mock fallback)",
			}, nil
		}
		return voiceSetup{
			provider:         voice.NewMockProvider(),
			resolvedProvider: "mock",
			detail:           "mock (no elevenlabs credentials)",
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
