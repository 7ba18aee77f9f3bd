package app

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/voice"
)

func TestResolveVoiceProvider(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"auto without credentials", config.Config{VoiceProvider: "auto"}, "mock"},
		{"explicit mock", config.Config{VoiceProvider: "mock", ElevenLabsAPIKey: "k"}, "mock"},
		{"auto with key", config.Config{VoiceProvider: "auto", ElevenLabsAPIKey: "k"}, "elevenlabs"},
		{"elevenlabs with agent id", config.Config{VoiceProvider: "elevenlabs", ElevenLabsAgentID: "agent"}, "elevenlabs"},
	}
	for _, tc := range cases {
		setup, err := resolveVoiceProvider(tc.cfg, zerolog.Nop(), nil)
		if err != nil {
			t.Fatalf("%s: resolveVoiceProvider() error = %v", tc.name, err)
		}
		if setup.resolvedProvider != tc.want {
			t.Fatalf("%s: provider = %q, want %q", tc.name, setup.resolvedProvider, tc.want)
		}
	}

	setup, _ := resolveVoiceProvider(config.Config{VoiceProvider: "auto", ElevenLabsAPIKey: "k"}, zerolog.Nop(), nil)
	if _, ok := setup.provider.(*voice.FailoverProvider); !ok {
		t.Fatalf("auto with key provider = %T, want *voice.FailoverProvider", setup.provider)
	}
}

func TestResolveVoiceProviderRejectsMissingCredentials(t *testing.T) {
	if _, err := resolveVoiceProvider(config.Config{VoiceProvider: "elevenlabs"}, zerolog.Nop(), nil); err == nil {
		t.Fatalf("expected error for elevenlabs without credentials")
	}
	if _, err := resolveVoiceProvider(config.Config{VoiceProvider: "local"}, zerolog.Nop(), nil); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestResolveFeedAuto(t *testing.T) {
	setup, err := resolveFeed(context.Background(), config.Config{FeedMode: "auto"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("resolveFeed() error = %v", err)
	}
	defer setup.close()
	if setup.mode != "memory" || setup.publisher == nil {
		t.Fatalf("auto feed = %+v, want memory broker", setup)
	}

	pg, err := resolveFeed(context.Background(), config.Config{FeedMode: "auto", DatabaseURL: "postgres://localhost/x"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("resolveFeed(postgres) error = %v", err)
	}
	if pg.mode != "postgres" || pg.publisher != nil {
		t.Fatalf("postgres feed mode = %q publisher = %v", pg.mode, pg.publisher)
	}

	if _, err := resolveFeed(context.Background(), config.Config{FeedMode: "postgres"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for postgres feed without DATABASE_URL")
	}
}

func TestBuildRejectsUnknownAgentTool(t *testing.T) {
	cfg := config.Config{
		FeedMode:      "memory",
		VoiceProvider: "mock",
		AgentTools:    []string{"get_battery_level", "flsh_screen", "change_brightness"},
	}
	if _, err := Build(context.Background(), cfg, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "flsh_screen") {
		t.Fatalf("Build() error = %v, want unknown tool error", err)
	}
}
