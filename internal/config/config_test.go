package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.VoiceProvider != "auto" {
		t.Fatalf("VoiceProvider = %q, want %q", cfg.VoiceProvider, "auto")
	}
	if cfg.TickInterval != time.Second {
		t.Fatalf("TickInterval = %v, want 1s", cfg.TickInterval)
	}
	if !reflect.DeepEqual(cfg.AgentTools, DefaultAgentTools) {
		t.Fatalf("AgentTools = %v, want %v", cfg.AgentTools, DefaultAgentTools)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadExplicitEmptyAgentToolsDisablesCapabilities(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AGENT_TOOLS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.AgentTools) != 0 {
		t.Fatalf("AgentTools = %v, want none", cfg.AgentTools)
	}
}

func TestLoadParsesAgentToolList(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AGENT_TOOLS", " get_battery_level , ,flash_screen")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"get_battery_level", "flash_screen"}
	if !reflect.DeepEqual(cfg.AgentTools, want) {
		t.Fatalf("AgentTools = %v, want %v", cfg.AgentTools, want)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"VOICE_PROVIDER":       "local",
		"FEED_MODE":            "kafka",
		"CONTEXT_TIMEOUT":      "soon",
		"TICK_INTERVAL":        "0s",
		"STATUS_POLL_INTERVAL": "1ms",
		"ENRICH_ATTEMPTS":      "-1",
		"PERSIST_REDACT_PII":   "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadRejectsUnknownAgentTool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AGENT_TOOLS", "get_battery_level,flsh_screen,change_brightness")

	_, err := Load()
	if err == nil {
		t.Fatalf("Load() error = nil, want unknown tool error")
	}
	if !strings.Contains(err.Error(), "flsh_screen") {
		t.Fatalf("Load() error = %v, want it to name flsh_screen", err)
	}
}

func TestLoadFeedModeRequiresBackend(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("FEED_MODE", "redis")
	if _, err := Load(); err == nil {
		t.Fatalf("FEED_MODE=redis without REDIS_ADDR should fail")
	}

	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q, want explicit value", cfg.RedisAddr)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"VOICE_PROVIDER",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_BASE_URL",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_AGENT_ID",
		"AGENT_NAME",
		"AGENT_FIRST_MESSAGE",
		"AGENT_PROMPT",
		"DATABASE_URL",
		"FEED_MODE",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"CONTEXT_TIMEOUT",
		"PERMISSION_TIMEOUT",
		"CONNECT_TIMEOUT",
		"END_GRACE",
		"PERSIST_TIMEOUT",
		"TOOL_TIMEOUT",
		"TICK_INTERVAL",
		"STATUS_POLL_INTERVAL",
		"ENRICH_ATTEMPTS",
		"PERSIST_REDACT_PII",
		"PLATFORM",
		"APP_VERSION",
		"DEVICE_FLASH_DURATION",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// AGENT_TOOLS distinguishes unset from empty, so unset it after registering cleanup.
	t.Setenv("AGENT_TOOLS", "")
	_ = os.Unsetenv("AGENT_TOOLS")
}
