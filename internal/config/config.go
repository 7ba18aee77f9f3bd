package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the health-session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	VoiceProvider string

	ElevenLabsAPIKey    string
	ElevenLabsBaseURL   string
	ElevenLabsWSBaseURL string
	ElevenLabsAgentID   string

	AgentName         string
	AgentFirstMessage string
	AgentPrompt       string
	AgentTools        []string

	DatabaseURL string

	FeedMode      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ContextTimeout     time.Duration
	PermissionTimeout  time.Duration
	ConnectTimeout     time.Duration
	EndGrace           time.Duration
	PersistTimeout     time.Duration
	ToolTimeout        time.Duration
	TickInterval       time.Duration
	StatusPollInterval time.Duration
	EnrichAttempts     int
	PersistRedactPII   bool

	Platform            string
	AppVersion          string
	DeviceFlashDuration time.Duration
}

// DefaultAgentTools lists every device capability exposed to the assistant when AGENT_TOOLS is unset.
var DefaultAgentTools = []string{"get_battery_level", "change_brightness", "flash_screen"}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "carevoice"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "json"),
		VoiceProvider:       envOrDefault("VOICE_PROVIDER", "auto"),
		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:   envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsAgentID:   stringsTrimSpace("ELEVENLABS_AGENT_ID"),
		AgentName:           envOrDefault("AGENT_NAME", "Care check-in assistant"),
		AgentFirstMessage:   envOrDefault("AGENT_FIRST_MESSAGE", "Hi, it's time for your check-in. How are you feeling today?"),
		AgentPrompt: envOrDefault("AGENT_PROMPT",
			"You are a friendly remote-monitoring assistant. Ask the patient how they feel, "+
				"listen for symptoms, and keep answers short. Context from the last visit: {{previous_summary}}"),
		AgentTools:          append([]string(nil), DefaultAgentTools...),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		FeedMode:            envOrDefault("FEED_MODE", "auto"),
		RedisAddr:           stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:       stringsTrimSpace("REDIS_PASSWORD"),
		Platform:            envOrDefault("PLATFORM", "server"),
		AppVersion:          envOrDefault("APP_VERSION", "dev"),
		ShutdownTimeout:     15 * time.Second,
		ContextTimeout:      3 * time.Second,
		PermissionTimeout:   3 * time.Second,
		ConnectTimeout:      10 * time.Second,
		EndGrace:            3 * time.Second,
		PersistTimeout:      5 * time.Second,
		ToolTimeout:         5 * time.Second,
		TickInterval:        time.Second,
		StatusPollInterval:  4 * time.Second,
		EnrichAttempts:      5,
		DeviceFlashDuration: 400 * time.Millisecond,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CONTEXT_TIMEOUT", &cfg.ContextTimeout},
		{"PERMISSION_TIMEOUT", &cfg.PermissionTimeout},
		{"CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"END_GRACE", &cfg.EndGrace},
		{"PERSIST_TIMEOUT", &cfg.PersistTimeout},
		{"TOOL_TIMEOUT", &cfg.ToolTimeout},
		{"TICK_INTERVAL", &cfg.TickInterval},
		{"STATUS_POLL_INTERVAL", &cfg.StatusPollInterval},
		{"DEVICE_FLASH_DURATION", &cfg.DeviceFlashDuration},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.EnrichAttempts, err = intFromEnv("ENRICH_ATTEMPTS", cfg.EnrichAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistRedactPII, err = boolFromEnv("PERSIST_REDACT_PII", cfg.PersistRedactPII)
	if err != nil {
		return Config{}, err
	}
	// An explicitly empty AGENT_TOOLS gives the agent no device capabilities.
	if raw, ok := os.LookupEnv("AGENT_TOOLS"); ok {
		cfg.AgentTools = listFromString(raw)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.VoiceProvider) {
	case "auto", "elevenlabs", "mock":
	default:
		return fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock)", c.VoiceProvider)
	}
	switch strings.ToLower(c.FeedMode) {
	case "auto", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("invalid FEED_MODE: %q (expected auto|memory|postgres|redis)", c.FeedMode)
	}
	if strings.EqualFold(c.FeedMode, "postgres") && c.DatabaseURL == "" {
		return fmt.Errorf("FEED_MODE=postgres requires DATABASE_URL")
	}
	if strings.EqualFold(c.FeedMode, "redis") && c.RedisAddr == "" {
		return fmt.Errorf("FEED_MODE=redis requires REDIS_ADDR")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if c.StatusPollInterval < c.TickInterval {
		return fmt.Errorf("STATUS_POLL_INTERVAL must be at least TICK_INTERVAL")
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"CONTEXT_TIMEOUT", c.ContextTimeout},
		{"PERMISSION_TIMEOUT", c.PermissionTimeout},
		{"CONNECT_TIMEOUT", c.ConnectTimeout},
		{"END_GRACE", c.EndGrace},
		{"PERSIST_TIMEOUT", c.PersistTimeout},
		{"TOOL_TIMEOUT", c.ToolTimeout},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.EnrichAttempts < 0 {
		return fmt.Errorf("ENRICH_ATTEMPTS must be >= 0")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must be >= 0")
	}
	for _, name := range c.AgentTools {
		if !slices.Contains(DefaultAgentTools, name) {
			return fmt.Errorf("invalid AGENT_TOOLS entry: %q (expected any of %s)", name, strings.Join(DefaultAgentTools, ","))
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromString(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
