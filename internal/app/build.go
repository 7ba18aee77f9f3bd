package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/conversation"
	"github.com/ent0n29/carevoice/internal/device"
	"github.com/ent0n29/carevoice/internal/httpapi"
	"github.com/ent0n29/carevoice/internal/logging"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/realtime"
	"github.com/ent0n29/carevoice/internal/reliability"
	"github.com/ent0n29/carevoice/internal/session"
	"github.com/ent0n29/carevoice/internal/tools"
	"github.com/ent0n29/carevoice/internal/visitcontext"
	"github.com/ent0n29/carevoice/internal/voice"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Store    memory.Store
	Notifier *realtime.Notifier
	Metrics  *observability.Metrics
	Voice    VoiceInfo
	FeedMode string

	// Cleanup releases sessions, subscriptions and external connections.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	// A dry run surfaces a bad tool table once instead of on every client.
	if err := tools.RegisterDeviceTools(tools.NewDispatcher(cfg.ToolTimeout, logger, nil), device.NewSimulatedHost(1, 1), cfg.AgentTools, cfg.DeviceFlashDuration); err != nil {
		return nil, fmt.Errorf("agent tools: %w", err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	feeds, err := resolveFeed(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := memory.NewStore(ctx, cfg.DatabaseURL, feeds.publisher, logging.Component(logger, "memory"))
	if err != nil {
		_ = feeds.close()
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProvider(cfg, logging.Component(logger, "voice"), metrics)
	if err != nil {
		_ = store.Close()
		_ = feeds.close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	builder := visitcontext.NewBuilder(store, cfg.ContextTimeout, map[string]string{
		"platform": cfg.Platform,
		"version":  cfg.AppVersion,
	}, logging.Component(logger, "visitcontext"), metrics)

	persister := conversation.NewPersister(store, conversation.Options{
		Timeout:        cfg.PersistTimeout,
		RedactPII:      cfg.PersistRedactPII,
		EnrichAttempts: cfg.EnrichAttempts,
	}, logging.Component(logger, "conversation"), metrics)

	sessionLogger := logging.Component(logger, "session")
	toolLogger := logging.Component(logger, "tools")
	factory := func(clientID string) *session.Manager {
		// Each client device exposes its own hardware to the assistant.
		host := device.NewSimulatedHost(0.83, 0.5)
		dispatcher := tools.NewDispatcher(cfg.ToolTimeout, toolLogger.With().Str("client_id", clientID).Logger(), metrics)
		// Names were checked above, so registration cannot fail here.
		_ = tools.RegisterDeviceTools(dispatcher, host, cfg.AgentTools, cfg.DeviceFlashDuration)
		return session.NewManager(clientID, session.Deps{
			Provider:  voiceSetup.provider,
			Context:   builder,
			Tools:     dispatcher,
			Persister: persister,
			Audio:     device.NewSimulatedMicrophone(),
			Agent: voice.AgentConfig{
				Name:         cfg.AgentName,
				FirstMessage: cfg.AgentFirstMessage,
				Prompt:       cfg.AgentPrompt,
				Language:     "en",
				Tools:        dispatcher.Specs(),
			},
			Logger:  sessionLogger,
			Metrics: metrics,
		}, session.Options{
			PermissionTimeout: cfg.PermissionTimeout,
			ConnectTimeout:    cfg.ConnectTimeout,
			EndGrace:          cfg.EndGrace,
			PersistTimeout:    cfg.PersistTimeout,
			TickInterval:      cfg.TickInterval,
			PollInterval:      cfg.StatusPollInterval,
			EnrichSummary:     cfg.EnrichAttempts > 0,
		})
	}
	sessions := session.NewRegistry(factory, 30*time.Minute, sessionLogger)

	notifier := realtime.NewNotifier(feeds.feed, store, logging.Component(logger, "realtime"), metrics, realtime.NotifierOptions{
		Backoff: reliability.Backoff{Base: 250 * time.Millisecond, Cap: 15 * time.Second},
	})

	cfg.FeedMode = feeds.mode
	api := httpapi.New(cfg, sessions, store, notifier, metrics, logging.Component(logger, "httpapi"))

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := sessions.Close(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := notifier.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := feeds.close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Store:    store,
		Notifier: notifier,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
		},
		FeedMode: feeds.mode,
		Cleanup:  cleanup,
	}, nil
}

type feedSetup struct {
	mode      string
	feed      realtime.Feed
	publisher realtime.Publisher
	close     func() error
}

// resolveFeed picks the push transport for clinician notifications. In auto
// mode Redis wins over Postgres, and both win over the in-process broker.
func resolveFeed(ctx context.Context, cfg config.Config, logger zerolog.Logger) (feedSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.FeedMode))
	if mode == "" || mode == "auto" {
		switch {
		case cfg.RedisAddr != "":
			mode = "redis"
		case cfg.DatabaseURL != "":
			mode = "postgres"
		default:
			mode = "memory"
		}
	}
	log := logging.Component(logger, "realtime")

	switch mode {
	case "memory":
		broker := realtime.NewBroker(64)
		return feedSetup{mode: mode, feed: broker, publisher: broker, close: broker.Close}, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return feedSetup{}, errors.New("FEED_MODE=postgres requires DATABASE_URL")
		}
		// The store issues pg_notify itself, so no extra publisher.
		return feedSetup{mode: mode, feed: realtime.NewPostgresFeed(cfg.DatabaseURL, log), close: func() error { return nil }}, nil
	case "redis":
		feed, err := realtime.NewRedisFeed(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return feedSetup{}, fmt.Errorf("redis feed init failed: %w", err)
		}
		return feedSetup{mode: mode, feed: feed, publisher: feed, close: feed.Close}, nil
	default:
		return feedSetup{}, fmt.Errorf("invalid FEED_MODE: %q (expected auto|memory|postgres|redis)", cfg.FeedMode)
	}
}
