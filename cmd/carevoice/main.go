package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/carevoice/internal/app"
	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/logging"
)

func main() {
	// .env is optional; the process environment always wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	logger.Info().
		Str("voice_provider", built.Voice.Provider).
		Str("voice_detail", built.Voice.Detail).
		Str("feed_mode", built.FeedMode).
		Bool("persistent_store", cfg.DatabaseURL != "").
		Msg("components ready")

	janitorCtx, cancelJanitor := context.WithCancel(context.Background())
	defer cancelJanitor()
	built.Sessions.StartJanitor(janitorCtx, time.Minute)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	cancelJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	// Live sessions are ended and persisted before the store closes.
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("cleanup incomplete")
	}

	logger.Info().Msg("shutdown complete")
}
