package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/examforge/quizsync/internal/quiz/channel"
	"github.com/examforge/quizsync/internal/quiz/controller"
	"github.com/examforge/quizsync/internal/quiz/timer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := loadConfig(getEnv("QUIZSYNC_CONFIG", "quizsync.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogging(cfg.Log.Level)

	sessionToken := os.Getenv("QUIZSYNC_SESSION_TOKEN")
	if sessionToken == "" {
		log.Fatal().Msg("QUIZSYNC_SESSION_TOKEN environment variable is required")
	}
	credential := os.Getenv("QUIZSYNC_CREDENTIAL")
	if credential == "" {
		log.Warn().Msg("QUIZSYNC_CREDENTIAL not set, channel will stay idle")
	}

	ctrl, err := controller.New(controller.Config{
		SessionToken:       sessionToken,
		Credential:         credential,
		ChannelURL:         orDefault(cfg.Server.ChannelURL, "ws://localhost:5000/ws/quiz"),
		APIBaseURL:         orDefault(cfg.Server.APIBaseURL, "http://localhost:5000"),
		ResyncInterval:     time.Duration(cfg.Session.ResyncIntervalSeconds) * time.Second,
		ViolationThreshold: cfg.Session.ViolationThreshold,
		OnCountdown: func(remaining int, band timer.Band, formatted string) {
			if remaining%10 == 0 || band != timer.BandNormal {
				log.Info().Str("remaining", formatted).Str("band", string(band)).Msg("countdown")
			}
		},
		OnForcedFinish: func(reason string) {
			log.Warn().Str("reason", reason).Msg("quiz submission forced")
		},
		OnConnectionStatus: func(state channel.State, err error) {
			log.Info().Str("state", string(state)).Err(err).Msg("channel status")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session controller")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}

	if info, quiz, err := ctrl.LoadContent(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load quiz content")
	} else {
		log.Info().
			Str("title", quiz.Title).
			Int("questions", quiz.TotalQuestions).
			Int("starting_index", info.CurrentQuestionIndex).
			Msg("quiz content loaded")
	}

	<-ctx.Done()
	ctrl.Close()
	log.Info().Msg("shutdown complete")
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
