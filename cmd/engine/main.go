// Perpbot - autonomous perpetual futures trading engine
//
// One binary runs the whole loop: scan the market, score candidates,
// filter and size signals, execute entries with a full protective set,
// and manage every open position until exit. A circuit breaker and a
// component supervisor keep it from digging holes unattended.
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

	"perpbot/internal/config"
	"perpbot/internal/engine"
	"perpbot/internal/exchange"
	"perpbot/internal/store"
	"perpbot/internal/telemetry"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.DryRun).
		Bool("testnet", cfg.Testnet).
		Msg("⚡ Perpbot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== STORAGE ======

	trades, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open trade database")
	}
	metadata := store.NewMetadataStore(72 * time.Hour)

	// ====== EXCHANGE ======

	client := exchange.NewClient(cfg)
	log.Info().Str("url", cfg.RESTBaseURL).Msg("📡 Exchange gateway ready")

	var stream *exchange.UserStream
	if !cfg.DryRun {
		stream = exchange.NewUserStream(client)
	}

	// ====== TELEMETRY ======

	var notifier telemetry.Notifier = telemetry.Noop{}
	var telegram *telemetry.Telegram
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		telegram, err = telemetry.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram unavailable, notifications disabled")
		} else {
			notifier = telegram
		}
	} else {
		log.Warn().Msg("⚠️ No TELEGRAM_BOT_TOKEN - notifications disabled")
	}

	// ====== ENGINE ======

	eng := engine.New(cfg, client, stream, trades, metadata, notifier)
	if err := eng.Start(ctx, cfg.DryRun); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║      PERPETUAL FUTURES ENGINE ACTIVE     ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msg("║  → Scan top volume pairs each cycle      ║")
	log.Info().Msg("║  → Score trend + momentum + volume       ║")
	log.Info().Msg("║  → Enter post-only, protect instantly    ║")
	log.Info().Msg("║  → TP ladder / DCA / trail to exit       ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msg("║  🛑 Circuit breaker on daily loss        ║")
	log.Info().Msg("║  👁  Supervisor watches every heartbeat   ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	if err := eng.Stop(); err != nil {
		log.Warn().Err(err).Msg("Engine stop reported an error")
	}
	if telegram != nil {
		telegram.Stop()
	}

	log.Info().Msg("👋 Goodbye!")
}
