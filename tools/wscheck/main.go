package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/config"
	ws "solana-copy-bot/internal/websocket"
)

// Dials the configured WebSocket endpoint and subscribes to the source
// wallet's logs exactly like the bot does, printing every notification.
// Run it when the subscription source looks dead and you want to know
// whether the endpoint or the wallet is the quiet one.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	log.Info().Msg("🔌 WebSocket subscription check")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	c := cfg.Get()

	url := cfg.GetWSURL()
	if url == "" {
		log.Fatal().Msg("websocket.url is not configured")
	}
	wallet := c.Wallet.SourceWallet
	if len(os.Args) > 1 {
		wallet = os.Args[1]
	}

	display := url
	if len(display) > 48 {
		display = display[:48] + "..."
	}
	log.Info().Str("url", display).Str("wallet", wallet).Msg("connecting")

	client := ws.NewClient(
		url,
		time.Duration(c.WebSocket.ReconnectDelayMs)*time.Millisecond,
		time.Duration(c.WebSocket.PingIntervalMs)*time.Millisecond,
	)

	subscribe := func() {
		subID, err := client.LogsSubscribe(wallet, "confirmed", func(data json.RawMessage) {
			log.Info().RawJSON("notification", data).Msg("📨 log notification")
		})
		if err != nil {
			log.Error().Err(err).Msg("logsSubscribe failed")
			return
		}
		log.Info().Uint64("sub_id", subID).Msg("✅ subscribed to wallet logs")
	}

	client.OnDisconnect(func(err error) {
		log.Warn().Err(err).Msg("❌ disconnected")
	})

	if err := client.Start(); err != nil {
		log.Fatal().Err(err).Msg("connection failed")
	}
	subscribe()
	client.OnConnect(subscribe)

	// Report stream age so a half-open socket is visible even when the
	// wallet is just idle.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			log.Info().
				Bool("connected", client.Connected()).
				Dur("last_message_age", client.LastMessageAge()).
				Msg("stream health")
		}
	}()

	log.Info().Msg("listening, trigger a transaction from the wallet to see it arrive. Ctrl+C to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	client.Close()
	log.Info().Msg("closed")
}
