package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/breaker"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/health"
	"solana-copy-bot/internal/ingest"
	"solana-copy-bot/internal/jupiter"
	"solana-copy-bot/internal/notify"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/pipeline"
	"solana-copy-bot/internal/risk"
	"solana-copy-bot/internal/scheduler"
	"solana-copy-bot/internal/storage"
	"solana-copy-bot/internal/trading"
	"solana-copy-bot/internal/websocket"
)

func main() {
	setupLogger()
	log.Info().Msg("🚀 Solana copy bot starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	c := cfg.Get()

	db, err := storage.NewDB(c.Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc := blockchain.NewRPCClient(
		cfg.GetPrimaryRPCURL(),
		cfg.GetFallbackRPCURL(),
		os.Getenv(c.RPC.PrimaryAPIKeyEnv),
	)

	jup := jupiter.NewClient(
		c.Jupiter.BaseURL,
		c.Jupiter.SlippageBps,
		time.Duration(c.Jupiter.TimeoutSeconds)*time.Second,
		c.Trading.RestrictIntermediateTokens,
		cfg.GetJupiterAPIKeys(),
	)
	jup.SetMaxPriorityFee(c.Fees.PriorityFeeLamports)

	wallet := loadWallet(cfg)

	// Telegram when configured, throttled either way so reject storms
	// collapse to one message per reason per minute.
	var base notify.Notifier = notify.Noop{}
	if token := cfg.GetTelegramToken(); token != "" && c.Telegram.ChatID != 0 {
		tg, err := notify.NewTelegram(token, c.Telegram.ChatID)
		if err != nil {
			log.Warn().Err(err).Msg("telegram notifier unavailable")
		} else {
			base = tg
		}
	}
	notif := notify.NewThrottle(base, time.Minute)

	brk := breaker.New(cfg)
	brk.SetOnOpen(func(reason string) {
		notif.Notify("🛑 Circuit breaker opened: " + reason)
	})

	// Venue: the virtual ledger in dry-run, the chain in live mode.
	var (
		executor trading.Executor
		live     *trading.LiveExecutor
		balance  risk.BalanceSource
		tracker  *blockchain.BalanceTracker
		heights  *blockchain.HeightCache
	)
	if c.Trading.DryRun {
		if err := db.InitVirtualWallet(uint64(c.Virtual.StartingSol * 1e9)); err != nil {
			log.Fatal().Err(err).Msg("failed to seed virtual wallet")
		}
		sim := trading.NewSimulator(cfg, db)
		if c.Fees.Mode == "accurate" {
			sim.SetAccurateFees(rpc, jup, wallet)
		}
		executor = sim
		balance = trading.NewVirtualBalance(db)
		log.Info().
			Float64("starting_sol", c.Virtual.StartingSol).
			Msg("🧪 DRY-RUN MODE: no real transactions will be sent")
	} else {
		heights = blockchain.NewHeightCache(rpc, 2*time.Second, 10*time.Second)
		if err := heights.Start(); err != nil {
			log.Warn().Err(err).Msg("height cache unavailable, expiry checks fall back to RPC")
			heights = nil
		}

		live = trading.NewLiveExecutor(db, rpc, jup, wallet, notif)
		if heights != nil {
			live.SetHeightCache(heights)
		}
		// Late confirmation failures happen after Execute already
		// returned COPIED; feed them to the breaker directly.
		live.SetOnOutcome(brk.Record)
		executor = live

		tracker = blockchain.NewBalanceTracker(wallet, rpc)
		if err := tracker.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("initial balance fetch failed")
		}
		balance = tracker

		balanceSOL := tracker.BalanceSOL()
		log.Info().
			Str("address", wallet.Address()).
			Float64("balance", balanceSOL).
			Msg("💰 WALLET STATUS")
		if balanceSOL == 0 {
			log.Error().
				Str("address", wallet.Address()).
				Msg("⚠️ wallet is empty, every copy will be rejected until it is funded")
		}
	}

	par := parser.New(c.Wallet.SourceWallet)
	engine := risk.New(cfg, db, rpc, jup, brk, balance)

	pipe := pipeline.New(db, engine, executor, brk, notif)
	if live != nil {
		// Slippage is only measurable against a landed transaction, so
		// dry-run gets no comparator.
		pipe.SetComparator(trading.NewComparator(cfg, db, rpc, wallet.Address(), notif))
	}
	pipe.Start(ctx)

	disp := ingest.NewDispatcher(db, rpc, par, pipe)

	// Source 1: pushed batches, primary tag plus fallback mirror.
	wh := ingest.NewWebhookServer(c.Webhook.ListenHost, c.Webhook.ListenPort, c.Webhook.RateLimitPerMinute, disp)
	go func() {
		if err := wh.Start(); err != nil {
			log.Fatal().Err(err).Msg("webhook server failed")
		}
	}()

	// Source 2: websocket log subscription on the source wallet.
	var (
		ws      *websocket.Client
		monitor *websocket.WalletMonitor
	)
	if wsURL := cfg.GetWSURL(); wsURL != "" {
		wsCfg := c.WebSocket
		ws = websocket.NewClient(wsURL,
			time.Duration(wsCfg.ReconnectDelayMs)*time.Millisecond,
			time.Duration(wsCfg.PingIntervalMs)*time.Millisecond)
		if err := ws.Start(); err != nil {
			log.Warn().Err(err).Msg("websocket offline, running on webhook+poll only")
			ws = nil
		} else {
			sub := ingest.NewSubscription(ws, c.Wallet.SourceWallet,
				time.Duration(wsCfg.HealthIntervalSeconds)*time.Second, disp)
			if err := sub.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("log subscription failed")
			}

			monitor = websocket.NewWalletMonitor(ws, wallet.Address())
			if err := monitor.Start(); err != nil {
				log.Warn().Err(err).Msg("wallet monitor failed")
			}
			if tracker != nil {
				monitor.OnBalanceUpdate(func(u websocket.BalanceUpdate) {
					tracker.SetBalance(u.Lamports)
				})
			}

			// Subscription ids die with the connection.
			ws.OnConnect(func() {
				sub.Resubscribe()
				monitor.Resubscribe()
			})

			if live != nil {
				live.SetConfirmSignal(func(signature string, cb func(confirmed bool, txErr string)) {
					err := monitor.WaitForConfirmation(signature, func(tc websocket.TxConfirmation) {
						cb(tc.Confirmed, tc.Error)
					})
					if err != nil {
						log.Debug().Err(err).Msg("push confirmation unavailable")
					}
				})
			}
		}
	} else {
		log.Warn().Msg("websocket.url not set, running on webhook+poll only")
	}

	// Source 3: periodic signature replay, catches whatever push missed.
	poller := ingest.NewPoller(rpc, c.Wallet.SourceWallet, cfg.GetPollInterval(), c.Poll.SignatureLimit, disp)
	poller.Start(ctx)

	// Background tasks, each isolated from the others.
	sched := scheduler.New()
	sched.Add("pnl-snapshot", time.Minute, snapshotTask(db, balance))
	sched.Add("position-reaper", 2*time.Minute, func(ctx context.Context) error {
		timeout := time.Duration(cfg.GetTrading().PendingTimeoutMinutes) * time.Minute
		_, err := trading.ReapStalePositions(ctx, db, rpc, timeout, notif)
		return err
	})
	sched.Add("storage-cleanup", 6*time.Hour, cleanupTask(db))
	if tracker != nil {
		sched.Add("balance-refresh", 30*time.Second, tracker.Refresh)
	}
	sched.Start(ctx)

	// Health surface rides the webhook listener.
	checker := health.NewChecker()
	checker.Register("rpc", func(ctx context.Context) error {
		_, err := rpc.GetBlockHeight(ctx)
		return err
	})
	checker.Register("database", db.Ping)
	if ws != nil {
		checker.Register("websocket", func(context.Context) error {
			if !ws.Connected() {
				return errors.New("disconnected")
			}
			return nil
		})
	}
	checker.Register("breaker", func(context.Context) error {
		if brk.IsOpen() {
			return errors.New(brk.State().Reason)
		}
		return nil
	})
	if tracker != nil {
		// Both balance writers dead (websocket push and scheduled
		// refresh) means the guard is comparing against history.
		checker.Register("balance", func(context.Context) error {
			if age := tracker.Age(); age > 2*time.Minute {
				return fmt.Errorf("stale for %s", age.Round(time.Second))
			}
			return nil
		})
	}
	checker.Start(ctx)
	wh.SetHealth(checker)

	t := cfg.GetTrading()
	log.Info().
		Str("source", blockchain.ShortAddr(c.Wallet.SourceWallet)).
		Str("mode", executor.Mode()).
		Float64("copy_ratio", t.CopyRatio).
		Float64("max_sol_per_trade", t.MaxSolPerTrade).
		Float64("max_sol_per_day", t.MaxSolPerDay).
		Msg("copy pipeline running")
	notif.Notify(fmt.Sprintf("✅ Copy bot up (%s), mirroring %s",
		executor.Mode(), blockchain.ShortAddr(c.Wallet.SourceWallet)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	// Intake first so nothing new enqueues, then drain the worker.
	wh.Shutdown()
	if ws != nil {
		ws.Close()
	}
	cancel()
	pipe.Wait()
	sched.Wait()
	if live != nil {
		live.Wait()
	}
	if heights != nil {
		heights.Stop()
	}
	log.Info().Msg("goodbye 👋")
}

// loadWallet returns the signing wallet: the configured key when set,
// a cached auto-generated one for dry-run quoting. Live mode refuses
// to run without a real key.
func loadWallet(cfg *config.Manager) *blockchain.Wallet {
	c := cfg.Get()
	if key := cfg.GetPrivateKey(); key != "" {
		w, err := blockchain.NewWallet(key)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid wallet private key")
		}
		return w
	}
	if !c.Trading.DryRun {
		log.Fatal().
			Str("env", c.Wallet.PrivateKeyEnv).
			Msg("live mode requires a wallet key in the environment")
	}
	w, err := blockchain.NewDevWalletStore("./data").GetOrGenerate()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare dev wallet")
	}
	log.Warn().Str("address", w.Address()).Msg("⚠️ using auto-generated dev wallet")
	return w
}

// snapshotTask marks wallet health once a minute: cash, cost basis of
// open positions, realized dry-run PnL.
func snapshotTask(db *storage.DB, balance risk.BalanceSource) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		positions, err := db.GetAllPositions()
		if err != nil {
			return err
		}
		var holdings uint64
		for _, p := range positions {
			holdings += p.CostLamports
		}
		realized, err := db.VirtualRealizedPnL()
		if err != nil {
			return err
		}
		return db.InsertPnLSnapshot(&storage.PnLSnapshot{
			CashLamports:          balance.BalanceLamports(),
			HoldingsValueLamports: holdings,
			OpenPositions:         len(positions),
			RealizedPnLLamports:   realized,
		})
	}
}

// cleanupTask enforces retention: 48h for the dedup ledger, 30 days
// for metrics, trade history, snapshots and comparisons.
func cleanupTask(db *storage.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ledger, err := db.PruneProcessed(48 * time.Hour)
		if err != nil {
			return err
		}
		events, err := db.PrunePipelineEvents(30 * 24 * time.Hour)
		if err != nil {
			return err
		}
		trades, err := db.PruneSourceTrades(30 * 24 * time.Hour)
		if err != nil {
			return err
		}
		snaps, err := db.PrunePnLSnapshots(30 * 24 * time.Hour)
		if err != nil {
			return err
		}
		comps, err := db.PruneComparisons(30 * 24 * time.Hour)
		if err != nil {
			return err
		}
		if n := ledger + events + trades + snaps + comps; n > 0 {
			log.Info().Int64("rows", n).Msg("storage retention enforced")
		}
		return nil
	}
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
