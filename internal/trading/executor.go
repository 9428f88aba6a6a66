package trading

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/jupiter"
	"solana-copy-bot/internal/notify"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/storage"
)

const (
	// confirmPollInterval is how often the tracker polls signature
	// status while waiting for a sent transaction to land.
	confirmPollInterval = 500 * time.Millisecond

	// expiryGraceBlocks pads lastValidBlockHeight before declaring a
	// transaction expired, covering height-cache staleness.
	expiryGraceBlocks = 10

	// confirmHardTimeout caps the tracker regardless of block height;
	// the stale-position reaper owns anything beyond this.
	confirmHardTimeout = 2 * time.Minute
)

// LiveExecutor lands plans on chain with real SOL. Buys are recorded
// as SENT before the transaction leaves the process, so a crash
// between send and confirmation can never lose track of spent money.
type LiveExecutor struct {
	db      *storage.DB
	rpc     *blockchain.RPCClient
	jup     *jupiter.Client
	wallet  *blockchain.Wallet
	heights *blockchain.HeightCache // optional; falls back to RPC
	notif   notify.Notifier

	// confirmSignal registers for a push confirmation alongside the
	// poll loop (wired to the websocket wallet monitor). Optional.
	confirmSignal func(signature string, cb func(confirmed bool, txErr string))

	// onOutcome reports asynchronous confirmation failures, which
	// happen after Execute has already returned COPIED.
	onOutcome func(outcome string, latencyMs int64)

	maxRetries int
	trackers   sync.WaitGroup
}

func NewLiveExecutor(db *storage.DB, rpc *blockchain.RPCClient, jup *jupiter.Client, wallet *blockchain.Wallet, notif notify.Notifier) *LiveExecutor {
	if notif == nil {
		notif = notify.Noop{}
	}
	return &LiveExecutor{
		db:         db,
		rpc:        rpc,
		jup:        jup,
		wallet:     wallet,
		notif:      notif,
		maxRetries: 2,
	}
}

// SetHeightCache installs a cached block-height source for expiry
// checks, replacing per-poll RPC calls.
func (e *LiveExecutor) SetHeightCache(h *blockchain.HeightCache) { e.heights = h }

// SetConfirmSignal wires a push confirmation source (the websocket
// wallet monitor); polling continues either way.
func (e *LiveExecutor) SetConfirmSignal(fn func(signature string, cb func(confirmed bool, txErr string))) {
	e.confirmSignal = fn
}

// SetOnOutcome registers a callback for async confirmation outcomes.
func (e *LiveExecutor) SetOnOutcome(fn func(outcome string, latencyMs int64)) { e.onOutcome = fn }

func (e *LiveExecutor) Mode() string { return "live" }

// Wait blocks until in-flight confirmation trackers finish. Used on
// shutdown so the process does not exit with untracked transactions.
func (e *LiveExecutor) Wait() { e.trackers.Wait() }

func (e *LiveExecutor) Execute(ctx context.Context, plan *TradePlan) *Result {
	switch plan.Direction {
	case parser.DirectionBuy:
		return e.executeBuy(ctx, plan)
	case parser.DirectionSell:
		return e.executeSell(ctx, plan)
	default:
		return failed(fmt.Sprintf("unknown direction %q", plan.Direction))
	}
}

func (e *LiveExecutor) executeBuy(ctx context.Context, plan *TradePlan) *Result {
	expectedRaw, err := plan.Quote.OutAmountBig()
	if err != nil {
		return failed(fmt.Sprintf("quote out amount: %v", err))
	}

	swap, err := e.jup.BuildSwapTransaction(ctx, plan.Quote, e.wallet.Address())
	if err != nil {
		return failed(fmt.Sprintf("build swap: %v", err))
	}

	signed, err := blockchain.SignBase64Transaction(e.wallet, swap.SwapTransaction)
	if err != nil {
		return failed(fmt.Sprintf("sign: %v", err))
	}

	sig, err := blockchain.ExtractSignature(signed)
	if err != nil {
		return failed(fmt.Sprintf("extract signature: %v", err))
	}

	// Bookkeeping goes down before the transaction does. If the
	// process dies mid-send the position shows SENT and the budget is
	// reserved; the reaper sorts it out later.
	day := storage.DayKey(time.Now())
	if err := e.db.MarkBuySent(plan.Mint, expectedRaw, int(plan.Decimals), plan.SpendLamports, sig); err != nil {
		return failed(fmt.Sprintf("record sent buy: %v", err))
	}
	if err := e.db.AddDailySpend(day, plan.SpendLamports); err != nil {
		log.Error().Err(err).Msg("reserve daily budget")
	}
	if err := e.db.SetLastBuy(plan.Mint, time.Now()); err != nil {
		log.Error().Err(err).Msg("record last buy")
	}

	sentAt := time.Now()
	if _, err := e.sendWithRetry(ctx, signed); err != nil {
		// Never broadcast: roll the reservation back.
		if dbErr := e.db.FailBuy(plan.Mint, plan.SpendLamports); dbErr != nil {
			log.Error().Err(dbErr).Str("mint", plan.Mint).Msg("roll back sent buy")
		}
		if dbErr := e.db.ReleaseDailySpend(day, plan.SpendLamports); dbErr != nil {
			log.Error().Err(dbErr).Msg("release daily budget")
		}
		return failed(fmt.Sprintf("send: %v", err))
	}

	log.Info().
		Str("mint", blockchain.ShortAddr(plan.Mint)).
		Str("signature", blockchain.ShortAddr(sig)).
		Uint64("lamports", plan.SpendLamports).
		Msg("🚀 buy sent")

	e.trackers.Add(1)
	go e.trackBuy(sig, plan, day, swap.LastValidBlockHeight, sentAt)

	return &Result{
		Status:        StatusCopied,
		Signature:     sig,
		SpentLamports: plan.SpendLamports,
		TokenRaw:      expectedRaw,
		Fee:           plan.Fee,
	}
}

func (e *LiveExecutor) executeSell(ctx context.Context, plan *TradePlan) *Result {
	estReceive, err := plan.Quote.OutAmountBig()
	if err != nil {
		return failed(fmt.Sprintf("quote out amount: %v", err))
	}

	swap, err := e.jup.BuildSwapTransaction(ctx, plan.Quote, e.wallet.Address())
	if err != nil {
		return failed(fmt.Sprintf("build swap: %v", err))
	}

	signed, err := blockchain.SignBase64Transaction(e.wallet, swap.SwapTransaction)
	if err != nil {
		return failed(fmt.Sprintf("sign: %v", err))
	}

	sig, err := blockchain.ExtractSignature(signed)
	if err != nil {
		return failed(fmt.Sprintf("extract signature: %v", err))
	}

	sentAt := time.Now()
	if _, err := e.sendWithRetry(ctx, signed); err != nil {
		return failed(fmt.Sprintf("send: %v", err))
	}

	log.Info().
		Str("mint", blockchain.ShortAddr(plan.Mint)).
		Str("signature", blockchain.ShortAddr(sig)).
		Str("raw", plan.SellRaw.String()).
		Msg("🚀 sell sent")

	e.trackers.Add(1)
	go e.trackSell(sig, plan, swap.LastValidBlockHeight, sentAt)

	return &Result{
		Status:           StatusCopied,
		Signature:        sig,
		ReceivedLamports: estReceive.Uint64(),
		TokenRaw:         new(big.Int).Set(plan.SellRaw),
		Fee:              plan.Fee,
	}
}

func (e *LiveExecutor) sendWithRetry(ctx context.Context, signedTx string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(300*attempt) * time.Millisecond
			log.Warn().Int("attempt", attempt+1).Dur("backoff", backoff).Err(lastErr).Msg("retrying send")
			time.Sleep(backoff)
		}
		sig, err := e.rpc.SendTransaction(ctx, signedTx, true)
		if err == nil {
			return sig, nil
		}
		failure := blockchain.ClassifyTxError(err)
		if failure.Tag == blockchain.FailAlreadyProcessed {
			// A retry raced its own predecessor onto the chain.
			return "", nil
		}
		lastErr = err
		if !failure.Retryable {
			log.Warn().Str("failure", failure.Tag).Err(err).Msg("send error is terminal, not retrying")
			break
		}
	}
	return "", lastErr
}

// trackBuy waits for a sent buy to land and settles the position
// either way. Runs detached from the pipeline worker.
func (e *LiveExecutor) trackBuy(sig string, plan *TradePlan, day string, lastValid uint64, sentAt time.Time) {
	defer e.trackers.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("panic in trackBuy")
		}
	}()

	confirmed, txErr := e.awaitConfirmation(sig, lastValid)
	latency := time.Since(sentAt).Milliseconds()

	if !confirmed || txErr != "" {
		failure := confirmFailure(txErr)
		log.Error().
			Str("signature", blockchain.ShortAddr(sig)).
			Str("failure", failure.Tag).
			Str("detail", failure.Detail).
			Msg("❌ buy failed on chain")
		if err := e.db.FailBuy(plan.Mint, plan.SpendLamports); err != nil {
			log.Error().Err(err).Str("mint", plan.Mint).Msg("roll back failed buy")
		}
		if err := e.db.ReleaseDailySpend(day, plan.SpendLamports); err != nil {
			log.Error().Err(err).Msg("release daily budget")
		}
		e.notif.Notify(fmt.Sprintf("❌ Buy failed for %s: %s", blockchain.ShortAddr(plan.Mint), failure.Tag))
		e.reportOutcome(StatusFailed, latency)
		return
	}

	// Confirmed meta tells us what actually arrived; slippage means it
	// rarely equals the quote.
	actualRaw := e.fetchReceivedTokens(sig, plan.Mint)
	if err := e.db.ConfirmBuy(plan.Mint, actualRaw); err != nil {
		log.Error().Err(err).Str("mint", plan.Mint).Msg("confirm buy")
		return
	}

	log.Info().
		Str("mint", blockchain.ShortAddr(plan.Mint)).
		Str("signature", blockchain.ShortAddr(sig)).
		Int64("latency_ms", latency).
		Msg("✅ buy confirmed")
}

// trackSell waits for a sent sell to land before debiting the
// position, so a dropped transaction leaves holdings intact.
func (e *LiveExecutor) trackSell(sig string, plan *TradePlan, lastValid uint64, sentAt time.Time) {
	defer e.trackers.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("panic in trackSell")
		}
	}()

	confirmed, txErr := e.awaitConfirmation(sig, lastValid)
	latency := time.Since(sentAt).Milliseconds()

	if !confirmed || txErr != "" {
		failure := confirmFailure(txErr)
		log.Error().
			Str("signature", blockchain.ShortAddr(sig)).
			Str("failure", failure.Tag).
			Str("detail", failure.Detail).
			Msg("❌ sell failed on chain")
		e.notif.Notify(fmt.Sprintf("❌ Sell failed for %s: %s", blockchain.ShortAddr(plan.Mint), failure.Tag))
		e.reportOutcome(StatusFailed, latency)
		return
	}

	remaining, err := e.db.ReducePosition(plan.Mint, plan.SellRaw, sig)
	if err != nil {
		log.Error().Err(err).Str("mint", plan.Mint).Msg("reduce position")
		return
	}

	log.Info().
		Str("mint", blockchain.ShortAddr(plan.Mint)).
		Str("signature", blockchain.ShortAddr(sig)).
		Str("remaining", remaining.String()).
		Int64("latency_ms", latency).
		Msg("✅ sell confirmed")
}

// awaitConfirmation polls signature status until the transaction
// lands, errors, or its blockhash expires. A push signal from the
// wallet monitor short-circuits the poll when available.
func (e *LiveExecutor) awaitConfirmation(sig string, lastValid uint64) (confirmed bool, txErr string) {
	type signal struct {
		confirmed bool
		txErr     string
	}
	push := make(chan signal, 1)
	if e.confirmSignal != nil {
		e.confirmSignal(sig, func(ok bool, errStr string) {
			select {
			case push <- signal{confirmed: ok, txErr: errStr}:
			default:
			}
		})
	}

	deadline := time.After(confirmHardTimeout)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case s := <-push:
			return s.confirmed, s.txErr
		case <-deadline:
			return false, ""
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			statuses, err := e.rpc.GetSignatureStatuses(ctx, []string{sig})
			cancel()
			if err == nil && len(statuses) > 0 && statuses[0] != nil {
				st := statuses[0]
				if st.Err != nil {
					return false, fmt.Sprintf("%v", st.Err)
				}
				if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
					return true, ""
				}
			}
			if h, err := e.currentHeight(); err == nil && h > lastValid+expiryGraceBlocks {
				return false, ""
			}
		}
	}
}

func (e *LiveExecutor) currentHeight() (uint64, error) {
	if e.heights != nil {
		return e.heights.Get()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.rpc.GetBlockHeight(ctx)
}

// fetchReceivedTokens reads the actual token credit for mint out of
// the confirmed transaction's balance meta. Returns nil when the meta
// cannot be read, which keeps the optimistic quote amount.
func (e *LiveExecutor) fetchReceivedTokens(sig, mint string) *big.Int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := e.rpc.GetTransaction(ctx, sig)
	if err != nil || tx == nil || tx.Meta == nil {
		return nil
	}
	delta := ownerTokenDelta(tx.Meta, e.wallet.Address(), mint)
	if delta.Sign() <= 0 {
		return nil
	}
	return delta
}

func (e *LiveExecutor) reportOutcome(outcome string, latencyMs int64) {
	if e.onOutcome != nil {
		e.onOutcome(outcome, latencyMs)
	}
}

// confirmFailure classifies a confirmation-stage failure. An empty
// error string means the blockhash expired before the signature ever
// reached a status.
func confirmFailure(txErr string) *blockchain.TxFailure {
	if txErr == "" {
		return &blockchain.TxFailure{
			Tag:    blockchain.FailBlockhashExpired,
			Detail: "not confirmed before expiry",
		}
	}
	return blockchain.ClassifyTxFailure(txErr)
}
