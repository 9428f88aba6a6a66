package risk

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/breaker"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/jupiter"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/storage"
	"solana-copy-bot/internal/trading"
)

// Decision actions.
const (
	ActionExecute = "EXECUTE"
	ActionReject  = "REJECT"
)

// Reject reasons. Stable tags: they key the reject counters, the
// breaker's spike detection and the alert throttle, so renaming one
// silently resets its history.
const (
	ReasonPaused               = "PAUSED"
	ReasonCircuitBreaker       = "CIRCUIT_BREAKER"
	ReasonUnsafeParse          = "UNSAFE_PARSE"
	ReasonMaxPositions         = "MAX_POSITIONS"
	ReasonBelowMinTrade        = "BELOW_MIN_TRADE"
	ReasonBudgetExhausted      = "BUDGET_EXHAUSTED"
	ReasonCooldownActive       = "COOLDOWN_ACTIVE"
	ReasonFeeOverhead          = "FEE_OVERHEAD"
	ReasonInsufficientBalance  = "INSUFFICIENT_BALANCE"
	ReasonTokenMintAuthority   = "TOKEN_MINT_AUTHORITY"
	ReasonTokenFreezeAuthority = "TOKEN_FREEZE_AUTHORITY"
	ReasonTokenSafetyUnknown   = "TOKEN_SAFETY_UNKNOWN"
	ReasonUnroutableToken      = "UNROUTABLE_TOKEN"
	ReasonPriceImpact          = "PRICE_IMPACT_TOO_HIGH"
	ReasonPriceDrift           = "PRICE_DRIFT_TOO_HIGH"
	ReasonNoPosition           = "NO_POSITION"
	ReasonPositionNotConfirmed = "POSITION_NOT_CONFIRMED"
	ReasonSellTooSmall         = "SELL_TOO_SMALL"
	ReasonInternalError        = "INTERNAL_ERROR"
)

// BalanceSource answers "how much SOL can we commit right now". Live
// mode backs it with the on-chain balance tracker, dry-run with the
// virtual wallet.
type BalanceSource interface {
	BalanceLamports() uint64
}

// Decision is the engine's verdict on one source swap.
type Decision struct {
	Action string
	Reason string // stable tag, empty on EXECUTE
	Detail string // human-readable context

	// DriftPct is the measured quote-vs-source price drift, set
	// whenever both prices were computable.
	DriftPct *float64

	// Plan is the sized, quoted trade. Only set on EXECUTE.
	Plan *trading.TradePlan
}

func reject(reason, detail string) *Decision {
	return &Decision{Action: ActionReject, Reason: reason, Detail: detail}
}

// Engine sizes, safety-checks and quotes every source swap before
// anything touches money. It runs inside the single pipeline worker,
// so each evaluation sees the settled result of the previous one.
type Engine struct {
	cfg     *config.Manager
	db      *storage.DB
	rpc     *blockchain.RPCClient
	jup     *jupiter.Client
	brk     *breaker.Breaker
	balance BalanceSource

	// tuned down in tests
	quoteRetryWait time.Duration
	sentPollStep   time.Duration
}

func New(cfg *config.Manager, db *storage.DB, rpc *blockchain.RPCClient, jup *jupiter.Client, brk *breaker.Breaker, balance BalanceSource) *Engine {
	return &Engine{
		cfg:            cfg,
		db:             db,
		rpc:            rpc,
		jup:            jup,
		brk:            brk,
		balance:        balance,
		quoteRetryWait: 1500 * time.Millisecond,
		sentPollStep:   500 * time.Millisecond,
	}
}

// Evaluate runs the gate sequence for one parsed source swap.
func (e *Engine) Evaluate(ctx context.Context, sw *parser.Swap) *Decision {
	t := e.cfg.GetTrading()

	if t.PauseTrading {
		return reject(ReasonPaused, "trading paused by config")
	}
	if e.brk != nil && e.brk.IsOpen() {
		return reject(ReasonCircuitBreaker, e.brk.State().Reason)
	}

	switch sw.Direction {
	case parser.DirectionBuy:
		return e.evaluateBuy(ctx, sw, t)
	case parser.DirectionSell:
		return e.evaluateSell(ctx, sw, t)
	default:
		return reject(ReasonInternalError, fmt.Sprintf("unknown direction %q", sw.Direction))
	}
}

func (e *Engine) evaluateBuy(ctx context.Context, sw *parser.Swap, t config.TradingConfig) *Decision {
	// A guessed descriptor only blocks entries. Exits flow regardless:
	// the full-exit fallback makes a guessed sell safe, a blocked one
	// just holds the bag.
	if sw.UnsafeParse && !t.AllowUnsafeParseTrades {
		return reject(ReasonUnsafeParse, "swap parsed with fallback assumptions")
	}

	pos, err := e.db.GetPosition(sw.Mint)
	if err != nil {
		return reject(ReasonInternalError, fmt.Sprintf("load position: %v", err))
	}
	newPosition := pos == nil

	if newPosition && t.MaxOpenPositions > 0 {
		open, err := e.db.CountPositions()
		if err != nil {
			return reject(ReasonInternalError, fmt.Sprintf("count positions: %v", err))
		}
		if open >= t.MaxOpenPositions {
			return reject(ReasonMaxPositions, fmt.Sprintf("%d positions open, cap %d", open, t.MaxOpenPositions))
		}
	}

	// Size: mirror the source at copy_ratio, capped per trade.
	spend := uint64(math.Round(float64(sw.BaseLamports) * t.CopyRatio))
	if maxPer := solToLamports(t.MaxSolPerTrade); maxPer > 0 && spend > maxPer {
		spend = maxPer
	}
	minPer := solToLamports(t.MinSolPerTrade)
	if spend < minPer {
		return reject(ReasonBelowMinTrade, fmt.Sprintf("sized %d lamports, floor %d", spend, minPer))
	}

	// Daily budget clamp. A clamped trade that lands under the floor
	// means the budget is spent for today.
	day := storage.DayKey(time.Now())
	if maxDay := solToLamports(t.MaxSolPerDay); maxDay > 0 {
		spent, err := e.db.GetDailySpend(day)
		if err != nil {
			return reject(ReasonInternalError, fmt.Sprintf("load daily spend: %v", err))
		}
		if spent >= maxDay {
			return reject(ReasonBudgetExhausted, fmt.Sprintf("spent %d of %d lamports today", spent, maxDay))
		}
		if remaining := maxDay - spent; spend > remaining {
			if remaining < minPer {
				return reject(ReasonBudgetExhausted, fmt.Sprintf("remaining budget %d below trade floor %d", remaining, minPer))
			}
			spend = remaining
		}
	}

	if cd := e.cfg.GetCooldown(); cd > 0 {
		last, err := e.db.GetLastBuy(sw.Mint)
		if err != nil {
			return reject(ReasonInternalError, fmt.Sprintf("load cooldown: %v", err))
		}
		if !last.IsZero() {
			if since := time.Since(last); since < cd {
				return reject(ReasonCooldownActive, fmt.Sprintf("%s left of %s cooldown", (cd - since).Round(time.Second), cd))
			}
		}
	}

	fees := e.cfg.GetFees()
	fee := trading.EstimateFee(fees.PriorityFeeLamports, newPosition)
	if maxPct := trading.AdaptiveMaxFeePct(spend, fees.MaxFeePct); maxPct > 0 {
		if pct := fee.PctOf(spend); pct > maxPct {
			return reject(ReasonFeeOverhead, fmt.Sprintf("fees %.2f%% of spend, ceiling %.2f%%", pct, maxPct))
		}
	}

	if e.balance != nil {
		reserve := solToLamports(fees.MinReserveSol)
		need := spend + fee.Total() + reserve
		if bal := e.balance.BalanceLamports(); bal < need {
			return reject(ReasonInsufficientBalance, fmt.Sprintf("balance %d below required %d (spend+fees+reserve)", bal, need))
		}
	}

	if d := e.checkTokenSafety(ctx, sw.Mint); d != nil {
		return d
	}

	quote, err := e.quoteWithRetry(ctx, blockchain.WSOLMint, sw.Mint, new(big.Int).SetUint64(spend))
	if err != nil {
		return reject(ReasonUnroutableToken, fmt.Sprintf("no route: %v", err))
	}

	if t.MaxPriceImpactBps > 0 {
		if imp := quote.ImpactBps(); imp > float64(t.MaxPriceImpactBps) {
			return reject(ReasonPriceImpact, fmt.Sprintf("impact %.0f bps, cap %d bps", imp, t.MaxPriceImpactBps))
		}
	}

	drift := e.measureDrift(sw, spend, quote)

	guardDrift := t.MaxPriceDriftPct > 0 && !(sw.UnsafeParse && t.DisableDriftGuardOnUnsafe)
	if guardDrift && drift != nil && *drift > t.MaxPriceDriftPct {
		d := reject(ReasonPriceDrift, fmt.Sprintf("price moved %.2f%% above source, cap %.2f%%", *drift, t.MaxPriceDriftPct))
		d.DriftPct = drift
		return d
	}

	return &Decision{
		Action:   ActionExecute,
		DriftPct: drift,
		Plan: &trading.TradePlan{
			Direction:       parser.DirectionBuy,
			Mint:            sw.Mint,
			Decimals:        sw.Decimals,
			SourceSignature: sw.Signature,
			SpendLamports:   spend,
			Quote:           quote,
			NewPosition:     newPosition,
			Fee:             fee,
		},
	}
}

func (e *Engine) evaluateSell(ctx context.Context, sw *parser.Swap, t config.TradingConfig) *Decision {
	pos, err := e.db.GetPosition(sw.Mint)
	if err != nil {
		return reject(ReasonInternalError, fmt.Sprintf("load position: %v", err))
	}
	if pos == nil {
		return reject(ReasonNoPosition, "source sold a token we do not hold")
	}

	if pos.Status == storage.PositionSent {
		if t.AllowSellOnSentPosition {
			// No waiting: sell whatever is already confirmed. The
			// in-flight remainder is not in the wallet yet.
			if pos.RawAmount.Sign() == 0 {
				return reject(ReasonPositionNotConfirmed,
					fmt.Sprintf("buy %s still unconfirmed, nothing settled to sell", blockchain.ShortAddr(pos.LastSig)))
			}
		} else {
			pos = e.waitForConfirmedPosition(sw.Mint, pos, t)
			if pos == nil {
				return reject(ReasonNoPosition, "pending buy failed while waiting to sell")
			}
			if pos.Status == storage.PositionSent {
				return reject(ReasonPositionNotConfirmed,
					fmt.Sprintf("buy %s still unconfirmed after %ds", blockchain.ShortAddr(pos.LastSig), t.SellOnSentTimeoutSeconds))
			}
		}
	}

	sellRaw := e.proportionalSell(ctx, sw, pos.RawAmount)
	if sellRaw.Sign() == 0 {
		return reject(ReasonSellTooSmall, "proportional size rounds to zero tokens")
	}

	quote, err := e.quoteWithRetry(ctx, sw.Mint, blockchain.WSOLMint, sellRaw)
	if err != nil {
		return reject(ReasonUnroutableToken, fmt.Sprintf("no route: %v", err))
	}

	// Exits are never blocked on impact: a thin book is exactly when
	// holding on is worse. Log it and move.
	if t.MaxPriceImpactBps > 0 {
		if imp := quote.ImpactBps(); imp > float64(t.MaxPriceImpactBps) {
			log.Warn().
				Str("mint", blockchain.ShortAddr(sw.Mint)).
				Float64("impact_bps", imp).
				Msg("selling through high price impact")
		}
	}

	fees := e.cfg.GetFees()
	return &Decision{
		Action: ActionExecute,
		Plan: &trading.TradePlan{
			Direction:       parser.DirectionSell,
			Mint:            sw.Mint,
			Decimals:        uint8(pos.Decimals),
			SourceSignature: sw.Signature,
			SellRaw:         sellRaw,
			Quote:           quote,
			Fee:             trading.EstimateFee(fees.PriorityFeeLamports, false),
		},
	}
}

// waitForConfirmedPosition polls while an in-flight buy settles, up to
// the configured timeout. Returns the freshest position, or nil when
// the buy failed and took the position with it.
func (e *Engine) waitForConfirmedPosition(mint string, pos *storage.Position, t config.TradingConfig) *storage.Position {
	timeout := time.Duration(t.SellOnSentTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return pos
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(e.sentPollStep)
		cur, err := e.db.GetPosition(mint)
		if err != nil {
			log.Error().Err(err).Str("mint", mint).Msg("poll pending position")
			return pos
		}
		if cur == nil {
			return nil
		}
		if cur.Status != storage.PositionSent {
			return cur
		}
		pos = cur
	}
	return pos
}

// proportionalSell mirrors the fraction of their stack the source
// sold: ours × sold ÷ (their remaining + sold). When their remaining
// balance cannot be read, or they emptied the stack, we exit fully.
func (e *Engine) proportionalSell(ctx context.Context, sw *parser.Swap, ourRaw *big.Int) *big.Int {
	remaining, chainDec, ok := e.sourceRemaining(ctx, sw.Mint)
	if !ok || remaining == 0 {
		return new(big.Int).Set(ourRaw)
	}

	// The chain's decimals are authoritative; a reconstruction-path
	// descriptor carries guessed ones, so rescale before mixing.
	sold := sw.RawTokenAmount
	if chainDec != sw.Decimals {
		sold = rescale(sold, sw.Decimals, chainDec)
	}

	den := new(big.Int).Add(new(big.Int).SetUint64(remaining), sold)
	if den.Sign() == 0 {
		return new(big.Int).Set(ourRaw)
	}
	out := new(big.Int).Mul(ourRaw, sold)
	out.Div(out, den)
	if out.Cmp(ourRaw) > 0 {
		out.Set(ourRaw)
	}
	return out
}

func (e *Engine) sourceRemaining(ctx context.Context, mint string) (uint64, uint8, bool) {
	if e.rpc == nil {
		return 0, 0, false
	}
	src := e.cfg.Get().Wallet.SourceWallet
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	accounts, err := e.rpc.GetTokenAccountsByOwner(cctx, src, mint)
	if err != nil {
		log.Warn().Err(err).Str("mint", blockchain.ShortAddr(mint)).Msg("source balance unavailable, assuming full exit")
		return 0, 0, false
	}
	var (
		total    uint64
		decimals uint8
	)
	for _, a := range accounts {
		total += a.Amount
		decimals = a.Decimals
	}
	return total, decimals, true
}

// rescale shifts a raw amount between decimal scales
func rescale(raw *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(raw)
	switch {
	case to > from:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	case from > to:
		out.Div(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	}
	return out
}

func (e *Engine) checkTokenSafety(ctx context.Context, mint string) *Decision {
	s := e.cfg.Get().Safety
	if !s.BlockIfMintAuthority && !s.BlockIfFreezeAuthority {
		return nil
	}
	if e.rpc == nil {
		return reject(ReasonTokenSafetyUnknown, "no RPC client for mint inspection")
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := e.rpc.GetMintInfo(cctx, mint)
	if err != nil {
		// Cannot prove the token safe, so it is not.
		return reject(ReasonTokenSafetyUnknown, fmt.Sprintf("mint info unavailable: %v", err))
	}
	if s.BlockIfMintAuthority && info.MintAuthority != "" {
		return reject(ReasonTokenMintAuthority, fmt.Sprintf("mint authority held by %s", blockchain.ShortAddr(info.MintAuthority)))
	}
	if s.BlockIfFreezeAuthority && info.FreezeAuthority != "" {
		return reject(ReasonTokenFreezeAuthority, fmt.Sprintf("freeze authority held by %s", blockchain.ShortAddr(info.FreezeAuthority)))
	}
	return nil
}

// quoteWithRetry allows the aggregator one hiccup. New pools often
// route on the second ask while indexing catches up.
func (e *Engine) quoteWithRetry(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*jupiter.QuoteResponse, error) {
	quote, err := e.jup.GetQuote(ctx, inputMint, outputMint, amount)
	if err == nil {
		return quote, nil
	}
	log.Warn().Err(err).
		Str("output", blockchain.ShortAddr(outputMint)).
		Dur("retry_in", e.quoteRetryWait).
		Msg("quote failed, retrying once")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.quoteRetryWait):
	}
	return e.jup.GetQuote(ctx, inputMint, outputMint, amount)
}

// measureDrift compares the price we would pay against the price the
// source paid. Positive drift means the token got more expensive
// between their fill and our quote.
func (e *Engine) measureDrift(sw *parser.Swap, spendLamports uint64, quote *jupiter.QuoteResponse) *float64 {
	srcPrice := solPerToken(sw.BaseLamports, sw.RawTokenAmount, sw.Decimals)
	if srcPrice <= 0 {
		return nil
	}
	out, err := quote.OutAmountBig()
	if err != nil {
		return nil
	}
	ourPrice := solPerToken(spendLamports, out, sw.Decimals)
	if ourPrice <= 0 {
		return nil
	}
	drift := (ourPrice/srcPrice - 1) * 100
	return &drift
}

func solPerToken(lamports uint64, raw *big.Int, decimals uint8) float64 {
	if raw == nil || raw.Sign() <= 0 {
		return 0
	}
	tokens, _ := new(big.Float).Quo(
		new(big.Float).SetInt(raw),
		big.NewFloat(math.Pow10(int(decimals))),
	).Float64()
	if tokens <= 0 {
		return 0
	}
	return float64(lamports) / 1e9 / tokens
}

func solToLamports(sol float64) uint64 {
	if sol <= 0 {
		return 0
	}
	return uint64(math.Round(sol * 1e9))
}
