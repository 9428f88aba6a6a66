package trading

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/notify"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/storage"
)

// Comparator measures realized slippage: what the quote promised
// against what the landed transaction actually moved. Each copied
// trade is checked off the hot path a little after execution, late
// enough for the transaction to finalize; a gap past the alert
// threshold pings the operator. Live mode only, a dry-run fill settles
// at quote price by construction.
type Comparator struct {
	cfg   *config.Manager
	db    *storage.DB
	rpc   *blockchain.RPCClient
	owner string
	notif notify.Notifier

	// delay between execution and comparison, overridable in tests
	delay time.Duration
}

func NewComparator(cfg *config.Manager, db *storage.DB, rpc *blockchain.RPCClient, owner string, notif notify.Notifier) *Comparator {
	if notif == nil {
		notif = notify.Noop{}
	}
	return &Comparator{
		cfg:   cfg,
		db:    db,
		rpc:   rpc,
		owner: owner,
		notif: notif,
		delay: 2500 * time.Millisecond,
	}
}

// Schedule queues a comparison for a copied trade. No-op for anything
// that did not result in a fill.
func (c *Comparator) Schedule(sw *parser.Swap, res *Result) {
	if sw == nil || res == nil || res.Status != StatusCopied {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("panic in comparison")
			}
		}()
		time.Sleep(c.delay)
		c.compare(sw, res)
	}()
}

// fill is one side of the comparison: base moved, tokens moved, cost.
type fill struct {
	baseLamports uint64
	tokenRaw     *big.Int
	feeLamports  uint64
	computeUnits uint64
}

func (c *Comparator) compare(sw *parser.Swap, res *Result) {
	quoted := quotedFill(sw.Direction, res)
	quotedPrice := pricePerToken(quoted.baseLamports, quoted.tokenRaw, sw.Decimals)

	landed := c.fetchLandedFill(sw.Direction, sw.Mint, res.Signature)
	if landed == nil {
		log.Debug().Str("sig", blockchain.ShortAddr(res.Signature)).Msg("no finalized fill to compare")
		return
	}
	execPrice := pricePerToken(landed.baseLamports, landed.tokenRaw, sw.Decimals)
	if quotedPrice <= 0 || execPrice <= 0 {
		return
	}

	slipPct := (execPrice/quotedPrice - 1) * 100
	threshold := c.cfg.GetFees().CompareAlertPct
	alerted := threshold > 0 && math.Abs(slipPct) >= threshold

	if err := c.db.InsertComparison(&storage.ExecutionComparison{
		Signature:     res.Signature,
		Mint:          sw.Mint,
		Direction:     sw.Direction,
		QuotedPrice:   quotedPrice,
		ExecutedPrice: execPrice,
		SlippagePct:   slipPct,
		FeeLamports:   landed.feeLamports,
		ComputeUnits:  landed.computeUnits,
		Alerted:       alerted,
	}); err != nil {
		log.Error().Err(err).Msg("record comparison")
		return
	}

	log.Debug().
		Str("mint", blockchain.ShortAddr(sw.Mint)).
		Str("direction", sw.Direction).
		Float64("quoted_price", quotedPrice).
		Float64("executed_price", execPrice).
		Float64("slippage_pct", slipPct).
		Uint64("fee_lamports", landed.feeLamports).
		Uint64("compute_units", landed.computeUnits).
		Msg("execution compared")

	if alerted {
		c.notif.Notify(fmt.Sprintf("⚠️ Slippage %.2f%% on %s %s (quoted %.9f, filled %.9f SOL/token)",
			slipPct, sw.Direction, blockchain.ShortAddr(sw.Mint), quotedPrice, execPrice))
	}
}

// quotedFill takes the executor's optimistic view: the quote-side
// amounts the plan was built on.
func quotedFill(direction string, res *Result) fill {
	f := fill{tokenRaw: res.TokenRaw}
	switch direction {
	case parser.DirectionBuy:
		f.baseLamports = res.SpentLamports
	case parser.DirectionSell:
		f.baseLamports = res.ReceivedLamports
	}
	return f
}

// fetchLandedFill reads what actually happened: the wallet's lamport
// and token deltas plus fee and compute units from the finalized
// transaction meta. Nil when the lookup comes up short; there is
// nothing honest to record then.
func (c *Comparator) fetchLandedFill(direction, mint, sig string) *fill {
	if c.rpc == nil || sig == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := c.rpc.GetTransaction(ctx, sig)
	if err != nil || tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
		return nil
	}

	base, ok := ownerLamportDelta(tx, c.owner, direction)
	if !ok {
		return nil
	}
	token := ownerTokenDelta(tx.Meta, c.owner, mint)
	if token.Sign() == 0 {
		return nil
	}
	return &fill{
		baseLamports: base,
		tokenRaw:     token.Abs(token),
		feeLamports:  tx.Meta.Fee,
		computeUnits: tx.Meta.ComputeUnits,
	}
}

// ownerLamportDelta is the wallet's SOL movement in the transaction:
// lamports out on a buy, lamports in on a sell. The network fee rides
// inside the delta, which is the point: this is the all-in price.
func ownerLamportDelta(tx *blockchain.ChainTransaction, owner, direction string) (uint64, bool) {
	for i, k := range tx.Transaction.Message.AccountKeys {
		if k.Pubkey != owner {
			continue
		}
		if i >= len(tx.Meta.PreBalances) || i >= len(tx.Meta.PostBalances) {
			return 0, false
		}
		pre, post := tx.Meta.PreBalances[i], tx.Meta.PostBalances[i]
		if direction == parser.DirectionBuy && pre > post {
			return pre - post, true
		}
		if direction == parser.DirectionSell && post > pre {
			return post - pre, true
		}
		return 0, false
	}
	return 0, false
}

// ownerTokenDelta sums the owner's post minus pre token balances for
// one mint. Negative for sells.
func ownerTokenDelta(meta *blockchain.ChainTxMeta, owner, mint string) *big.Int {
	pre := new(big.Int)
	post := new(big.Int)
	for _, b := range meta.PreTokenBalances {
		if b.Mint == mint && b.Owner == owner {
			if v, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10); ok {
				pre.Add(pre, v)
			}
		}
	}
	for _, b := range meta.PostTokenBalances {
		if b.Mint == mint && b.Owner == owner {
			if v, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10); ok {
				post.Add(post, v)
			}
		}
	}
	return new(big.Int).Sub(post, pre)
}

// pricePerToken computes SOL paid or received per whole token.
func pricePerToken(lamports uint64, raw *big.Int, decimals uint8) float64 {
	if raw == nil || raw.Sign() <= 0 {
		return 0
	}
	ui := new(big.Float).Quo(
		new(big.Float).SetInt(raw),
		big.NewFloat(math.Pow10(int(decimals))),
	)
	tokens, _ := ui.Float64()
	if tokens <= 0 {
		return 0
	}
	return float64(lamports) / 1e9 / tokens
}
