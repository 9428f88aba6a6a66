package trading

import (
	"context"
	"math/big"

	"solana-copy-bot/internal/jupiter"
)

// Execution outcomes. These feed the pipeline event log and the
// circuit breaker, so the strings are stable.
const (
	StatusCopied = "COPIED"
	StatusFailed = "FAILED"
)

// TradePlan is a fully sized, quoted and fee-checked trade. The risk
// engine builds it; executors land it exactly as planned and never
// re-quote. A stale quote fails, it does not silently re-price.
type TradePlan struct {
	Direction       string
	Mint            string
	Decimals        uint8
	SourceSignature string

	// SpendLamports is the SOL leg of a buy. Zero on sells.
	SpendLamports uint64

	// SellRaw is the token amount of a sell in raw units. Nil on buys.
	SellRaw *big.Int

	Quote *jupiter.QuoteResponse

	// NewPosition marks a buy that opens a position (affects rent and
	// the open-position cap, both enforced upstream).
	NewPosition bool

	Fee FeeEstimate
}

// Result is the terminal outcome of one execution attempt.
type Result struct {
	Status    string // COPIED or FAILED
	Signature string
	Reason    string // failure detail, empty on success

	SpentLamports    uint64
	ReceivedLamports uint64
	TokenRaw         *big.Int
	Fee              FeeEstimate
}

// Executor lands an approved plan on a venue: the chain in live mode,
// the virtual ledger in dry-run. Implementations own all position and
// budget bookkeeping for their venue so callers see one surface.
type Executor interface {
	Execute(ctx context.Context, plan *TradePlan) *Result
	Mode() string
}

func failed(reason string) *Result {
	return &Result{Status: StatusFailed, Reason: reason}
}
