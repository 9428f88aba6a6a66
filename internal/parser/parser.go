package parser

import (
	"errors"
	"math/big"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
)

// Trade directions
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// MinSwapLamports filters dust and non-swap noise: source transactions
// moving less SOL than this are never copied.
const MinSwapLamports = 50_000

// Skip reasons. These are normal outcomes, not faults; callers log and
// move on.
var (
	ErrFailedTx    = errors.New("transaction failed on chain")
	ErrNotSource   = errors.New("source wallet did not sign")
	ErrNotSwap     = errors.New("no copyable token leg")
	ErrBelowFloor  = errors.New("sol movement below floor")
	ErrNoDirection = errors.New("balance deltas do not form a trade")
)

// Swap is one upstream trade extracted from balance deltas.
// RawTokenAmount is always positive; Direction carries the sign.
type Swap struct {
	Signature      string
	Direction      string
	Mint           string
	Decimals       uint8
	BaseLamports   uint64
	RawTokenAmount *big.Int
	UnsafeParse    bool
	BlockTime      int64
}

// Parser extracts the source wallet's swaps from confirmed
// transactions. It works purely from pre/post balances, so it is DEX
// agnostic: any program that moved SOL one way and a token the other
// counts.
type Parser struct {
	sourceWallet string
}

// New creates a parser bound to one source wallet
func New(sourceWallet string) *Parser {
	return &Parser{sourceWallet: sourceWallet}
}

// Parse extracts a swap from a confirmed transaction. A nil error with
// a non-nil Swap means the trade is worth copying; sentinel errors
// classify everything else.
func (p *Parser) Parse(tx *blockchain.ChainTransaction) (*Swap, error) {
	if tx == nil || tx.Meta == nil {
		return nil, ErrFailedTx
	}
	if tx.Failed() {
		return nil, ErrFailedTx
	}

	keys := tx.Transaction.Message.AccountKeys
	sourceIdx := -1
	for i, k := range keys {
		if k.Pubkey == p.sourceWallet {
			sourceIdx = i
			break
		}
	}
	// Airdrops and transfers TO the source show up in its history but
	// were not initiated by it. Only signed transactions count.
	if sourceIdx < 0 || !keys[sourceIdx].Signer {
		return nil, ErrNotSource
	}

	meta := tx.Meta
	if sourceIdx >= len(meta.PreBalances) || sourceIdx >= len(meta.PostBalances) {
		return nil, ErrNoDirection
	}

	// Native SOL delta of the source wallet
	solDelta := int64(meta.PostBalances[sourceIdx]) - int64(meta.PreBalances[sourceIdx])

	// The fee payer's delta includes the tx fee; add it back so the
	// delta reflects the swap alone.
	if len(keys) > 0 && keys[0].Pubkey == p.sourceWallet {
		solDelta += int64(meta.Fee)
	}

	unsafe := false

	// Token deltas grouped by mint for accounts owned by the source.
	// WSOL counts toward the SOL side; other routing mints are dropped
	// as trade candidates. Mint order is recorded so ties resolve the
	// same way on every replay of the same transaction.
	deltas := map[string]*big.Int{}
	decimals := map[string]uint8{}
	var order []string

	accumulate := func(balances []blockchain.ChainTokenBalance, sign int64) {
		for _, tb := range balances {
			if tb.Owner != p.sourceWallet {
				continue
			}
			amount, ok := new(big.Int).SetString(tb.UITokenAmount.Amount, 10)
			if !ok {
				unsafe = true
				continue
			}
			if tb.Mint == blockchain.WSOLMint {
				if amount.IsInt64() {
					solDelta += sign * amount.Int64()
				} else {
					unsafe = true
				}
				continue
			}
			if blockchain.IsIntermediateMint(tb.Mint) {
				continue
			}
			d, exists := deltas[tb.Mint]
			if !exists {
				d = new(big.Int)
				deltas[tb.Mint] = d
				decimals[tb.Mint] = tb.UITokenAmount.Decimals
				order = append(order, tb.Mint)
			}
			if sign > 0 {
				d.Add(d, amount)
			} else {
				d.Sub(d, amount)
			}
		}
	}
	accumulate(meta.PreTokenBalances, -1)
	accumulate(meta.PostTokenBalances, +1)

	// Keep only mints that actually moved, in first-seen order
	candidates := make([]string, 0, len(order))
	for _, m := range order {
		if deltas[m].Sign() != 0 {
			candidates = append(candidates, m)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNotSwap
	}

	mint := candidates[0]
	if len(candidates) > 1 {
		// More than one token moved (token-to-token route, or a swap
		// bundled with transfers). The largest raw movement is the
		// trade leg; ties keep the first seen.
		mint = largestDelta(deltas, candidates)
		log.Debug().
			Int("candidates", len(candidates)).
			Str("picked", blockchain.ShortAddr(mint)).
			Msg("multiple token legs, picked largest")
	}

	tokenDelta := deltas[mint]

	// Direction comes from the base side: SOL left the wallet on a buy,
	// arrived on a sell. The token side must mirror it or the movement
	// is not a two-sided trade worth copying.
	var direction string
	switch {
	case solDelta < 0 && tokenDelta.Sign() > 0:
		direction = DirectionBuy
	case solDelta > 0 && tokenDelta.Sign() < 0:
		direction = DirectionSell
	default:
		return nil, ErrNoDirection
	}

	baseLamports := solDelta
	if baseLamports < 0 {
		baseLamports = -baseLamports
	}
	if baseLamports < MinSwapLamports {
		return nil, ErrBelowFloor
	}

	swap := &Swap{
		Signature:      tx.Signature(),
		Direction:      direction,
		Mint:           mint,
		Decimals:       decimals[mint],
		BaseLamports:   uint64(baseLamports),
		RawTokenAmount: new(big.Int).Abs(tokenDelta),
		UnsafeParse:    unsafe,
	}
	if tx.BlockTime != nil {
		swap.BlockTime = *tx.BlockTime
	}
	return swap, nil
}

// largestDelta compares candidate mints by absolute raw delta. Strict
// comparison keeps the earliest candidate on ties.
func largestDelta(deltas map[string]*big.Int, candidates []string) string {
	best := candidates[0]
	for _, mint := range candidates[1:] {
		if deltas[mint].CmpAbs(deltas[best]) > 0 {
			best = mint
		}
	}
	return best
}
