package parser

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strconv"

	"solana-copy-bot/internal/blockchain"
)

// TxFetcher is the one optional RPC lookup the parser may perform when
// a push payload carries no usable structured event.
type TxFetcher interface {
	GetTransaction(ctx context.Context, signature string) (*blockchain.ChainTransaction, error)
}

// errEventUnusable means the structured event exists but cannot be
// interpreted; the balance-delta path takes over.
var errEventUnusable = errors.New("swap event unusable")

// WebhookTransaction is one entry of an enhanced-webhook batch.
type WebhookTransaction struct {
	Signature        string           `json:"signature"`
	Timestamp        int64            `json:"timestamp"`
	Slot             uint64           `json:"slot"`
	FeePayer         string           `json:"feePayer"`
	Fee              uint64           `json:"fee"`
	Type             string           `json:"type"`
	Source           string           `json:"source"`
	Description      string           `json:"description"`
	TransactionError interface{}      `json:"transactionError"`
	Events           WebhookEvents    `json:"events"`
	TokenTransfers   []TokenTransfer  `json:"tokenTransfers"`
	NativeTransfers  []NativeTransfer `json:"nativeTransfers"`
}

type WebhookEvents struct {
	Swap *SwapEvent `json:"swap"`
}

// SwapEvent is the aggregator's structured view of a swap: SOL in/out
// plus token legs per wallet.
type SwapEvent struct {
	NativeInput  *NativeLeg `json:"nativeInput"`
	NativeOutput *NativeLeg `json:"nativeOutput"`
	TokenInputs  []TokenLeg `json:"tokenInputs"`
	TokenOutputs []TokenLeg `json:"tokenOutputs"`
}

type NativeLeg struct {
	Account string `json:"account"`
	Amount  string `json:"amount"` // lamports, decimal string
}

type TokenLeg struct {
	UserAccount    string         `json:"userAccount"`
	TokenAccount   string         `json:"tokenAccount"`
	Mint           string         `json:"mint"`
	RawTokenAmount RawTokenAmount `json:"rawTokenAmount"`
}

type RawTokenAmount struct {
	TokenAmount string `json:"tokenAmount"`
	Decimals    uint8  `json:"decimals"`
}

type TokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          uint64 `json:"amount"`
}

// ParseWebhook extracts a copyable swap from a push payload. Parse
// order: the structured swap event when present, then authoritative
// pre/post balance deltas via one RPC lookup, then transfer-list
// reconstruction, which taints the result as unsafe. fellBack reports
// that something past the structured event produced the swap.
func (p *Parser) ParseWebhook(ctx context.Context, raw *WebhookTransaction, fetch TxFetcher) (sw *Swap, fellBack bool, err error) {
	if raw.TransactionError != nil {
		return nil, false, ErrFailedTx
	}

	if ev := raw.Events.Swap; ev != nil {
		sw, err = p.parseSwapEvent(raw, ev)
		if err == nil {
			return sw, false, nil
		}
		if !errors.Is(err, errEventUnusable) {
			return nil, false, err
		}
	}

	if fetch != nil {
		if tx, ferr := fetch.GetTransaction(ctx, raw.Signature); ferr == nil && tx != nil {
			sw, err = p.Parse(tx)
			if err != nil {
				// The authoritative path spoke; its skip stands.
				return nil, true, err
			}
			return sw, true, nil
		}
	}

	sw, err = p.reconstructFromTransfers(raw)
	if err != nil {
		return nil, true, err
	}
	return sw, true, nil
}

func (p *Parser) parseSwapEvent(raw *WebhookTransaction, ev *SwapEvent) (*Swap, error) {
	tokenOuts, wsolReceived := p.splitLegs(ev.TokenOutputs)
	tokenIns, wsolPaid := p.splitLegs(ev.TokenInputs)

	// Native legs count only when the event attributes them to the
	// source wallet; routing hops name other accounts here.
	solPaid := p.legLamports(ev.NativeInput) + wsolPaid
	solReceived := p.legLamports(ev.NativeOutput) + wsolReceived

	var (
		direction string
		leg       *TokenLeg
		base      uint64
	)
	switch {
	case len(tokenOuts) > 0 && len(tokenIns) == 0 && solPaid > 0:
		direction = DirectionBuy
		leg = largestLeg(tokenOuts)
		base = solPaid
	case len(tokenIns) > 0 && len(tokenOuts) == 0 && solReceived > 0:
		direction = DirectionSell
		leg = largestLeg(tokenIns)
		base = solReceived
	case len(tokenOuts) > 0 && len(tokenIns) > 0:
		// Token-to-token with respect to the source wallet.
		return nil, ErrNotSwap
	default:
		// No token leg for the source, or a token leg with no native
		// counterpart the event attributes to it; let balance deltas
		// decide.
		return nil, errEventUnusable
	}

	if base < MinSwapLamports {
		return nil, ErrBelowFloor
	}

	rawAmt, ok := new(big.Int).SetString(leg.RawTokenAmount.TokenAmount, 10)
	if !ok {
		return nil, errEventUnusable
	}
	rawAmt.Abs(rawAmt)
	if rawAmt.Sign() == 0 {
		return nil, errEventUnusable
	}

	return &Swap{
		Signature:      raw.Signature,
		Direction:      direction,
		Mint:           leg.Mint,
		Decimals:       leg.RawTokenAmount.Decimals,
		BaseLamports:   base,
		RawTokenAmount: rawAmt,
		BlockTime:      raw.Timestamp,
	}, nil
}

// splitLegs keeps the source wallet's copyable token legs and folds
// its wrapped-SOL legs into a lamport total.
func (p *Parser) splitLegs(legs []TokenLeg) ([]*TokenLeg, uint64) {
	var kept []*TokenLeg
	wsol := new(big.Int)
	for i := range legs {
		leg := &legs[i]
		if leg.UserAccount != p.sourceWallet {
			continue
		}
		amt, ok := new(big.Int).SetString(leg.RawTokenAmount.TokenAmount, 10)
		if !ok {
			continue
		}
		amt.Abs(amt)
		if leg.Mint == blockchain.WSOLMint {
			wsol.Add(wsol, amt)
			continue
		}
		if blockchain.IsIntermediateMint(leg.Mint) {
			continue
		}
		kept = append(kept, leg)
	}
	if !wsol.IsUint64() {
		return kept, 0
	}
	return kept, wsol.Uint64()
}

func (p *Parser) legLamports(leg *NativeLeg) uint64 {
	if leg == nil || leg.Account != p.sourceWallet {
		return 0
	}
	n, err := strconv.ParseUint(leg.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// largestLeg picks the leg with the biggest raw amount; ties keep the
// earliest leg in the payload.
func largestLeg(legs []*TokenLeg) *TokenLeg {
	best := legs[0]
	bestAmt := legRaw(best)
	for _, leg := range legs[1:] {
		if amt := legRaw(leg); amt.CmpAbs(bestAmt) > 0 {
			best, bestAmt = leg, amt
		}
	}
	return best
}

func legRaw(leg *TokenLeg) *big.Int {
	amt, ok := new(big.Int).SetString(leg.RawTokenAmount.TokenAmount, 10)
	if !ok {
		return new(big.Int)
	}
	return amt.Abs(amt)
}

// Transfer lists carry UI floats with no decimals; six is the
// overwhelming default for the tokens this bot copies.
const assumedDecimals = 6

// reconstructFromTransfers rebuilds a swap from bare transfer lists.
// Weakest path: amounts are floats, decimals are guessed, so the
// result is always tainted.
func (p *Parser) reconstructFromTransfers(raw *WebhookTransaction) (*Swap, error) {
	var (
		solNet   int64
		involved bool
	)
	for _, nt := range raw.NativeTransfers {
		if nt.FromUserAccount == p.sourceWallet {
			solNet -= int64(nt.Amount)
			involved = true
		}
		if nt.ToUserAccount == p.sourceWallet {
			solNet += int64(nt.Amount)
			involved = true
		}
	}

	tokenNet := make(map[string]float64)
	var tokenOrder []string
	for _, tt := range raw.TokenTransfers {
		if tt.FromUserAccount != p.sourceWallet && tt.ToUserAccount != p.sourceWallet {
			continue
		}
		involved = true

		var delta float64
		if tt.ToUserAccount == p.sourceWallet {
			delta += tt.TokenAmount
		}
		if tt.FromUserAccount == p.sourceWallet {
			delta -= tt.TokenAmount
		}

		// Wrapped SOL is the SOL side, not a token leg.
		if tt.Mint == blockchain.WSOLMint {
			solNet += int64(math.Round(delta * 1e9))
			continue
		}
		if blockchain.IsIntermediateMint(tt.Mint) {
			continue
		}
		if _, seen := tokenNet[tt.Mint]; !seen {
			tokenOrder = append(tokenOrder, tt.Mint)
		}
		tokenNet[tt.Mint] += delta
	}

	if !involved && raw.FeePayer != p.sourceWallet {
		return nil, ErrNotSource
	}

	// Drop float-noise entries, keeping transfer order for the tie-break
	candidates := make([]string, 0, len(tokenOrder))
	for _, m := range tokenOrder {
		if math.Abs(tokenNet[m]) >= 1e-12 {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotSwap
	}

	// Largest absolute mover wins; ties keep the first seen.
	mint := candidates[0]
	for _, m := range candidates[1:] {
		if math.Abs(tokenNet[m]) > math.Abs(tokenNet[mint]) {
			mint = m
		}
	}
	tokenDelta := tokenNet[mint]

	var direction string
	switch {
	case solNet < 0 && tokenDelta > 0:
		direction = DirectionBuy
	case solNet > 0 && tokenDelta < 0:
		direction = DirectionSell
	default:
		return nil, ErrNoDirection
	}

	base := uint64(solNet)
	if solNet < 0 {
		base = uint64(-solNet)
	}
	if base < MinSwapLamports {
		return nil, ErrBelowFloor
	}

	rawAmt := new(big.Int).SetInt64(int64(math.Round(math.Abs(tokenDelta) * math.Pow10(assumedDecimals))))
	if rawAmt.Sign() == 0 {
		return nil, ErrNotSwap
	}

	return &Swap{
		Signature:      raw.Signature,
		Direction:      direction,
		Mint:           mint,
		Decimals:       assumedDecimals,
		BaseLamports:   base,
		RawTokenAmount: rawAmt,
		UnsafeParse:    true,
		BlockTime:      raw.Timestamp,
	}, nil
}
