package trading

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/jupiter"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/storage"
)

// Simulator executes plans against the virtual ledger instead of the
// chain. Quotes are real, fills are assumed at quote price, and every
// position mutation mirrors the live path so the rest of the system
// cannot tell the modes apart.
type Simulator struct {
	cfg *config.Manager
	db  *storage.DB

	// Chain access for accurate fee mode. All nil in plain dry-run,
	// which pins fees to the up-front estimate.
	rpc    *blockchain.RPCClient
	jup    *jupiter.Client
	wallet *blockchain.Wallet
}

func NewSimulator(cfg *config.Manager, db *storage.DB) *Simulator {
	return &Simulator{cfg: cfg, db: db}
}

// SetAccurateFees supplies the chain access that accurate fee mode
// needs: the swap is built for a throwaway wallet, signed, and run
// through simulateTransaction to price its real compute.
func (s *Simulator) SetAccurateFees(rpc *blockchain.RPCClient, jup *jupiter.Client, wallet *blockchain.Wallet) {
	s.rpc = rpc
	s.jup = jup
	s.wallet = wallet
}

func (s *Simulator) Mode() string { return "dry-run" }

func (s *Simulator) Execute(ctx context.Context, plan *TradePlan) *Result {
	switch plan.Direction {
	case parser.DirectionBuy:
		return s.executeBuy(ctx, plan)
	case parser.DirectionSell:
		return s.executeSell(ctx, plan)
	default:
		return failed(fmt.Sprintf("unknown direction %q", plan.Direction))
	}
}

func (s *Simulator) executeBuy(ctx context.Context, plan *TradePlan) *Result {
	outRaw, err := plan.Quote.OutAmountBig()
	if err != nil {
		return failed(fmt.Sprintf("quote out amount: %v", err))
	}

	sig := syntheticSignature()
	fee := s.refineFee(ctx, plan)

	if err := s.db.VirtualBuy(sig, plan.Mint, int(plan.Decimals), outRaw, plan.SpendLamports, fee.Total()); err != nil {
		return failed(fmt.Sprintf("virtual ledger: %v", err))
	}
	if err := s.db.UpsertConfirmedBuy(plan.Mint, outRaw, int(plan.Decimals), plan.SpendLamports, sig); err != nil {
		return failed(fmt.Sprintf("record position: %v", err))
	}
	if err := s.db.AddDailySpend(storage.DayKey(time.Now()), plan.SpendLamports); err != nil {
		log.Error().Err(err).Msg("record daily spend")
	}
	if err := s.db.SetLastBuy(plan.Mint, time.Now()); err != nil {
		log.Error().Err(err).Msg("record last buy")
	}

	log.Info().
		Str("mint", blockchain.ShortAddr(plan.Mint)).
		Uint64("lamports", plan.SpendLamports).
		Str("raw", outRaw.String()).
		Bool("fee_accurate", fee.Accurate).
		Msg("📋 dry-run buy filled")

	return &Result{
		Status:        StatusCopied,
		Signature:     sig,
		SpentLamports: plan.SpendLamports,
		TokenRaw:      outRaw,
		Fee:           fee,
	}
}

func (s *Simulator) executeSell(ctx context.Context, plan *TradePlan) *Result {
	outLamports, err := plan.Quote.OutAmountBig()
	if err != nil {
		return failed(fmt.Sprintf("quote out amount: %v", err))
	}
	received := outLamports.Uint64()

	sig := syntheticSignature()
	fee := s.refineFee(ctx, plan)

	if err := s.db.VirtualSell(sig, plan.Mint, plan.SellRaw, received, fee.Total()); err != nil {
		return failed(fmt.Sprintf("virtual ledger: %v", err))
	}
	if _, err := s.db.ReducePosition(plan.Mint, plan.SellRaw, sig); err != nil {
		return failed(fmt.Sprintf("record position: %v", err))
	}

	log.Info().
		Str("mint", blockchain.ShortAddr(plan.Mint)).
		Uint64("received", received).
		Str("raw", plan.SellRaw.String()).
		Msg("📋 dry-run sell filled")

	return &Result{
		Status:           StatusCopied,
		Signature:        sig,
		ReceivedLamports: received,
		TokenRaw:         plan.SellRaw,
		Fee:              fee,
	}
}

// refineFee upgrades the plan's worst-case fee to a simulated one in
// accurate mode. Any failure falls back to the estimate silently; a
// dry run must never stall on fee refinement.
func (s *Simulator) refineFee(ctx context.Context, plan *TradePlan) FeeEstimate {
	fee := plan.Fee
	if s.cfg.GetFees().Mode != "accurate" || s.rpc == nil || s.jup == nil || s.wallet == nil {
		return fee
	}

	swap, err := s.jup.BuildSwapTransaction(ctx, plan.Quote, s.wallet.Address())
	if err != nil {
		log.Debug().Err(err).Msg("fee refinement: build swap")
		return fee
	}
	signed, err := blockchain.SignBase64Transaction(s.wallet, swap.SwapTransaction)
	if err != nil {
		log.Debug().Err(err).Msg("fee refinement: sign")
		return fee
	}
	sim, err := s.rpc.SimulateTransaction(ctx, signed)
	if err != nil || sim == nil || sim.Err != nil {
		log.Debug().Err(err).Msg("fee refinement: simulate")
		return fee
	}
	return RefineFee(fee, sim.UnitsConsumed)
}

// syntheticSignature mints a unique signature-shaped id for dry-run
// fills: base58 over 64 random bytes, the width of a real signature.
func syntheticSignature() string {
	var b [64]byte
	if _, err := rand.Read(b[:]); err != nil {
		return base58.Encode([]byte(fmt.Sprintf("dryrun-%d", time.Now().UnixNano())))
	}
	return base58.Encode(b[:])
}

// VirtualBalance exposes the dry-run cash balance where live mode
// would consult the on-chain wallet.
type VirtualBalance struct {
	db *storage.DB
}

func NewVirtualBalance(db *storage.DB) *VirtualBalance { return &VirtualBalance{db: db} }

func (v *VirtualBalance) BalanceLamports() uint64 {
	w, err := v.db.GetVirtualWallet()
	if err != nil || w == nil {
		return 0
	}
	return w.CashLamports
}
