package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/parser"
)

// Prints a transaction the way the copy pipeline sees it: balance
// deltas first, then the parsed swap or the reason it was skipped.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./tools/dumptx <TX_SIGNATURE> [WALLET]")
		fmt.Println("WALLET defaults to wallet.source_wallet from the config.")
		os.Exit(1)
	}
	sig := os.Args[1]

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		color.Red("❌ Failed to load config: %v", err)
		os.Exit(1)
	}
	c := cfg.Get()

	wallet := c.Wallet.SourceWallet
	if len(os.Args) > 2 {
		wallet = os.Args[2]
	}

	fmt.Println("🔍 TRANSACTION DUMP")
	fmt.Println("===================")
	fmt.Printf("TX:     %s\n", sig)
	fmt.Printf("Wallet: %s\n\n", wallet)

	rpc := blockchain.NewRPCClient(
		cfg.GetPrimaryRPCURL(),
		cfg.GetFallbackRPCURL(),
		os.Getenv(c.RPC.PrimaryAPIKeyEnv),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tx, err := rpc.GetTransaction(ctx, sig)
	if err != nil {
		color.Red("❌ RPC error: %v", err)
		os.Exit(1)
	}
	if tx == nil {
		color.Yellow("⚠️  Node does not know this signature yet")
		os.Exit(1)
	}

	fmt.Printf("Slot: %d", tx.Slot)
	if tx.BlockTime != nil {
		fmt.Printf("   Time: %s", time.Unix(*tx.BlockTime, 0).Format("2006-01-02 15:04:05"))
	}
	fmt.Println("")
	if tx.Meta != nil {
		fmt.Printf("Fee:  %.6f SOL\n", float64(tx.Meta.Fee)/1e9)
		if tx.Meta.Err != nil {
			color.Red("Err:  %v", tx.Meta.Err)
		}
	}
	fmt.Println("")

	dumpBalances(tx, wallet)

	fmt.Println("----------------------------------------")
	swap, err := parser.New(wallet).Parse(tx)
	if err != nil {
		switch {
		case errors.Is(err, parser.ErrFailedTx):
			color.Red("⏭  SKIPPED: transaction failed on chain")
		case errors.Is(err, parser.ErrNotSource):
			color.Yellow("⏭  SKIPPED: %s is not a signer here", blockchain.ShortAddr(wallet))
		case errors.Is(err, parser.ErrNotSwap):
			color.Yellow("⏭  SKIPPED: no copyable token leg (transfer, approval, or multi-token)")
		case errors.Is(err, parser.ErrBelowFloor):
			color.Yellow("⏭  SKIPPED: SOL movement below the %d lamport floor", parser.MinSwapLamports)
		case errors.Is(err, parser.ErrNoDirection):
			color.Yellow("⏭  SKIPPED: balance deltas do not form a trade")
		default:
			color.Red("❌ Parse error: %v", err)
		}
		os.Exit(0)
	}

	verdict := color.New(color.FgGreen, color.Bold)
	if swap.Direction == "SELL" {
		verdict = color.New(color.FgRed, color.Bold)
	}
	verdict.Printf("✅ %s DETECTED\n", swap.Direction)
	fmt.Printf("Mint:     %s\n", swap.Mint)
	fmt.Printf("SOL leg:  %.6f SOL\n", float64(swap.BaseLamports)/1e9)
	fmt.Printf("Token:    %s raw (decimals %d)\n", swap.RawTokenAmount.String(), swap.Decimals)
	if swap.UnsafeParse {
		color.Yellow("⚠️  Unsafe parse: amounts reconstructed without full metadata")
	}
}

func dumpBalances(tx *blockchain.ChainTransaction, wallet string) {
	meta := tx.Meta
	if meta == nil {
		return
	}

	fmt.Println("SOL MOVEMENT")
	keys := tx.Transaction.Message.AccountKeys
	for i, key := range keys {
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			break
		}
		delta := int64(meta.PostBalances[i]) - int64(meta.PreBalances[i])
		if delta == 0 {
			continue
		}
		marker := "  "
		if key.Pubkey == wallet {
			marker = "→ "
		}
		fmt.Printf("%s%-12s %+.6f SOL\n", marker, blockchain.ShortAddr(key.Pubkey), float64(delta)/1e9)
	}

	if len(meta.PreTokenBalances) == 0 && len(meta.PostTokenBalances) == 0 {
		return
	}
	fmt.Println("\nTOKEN MOVEMENT")
	pre := make(map[string]string)
	for _, b := range meta.PreTokenBalances {
		pre[fmt.Sprintf("%d/%s", b.AccountIndex, b.Mint)] = b.UITokenAmount.Amount
	}
	for _, b := range meta.PostTokenBalances {
		before := pre[fmt.Sprintf("%d/%s", b.AccountIndex, b.Mint)]
		if before == "" {
			before = "0"
		}
		marker := "  "
		if b.Owner == wallet {
			marker = "→ "
		}
		fmt.Printf("%sowner %-12s mint %-12s %s → %s\n",
			marker,
			blockchain.ShortAddr(b.Owner),
			blockchain.ShortAddr(b.Mint),
			before,
			b.UITokenAmount.Amount,
		)
	}
}
