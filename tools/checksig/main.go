package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./tools/checksig <TX_SIGNATURE>")
		fmt.Println("Checks whether a signature landed, failed, or vanished.")
		os.Exit(1)
	}
	sig := os.Args[1]

	fmt.Println("📊 SIGNATURE STATUS")
	fmt.Println("===================")
	fmt.Printf("TX: %s\n\n", sig)

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

	rpc := blockchain.NewRPCClient(
		cfg.GetPrimaryRPCURL(),
		cfg.GetFallbackRPCURL(),
		os.Getenv(c.RPC.PrimaryAPIKeyEnv),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	statuses, err := rpc.GetSignatureStatuses(ctx, []string{sig})
	if err != nil {
		color.Red("❌ RPC error: %v", err)
		os.Exit(1)
	}

	if len(statuses) == 0 || statuses[0] == nil {
		color.Yellow("⚠️  Not found: dropped, expired, or still propagating")
		return
	}

	st := statuses[0]
	fmt.Printf("Slot:          %d\n", st.Slot)
	if st.Confirmations != nil {
		fmt.Printf("Confirmations: %d\n", *st.Confirmations)
	} else {
		fmt.Println("Confirmations: rooted")
	}
	fmt.Printf("Status:        %s\n\n", st.ConfirmationStatus)

	if st.Err == nil {
		color.Green("✅ Landed")
		return
	}

	errJSON, _ := json.Marshal(st.Err)
	failure := blockchain.ClassifyTxFailure(string(errJSON))
	fmt.Printf("Failure:       %s\n", failure.Tag)
	fmt.Printf("Raw error:     %s\n", errJSON)
	color.Red("❌ Failed on chain")
}
