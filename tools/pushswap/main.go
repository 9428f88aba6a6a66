package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/ingest"
	"solana-copy-bot/internal/parser"
)

// BONK, so token-safety checks pass against mainnet.
const defaultMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

// Pushes a synthetic source-wallet swap into a running bot's webhook,
// end to end through dedup, risk, and execution. Run the bot in
// dry-run and watch the trade come out the other side.
func main() {
	direction := "BUY"
	amountSOL := 0.1
	mint := defaultMint

	if len(os.Args) > 1 {
		direction = strings.ToUpper(os.Args[1])
	}
	if direction != "BUY" && direction != "SELL" {
		fmt.Println("Usage: go run ./tools/pushswap [BUY|SELL] [SOL] [MINT]")
		os.Exit(1)
	}
	if len(os.Args) > 2 {
		v, err := strconv.ParseFloat(os.Args[2], 64)
		if err != nil || v <= 0 {
			fmt.Printf("bad SOL amount %q\n", os.Args[2])
			os.Exit(1)
		}
		amountSOL = v
	}
	if len(os.Args) > 3 {
		mint = os.Args[3]
	}

	fmt.Println("🧪 SYNTHETIC SWAP PUSH")
	fmt.Println("======================")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	c := cfg.Get()

	host := c.Webhook.ListenHost
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/webhook/%s", host, c.Webhook.ListenPort, ingest.SourceWebhook)

	lamports := uint64(amountSOL * 1e9)
	// Arbitrary but consistent fill so drift math has something to chew
	raw := strconv.FormatUint(lamports*1000, 10)
	signature := fmt.Sprintf("pushswap-%d", time.Now().UnixNano())

	tx := &parser.WebhookTransaction{
		Signature: signature,
		Timestamp: time.Now().Unix(),
		FeePayer:  c.Wallet.SourceWallet,
		Type:      "SWAP",
		Source:    "pushswap",
	}
	leg := []parser.TokenLeg{{
		UserAccount: c.Wallet.SourceWallet,
		Mint:        mint,
		RawTokenAmount: parser.RawTokenAmount{
			TokenAmount: raw,
			Decimals:    6,
		},
	}}
	native := &parser.NativeLeg{
		Account: c.Wallet.SourceWallet,
		Amount:  strconv.FormatUint(lamports, 10),
	}
	if direction == "BUY" {
		tx.Events.Swap = &parser.SwapEvent{NativeInput: native, TokenOutputs: leg}
	} else {
		tx.Events.Swap = &parser.SwapEvent{NativeOutput: native, TokenInputs: leg}
	}

	fmt.Printf("Target:    %s\n", url)
	fmt.Printf("Direction: %s\n", direction)
	fmt.Printf("SOL leg:   %.4f\n", amountSOL)
	fmt.Printf("Mint:      %s\n", mint)
	fmt.Printf("Signature: %s\n\n", signature)

	body, _ := json.Marshal([]*parser.WebhookTransaction{tx})
	start := time.Now()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("❌ Push failed: %v\n", err)
		fmt.Println("Is the bot running with its webhook listener up?")
		os.Exit(1)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	fmt.Printf("HTTP %d in %dms: %s\n\n", resp.StatusCode, time.Since(start).Milliseconds(), string(respBody))
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}

	fmt.Println("✅ Accepted. Watch the bot logs or the console's activity tab.")
	if direction == "SELL" {
		fmt.Println("A SELL with no open position is rejected with NO_POSITION. That is the pipeline working.")
	}
}
