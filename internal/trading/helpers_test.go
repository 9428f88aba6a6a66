package trading

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/jupiter"
	"solana-copy-bot/internal/storage"
)

const testMint = "7dHbWXmci3dT8UFYWYZweBLXgycu7Y3iL6trKn1Y7ARj"

func testManager(t *testing.T, extra string) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `wallet:
  source_wallet: 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin
rpc:
  primary_url: https://rpc.example.com
` + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return m
}

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testWallet(t *testing.T) *blockchain.Wallet {
	t.Helper()
	seed := bytes.Repeat([]byte{7}, 32)
	w, err := blockchain.NewWallet(base58.Encode(seed))
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	return w
}

func newTestJupiter(baseURL string) *jupiter.Client {
	return jupiter.NewClient(baseURL, 250, 5*time.Second, false, nil)
}

// buyQuote quotes amount lamports in for outRaw token units out.
func buyQuote(amountLamports uint64, outRaw string) *jupiter.QuoteResponse {
	return &jupiter.QuoteResponse{
		InputMint:      blockchain.WSOLMint,
		InAmount:       strconv.FormatUint(amountLamports, 10),
		OutputMint:     testMint,
		OutAmount:      outRaw,
		PriceImpactPct: "0.001",
	}
}

// sellQuote quotes inRaw token units in for outLamports out.
func sellQuote(inRaw string, outLamports uint64) *jupiter.QuoteResponse {
	return &jupiter.QuoteResponse{
		InputMint:      testMint,
		InAmount:       inRaw,
		OutputMint:     blockchain.WSOLMint,
		OutAmount:      strconv.FormatUint(outLamports, 10),
		PriceImpactPct: "0.001",
	}
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
