package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/breaker"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/jupiter"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/storage"
	"solana-copy-bot/internal/trading"
)

const (
	testMint  = "7dHbWXmci3dT8UFYWYZweBLXgycu7Y3iL6trKn1Y7ARj"
	otherMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

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

type fixedBalance uint64

func (b fixedBalance) BalanceLamports() uint64 { return uint64(b) }

// quoteScript drives the fake aggregator: fail the next N requests,
// then answer with the scripted out amount and impact.
type quoteScript struct {
	mu     sync.Mutex
	fail   int
	out    string
	impact string

	calls   int
	lastIn  string
	lastOut string
	lastAmt string
}

func (q *quoteScript) set(out, impact string) {
	q.mu.Lock()
	q.out, q.impact = out, impact
	q.mu.Unlock()
}

func (q *quoteScript) failNext(n int) {
	q.mu.Lock()
	q.fail = n
	q.mu.Unlock()
}

func (q *quoteScript) snapshot() (calls int, in, out, amt string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls, q.lastIn, q.lastOut, q.lastAmt
}

func fakeQuoteServer(t *testing.T, q *quoteScript) *jupiter.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q.mu.Lock()
		q.calls++
		q.lastIn = r.URL.Query().Get("inputMint")
		q.lastOut = r.URL.Query().Get("outputMint")
		q.lastAmt = r.URL.Query().Get("amount")
		failing := q.fail > 0
		if failing {
			q.fail--
		}
		out, impact := q.out, q.impact
		q.mu.Unlock()

		if failing {
			http.Error(w, `{"error":"Could not find any route"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jupiter.QuoteResponse{
			InputMint:      r.URL.Query().Get("inputMint"),
			InAmount:       r.URL.Query().Get("amount"),
			OutputMint:     r.URL.Query().Get("outputMint"),
			OutAmount:      out,
			SwapMode:       "ExactIn",
			SlippageBps:    250,
			PriceImpactPct: impact,
		})
	}))
	t.Cleanup(srv.Close)
	return jupiter.NewClient(srv.URL, 250, 5*time.Second, false, nil)
}

// chainScript drives the fake RPC node behind mint inspection and the
// source wallet's token balance lookups.
type chainScript struct {
	mu              sync.Mutex
	mintAuthority   string
	freezeAuthority string
	mintErr         bool
	sourceRaw       string // "" means no token accounts
	sourceDec       uint8
	sourceErr       bool
}

func (s *chainScript) setAuthorities(mintAuth, freezeAuth string) {
	s.mu.Lock()
	s.mintAuthority, s.freezeAuthority = mintAuth, freezeAuth
	s.mu.Unlock()
}

func (s *chainScript) setMintErr(v bool) {
	s.mu.Lock()
	s.mintErr = v
	s.mu.Unlock()
}

func (s *chainScript) setSource(raw string, fail bool) {
	s.mu.Lock()
	s.sourceRaw, s.sourceErr, s.sourceDec = raw, fail, 6
	s.mu.Unlock()
}

func (s *chainScript) setSourceWithDecimals(raw string, dec uint8) {
	s.mu.Lock()
	s.sourceRaw, s.sourceErr, s.sourceDec = raw, false, dec
	s.mu.Unlock()
}

func fakeChainRPC(t *testing.T, s *chainScript) *blockchain.RPCClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "getAccountInfo":
			if s.mintErr {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32005,"message":"node is behind"}}`, req.ID)
				return
			}
			mintAuth, freezeAuth := "null", "null"
			if s.mintAuthority != "" {
				mintAuth = `"` + s.mintAuthority + `"`
			}
			if s.freezeAuthority != "" {
				freezeAuth = `"` + s.freezeAuthority + `"`
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"value":{"data":{"parsed":{"type":"mint","info":{"decimals":6,"supply":"1000000000000","mintAuthority":%s,"freezeAuthority":%s}}}}}}`,
				req.ID, mintAuth, freezeAuth)
		case "getTokenAccountsByOwner":
			if s.sourceErr {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32005,"message":"node is behind"}}`, req.ID)
				return
			}
			if s.sourceRaw == "" {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"value":[]}}`, req.ID)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"value":[{"pubkey":"srcAta","account":{"data":{"parsed":{"info":{"mint":"%s","tokenAmount":{"amount":"%s","decimals":%d}}}}}}]}}`,
				req.ID, testMint, s.sourceRaw, s.sourceDec)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":null}`, req.ID)
		}
	}))
	t.Cleanup(srv.Close)
	return blockchain.NewRPCClient(srv.URL, srv.URL, "")
}

type engineHarness struct {
	*Engine
	db     *storage.DB
	brk    *breaker.Breaker
	quotes *quoteScript
	chain  *chainScript
}

func newHarness(t *testing.T, extra string) *engineHarness {
	t.Helper()
	cfg := testManager(t, extra)
	db := testDB(t)
	quotes := &quoteScript{out: "500000000", impact: "0.001"}
	chain := &chainScript{}
	brk := breaker.New(cfg)

	e := New(cfg, db, fakeChainRPC(t, chain), fakeQuoteServer(t, quotes), brk, fixedBalance(10_000_000_000))
	e.quoteRetryWait = 5 * time.Millisecond
	e.sentPollStep = 5 * time.Millisecond
	return &engineHarness{Engine: e, db: db, brk: brk, quotes: quotes, chain: chain}
}

// sourceBuy is the source spending 1 SOL on 5000 tokens unless
// overridden, so the default copy sizing lands on 0.1 SOL.
func sourceBuy(baseLamports uint64, raw int64) *parser.Swap {
	return &parser.Swap{
		Signature:      "src-buy-sig",
		Direction:      parser.DirectionBuy,
		Mint:           testMint,
		Decimals:       6,
		BaseLamports:   baseLamports,
		RawTokenAmount: big.NewInt(raw),
		BlockTime:      time.Now().Unix(),
	}
}

func sourceSell(raw int64) *parser.Swap {
	return &parser.Swap{
		Signature:      "src-sell-sig",
		Direction:      parser.DirectionSell,
		Mint:           testMint,
		Decimals:       6,
		BaseLamports:   1_000_000_000,
		RawTokenAmount: big.NewInt(raw),
		BlockTime:      time.Now().Unix(),
	}
}

func expectReject(t *testing.T, d *Decision, reason string) {
	t.Helper()
	if d.Action != ActionReject {
		t.Fatalf("action = %s, want REJECT %s", d.Action, reason)
	}
	if d.Reason != reason {
		t.Fatalf("reason = %s (%s), want %s", d.Reason, d.Detail, reason)
	}
	if d.Plan != nil {
		t.Error("reject decision carries a plan")
	}
}

func expectExecute(t *testing.T, d *Decision) *trading.TradePlan {
	t.Helper()
	if d.Action != ActionExecute {
		t.Fatalf("action = %s, reason %s (%s), want EXECUTE", d.Action, d.Reason, d.Detail)
	}
	if d.Plan == nil {
		t.Fatal("EXECUTE decision without a plan")
	}
	return d.Plan
}

func TestBuyExecuteBuildsPlan(t *testing.T) {
	h := newHarness(t, "")

	d := h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000))
	plan := expectExecute(t, d)

	if plan.Direction != parser.DirectionBuy {
		t.Errorf("direction = %s", plan.Direction)
	}
	if plan.SpendLamports != 100_000_000 {
		t.Errorf("spend = %d, want 100000000 (0.1 copy ratio)", plan.SpendLamports)
	}
	if !plan.NewPosition {
		t.Error("first buy should open a new position")
	}
	if plan.Fee.RentLamports != trading.ATARentLamports {
		t.Errorf("new position fee misses ATA rent: %d", plan.Fee.RentLamports)
	}
	if plan.Quote == nil || plan.Quote.OutAmount != "500000000" {
		t.Errorf("plan quote = %+v", plan.Quote)
	}
	if d.DriftPct == nil {
		t.Fatal("drift not measured")
	}
	if *d.DriftPct > 0.01 || *d.DriftPct < -0.01 {
		t.Errorf("drift = %.4f%%, want ~0 for matching prices", *d.DriftPct)
	}

	_, in, out, amt := h.quotes.snapshot()
	if in != blockchain.WSOLMint || out != testMint || amt != "100000000" {
		t.Errorf("quote request = %s -> %s amount %s", in, out, amt)
	}
}

func TestBuySizingCapsAtMaxPerTrade(t *testing.T) {
	h := newHarness(t, "")
	h.quotes.set("2500000000", "0.001")

	// 10 SOL at ratio 0.1 sizes to 1 SOL, above the 0.5 per-trade cap.
	d := h.Evaluate(context.Background(), sourceBuy(10_000_000_000, 50_000_000_000))
	plan := expectExecute(t, d)
	if plan.SpendLamports != 500_000_000 {
		t.Errorf("spend = %d, want 500000000", plan.SpendLamports)
	}
}

func TestBuyRejectedWhilePaused(t *testing.T) {
	h := newHarness(t, "trading:\n  pause_trading: true\n")
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonPaused)
}

func TestSellRejectedWhilePaused(t *testing.T) {
	h := newHarness(t, "trading:\n  pause_trading: true\n")
	expectReject(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)), ReasonPaused)
}

func TestRejectedWhileBreakerOpen(t *testing.T) {
	h := newHarness(t, "")
	for i := 0; i < 3; i++ {
		h.brk.Record(breaker.OutcomeFailed, 100)
	}
	if !h.brk.IsOpen() {
		t.Fatal("breaker should be open after three straight failures")
	}

	d := h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000))
	expectReject(t, d, ReasonCircuitBreaker)
	if d.Detail == "" {
		t.Error("breaker reject should carry the trip reason")
	}
}

func TestUnsafeParseBlockedByDefault(t *testing.T) {
	h := newHarness(t, "")
	sw := sourceBuy(1_000_000_000, 5_000_000_000)
	sw.UnsafeParse = true
	expectReject(t, h.Evaluate(context.Background(), sw), ReasonUnsafeParse)
}

func TestUnsafeParseAllowedWhenOptedIn(t *testing.T) {
	h := newHarness(t, "trading:\n  allow_unsafe_parse_trades: true\n")
	sw := sourceBuy(1_000_000_000, 5_000_000_000)
	sw.UnsafeParse = true
	expectExecute(t, h.Evaluate(context.Background(), sw))
}

func TestUnsafeParseSellStillExits(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(9_000_000_000), 6, 500_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	h.chain.setSource("", false)

	// Guessed decimals never block an exit. The sizing fallback goes
	// to a full exit anyway, so the worst case is leaving early.
	sw := sourceSell(5_000_000_000)
	sw.UnsafeParse = true
	plan := expectExecute(t, h.Evaluate(context.Background(), sw))
	if want := big.NewInt(9_000_000_000); plan.SellRaw.Cmp(want) != 0 {
		t.Errorf("sell raw = %s, want full exit %s", plan.SellRaw, want)
	}
}

func TestBuyMaxPositionsBlocksNewMintsOnly(t *testing.T) {
	h := newHarness(t, "trading:\n  max_open_positions: 1\n")
	if err := h.db.UpsertConfirmedBuy(otherMint, big.NewInt(1_000_000_000), 6, 500_000_000, "seed-sig"); err != nil {
		t.Fatal(err)
	}

	// A new mint has nowhere to go.
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonMaxPositions)

	// Adding to the held mint is still allowed.
	addon := sourceBuy(1_000_000_000, 5_000_000_000)
	addon.Mint = otherMint
	plan := expectExecute(t, h.Evaluate(context.Background(), addon))
	if plan.NewPosition {
		t.Error("add-on buy flagged as new position")
	}
	if plan.Fee.RentLamports != 0 {
		t.Errorf("add-on buy should not budget ATA rent, got %d", plan.Fee.RentLamports)
	}
}

func TestBuyBelowMinTrade(t *testing.T) {
	h := newHarness(t, "")
	// 0.05 SOL at ratio 0.1 sizes to 0.005 SOL, under the 0.01 floor.
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(50_000_000, 250_000_000)), ReasonBelowMinTrade)
}

func TestBuyBudgetExhausted(t *testing.T) {
	h := newHarness(t, "trading:\n  max_sol_per_day: 0.5\n")
	day := storage.DayKey(time.Now())
	if err := h.db.AddDailySpend(day, 500_000_000); err != nil {
		t.Fatal(err)
	}
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonBudgetExhausted)
}

func TestBuyBudgetClampsSpendToRemainder(t *testing.T) {
	h := newHarness(t, "trading:\n  max_sol_per_day: 0.5\n")
	day := storage.DayKey(time.Now())
	if err := h.db.AddDailySpend(day, 450_000_000); err != nil {
		t.Fatal(err)
	}

	// Sized 0.1 SOL but only 0.05 remains today.
	plan := expectExecute(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)))
	if plan.SpendLamports != 50_000_000 {
		t.Errorf("spend = %d, want clamped 50000000", plan.SpendLamports)
	}
}

func TestBuyBudgetRemainderUnderFloor(t *testing.T) {
	h := newHarness(t, "trading:\n  max_sol_per_day: 0.5\n")
	day := storage.DayKey(time.Now())
	if err := h.db.AddDailySpend(day, 495_000_000); err != nil {
		t.Fatal(err)
	}
	// 0.005 SOL left is below the trade floor: done for the day.
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonBudgetExhausted)
}

func TestBuyCooldownActive(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.SetLastBuy(testMint, time.Now()); err != nil {
		t.Fatal(err)
	}
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonCooldownActive)
}

func TestBuyCooldownExpired(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.SetLastBuy(testMint, time.Now().Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	expectExecute(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)))
}

func TestBuyFeeOverhead(t *testing.T) {
	// 0.01 SOL priority fee on a 0.1 SOL spend is ~12% overhead with
	// rent, far above the adaptive 2% ceiling for that size.
	h := newHarness(t, "fees:\n  priority_fee_lamports: 10000000\n")
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonFeeOverhead)
}

func TestBuyInsufficientBalance(t *testing.T) {
	h := newHarness(t, "")
	// Spend needs 0.1 SOL plus fees plus the 0.01 reserve.
	h.Engine.balance = fixedBalance(100_000_000)
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonInsufficientBalance)
}

func TestBuyBlockedOnMintAuthority(t *testing.T) {
	h := newHarness(t, "")
	h.chain.setAuthorities("Auth111111111111111111111111111111111111111", "")
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonTokenMintAuthority)
}

func TestBuyBlockedOnFreezeAuthority(t *testing.T) {
	h := newHarness(t, "")
	h.chain.setAuthorities("", "Auth111111111111111111111111111111111111111")
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonTokenFreezeAuthority)
}

func TestBuyBlockedWhenMintUnreadable(t *testing.T) {
	h := newHarness(t, "")
	h.chain.setMintErr(true)
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonTokenSafetyUnknown)
}

func TestBuySafetyChecksCanBeDisabled(t *testing.T) {
	h := newHarness(t, "safety:\n  block_if_mint_authority: false\n  block_if_freeze_authority: false\n")
	h.chain.setAuthorities("Auth111111111111111111111111111111111111111", "")
	expectExecute(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)))
}

func TestBuyQuoteRetriesOnce(t *testing.T) {
	h := newHarness(t, "")
	h.quotes.failNext(1)

	expectExecute(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)))
	calls, _, _, _ := h.quotes.snapshot()
	if calls != 2 {
		t.Errorf("quote calls = %d, want 2 (one retry)", calls)
	}
}

func TestBuyUnroutableAfterRetry(t *testing.T) {
	h := newHarness(t, "")
	h.quotes.failNext(5)

	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonUnroutableToken)
	calls, _, _, _ := h.quotes.snapshot()
	if calls != 2 {
		t.Errorf("quote calls = %d, want exactly 2", calls)
	}
}

func TestBuyPriceImpactTooHigh(t *testing.T) {
	h := newHarness(t, "")
	h.quotes.set("500000000", "8.0") // 800 bps against the 500 cap
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonPriceImpact)
}

func TestBuyPriceDriftGuard(t *testing.T) {
	h := newHarness(t, "trading:\n  max_price_drift_pct: 5.0\n")

	// 400 tokens for 0.1 SOL is 25% above the source's fill price.
	h.quotes.set("400000000", "0.001")
	d := h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000))
	expectReject(t, d, ReasonPriceDrift)
	if d.DriftPct == nil || *d.DriftPct < 24 || *d.DriftPct > 26 {
		t.Errorf("drift = %v, want ~25", d.DriftPct)
	}
}

func TestBuyFavorableDriftPasses(t *testing.T) {
	h := newHarness(t, "trading:\n  max_price_drift_pct: 5.0\n")

	// 600 tokens for 0.1 SOL: the token got cheaper, never a reason to
	// skip the copy.
	h.quotes.set("600000000", "0.001")
	d := h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000))
	expectExecute(t, d)
	if d.DriftPct == nil || *d.DriftPct >= 0 {
		t.Errorf("drift = %v, want negative", d.DriftPct)
	}
}

func TestBuyDriftGuardSkippedForUnsafeParse(t *testing.T) {
	h := newHarness(t, `trading:
  allow_unsafe_parse_trades: true
  disable_drift_guard_on_unsafe_parse: true
  max_price_drift_pct: 5.0
`)
	h.quotes.set("400000000", "0.001")
	sw := sourceBuy(1_000_000_000, 5_000_000_000)
	sw.UnsafeParse = true
	expectExecute(t, h.Evaluate(context.Background(), sw))
}

func TestSellWithoutPosition(t *testing.T) {
	h := newHarness(t, "")
	expectReject(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)), ReasonNoPosition)
}

func TestSellProportionalSizing(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(9_000_000_000), 6, 500_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	// Source sold 5e9 and still holds 10e9: a third of their stack.
	h.chain.setSource("10000000000", false)

	plan := expectExecute(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)))
	if plan.Direction != parser.DirectionSell {
		t.Errorf("direction = %s", plan.Direction)
	}
	if want := big.NewInt(3_000_000_000); plan.SellRaw.Cmp(want) != 0 {
		t.Errorf("sell raw = %s, want %s", plan.SellRaw, want)
	}

	_, in, out, amt := h.quotes.snapshot()
	if in != testMint || out != blockchain.WSOLMint || amt != "3000000000" {
		t.Errorf("quote request = %s -> %s amount %s", in, out, amt)
	}
}

func TestSellFullExitWhenSourceEmptied(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(9_000_000_000), 6, 500_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	h.chain.setSource("", false) // no token accounts left

	plan := expectExecute(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)))
	if want := big.NewInt(9_000_000_000); plan.SellRaw.Cmp(want) != 0 {
		t.Errorf("sell raw = %s, want full exit %s", plan.SellRaw, want)
	}
}

func TestSellFullExitWhenSourceBalanceUnavailable(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(9_000_000_000), 6, 500_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	h.chain.setSource("", true)

	plan := expectExecute(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)))
	if want := big.NewInt(9_000_000_000); plan.SellRaw.Cmp(want) != 0 {
		t.Errorf("sell raw = %s, want full exit %s", plan.SellRaw, want)
	}
}

func TestSellTooSmall(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(1), 6, 500_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	h.chain.setSource("1000000000000", false)

	expectReject(t, h.Evaluate(context.Background(), sourceSell(1)), ReasonSellTooSmall)
}

func TestSellWaitsForPendingBuyToConfirm(t *testing.T) {
	h := newHarness(t, "trading:\n  sell_on_sent_timeout_seconds: 2\n")
	if err := h.db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 100_000_000, "pending-sig"); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.db.ConfirmBuy(testMint, nil)
	}()

	plan := expectExecute(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)))
	if want := big.NewInt(5_000_000_000); plan.SellRaw.Cmp(want) != 0 {
		t.Errorf("sell raw = %s, want %s after confirm", plan.SellRaw, want)
	}
}

func TestSellTimesOutOnUnconfirmedBuy(t *testing.T) {
	h := newHarness(t, "trading:\n  sell_on_sent_timeout_seconds: 1\n")
	if err := h.db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 100_000_000, "pending-sig"); err != nil {
		t.Fatal(err)
	}
	expectReject(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)), ReasonPositionNotConfirmed)
}

func TestSellSeesPendingBuyFailure(t *testing.T) {
	h := newHarness(t, "trading:\n  sell_on_sent_timeout_seconds: 2\n")
	if err := h.db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 100_000_000, "pending-sig"); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.db.FailBuy(testMint, 100_000_000)
	}()

	expectReject(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)), ReasonNoPosition)
}

func TestSellOnSentUsesConfirmedPartWithoutWaiting(t *testing.T) {
	// A long timeout that must never be consulted when opted in.
	h := newHarness(t, `trading:
  allow_sell_on_sent_position: true
  sell_on_sent_timeout_seconds: 30
`)
	// Confirmed 4e9, then another buy in flight.
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(4_000_000_000), 6, 400_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	if err := h.db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 100_000_000, "pending-sig"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	plan := expectExecute(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)))
	if time.Since(start) > 5*time.Second {
		t.Error("opted-in sell must not wait for the pending buy")
	}
	if want := big.NewInt(4_000_000_000); plan.SellRaw.Cmp(want) != 0 {
		t.Errorf("sell raw = %s, want confirmed part %s", plan.SellRaw, want)
	}
}

func TestSellOnSentNothingConfirmed(t *testing.T) {
	h := newHarness(t, "trading:\n  allow_sell_on_sent_position: true\n")
	if err := h.db.MarkBuySent(testMint, big.NewInt(5_000_000_000), 6, 100_000_000, "pending-sig"); err != nil {
		t.Fatal(err)
	}
	expectReject(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)), ReasonPositionNotConfirmed)
}

func TestSellRescalesGuessedDecimals(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(9_000_000_000), 6, 500_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	// Reconstruction guessed 6 decimals, the chain says 9. The source
	// sold 5.0 tokens of a stack still holding 10.0, so a third of ours
	// goes regardless of the scale mismatch.
	h.chain.setSourceWithDecimals("10000000000", 9)

	sw := sourceSell(5_000_000)
	sw.UnsafeParse = true
	plan := expectExecute(t, h.Evaluate(context.Background(), sw))
	if want := big.NewInt(3_000_000_000); plan.SellRaw.Cmp(want) != 0 {
		t.Errorf("sell raw = %s, want %s", plan.SellRaw, want)
	}
}

func TestSellHighImpactStillExecutes(t *testing.T) {
	h := newHarness(t, "")
	if err := h.db.UpsertConfirmedBuy(testMint, big.NewInt(9_000_000_000), 6, 500_000_000, "buy-sig"); err != nil {
		t.Fatal(err)
	}
	h.quotes.set("500000000", "20.0") // 2000 bps, way past the buy cap

	expectExecute(t, h.Evaluate(context.Background(), sourceSell(5_000_000_000)))
}

func TestUnknownDirection(t *testing.T) {
	h := newHarness(t, "")
	sw := sourceBuy(1_000_000_000, 5_000_000_000)
	sw.Direction = "HOLD"
	expectReject(t, h.Evaluate(context.Background(), sw), ReasonInternalError)
}

func TestStorageFailureRejectsSafely(t *testing.T) {
	h := newHarness(t, "")
	h.db.Close()
	expectReject(t, h.Evaluate(context.Background(), sourceBuy(1_000_000_000, 5_000_000_000)), ReasonInternalError)
}
