package pipeline

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"solana-copy-bot/internal/breaker"
	"solana-copy-bot/internal/config"
	"solana-copy-bot/internal/notify"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/risk"
	"solana-copy-bot/internal/storage"
	"solana-copy-bot/internal/trading"
)

const (
	mintA = "7dHbWXmci3dT8UFYWYZweBLXgycu7Y3iL6trKn1Y7ARj"
	mintB = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
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

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(text string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// scriptedDecider replaces the risk engine with a function.
type scriptedDecider struct {
	mu     sync.Mutex
	decide func(sw *parser.Swap) *risk.Decision
}

func (d *scriptedDecider) set(fn func(sw *parser.Swap) *risk.Decision) {
	d.mu.Lock()
	d.decide = fn
	d.mu.Unlock()
}

func (d *scriptedDecider) Evaluate(_ context.Context, sw *parser.Swap) *risk.Decision {
	d.mu.Lock()
	fn := d.decide
	d.mu.Unlock()
	return fn(sw)
}

func executeDecision(sw *parser.Swap) *risk.Decision {
	return &risk.Decision{
		Action: risk.ActionExecute,
		Plan: &trading.TradePlan{
			Direction:       sw.Direction,
			Mint:            sw.Mint,
			Decimals:        sw.Decimals,
			SourceSignature: sw.Signature,
			SpendLamports:   100_000_000,
		},
	}
}

func rejectDecision(reason string) func(sw *parser.Swap) *risk.Decision {
	return func(*parser.Swap) *risk.Decision {
		return &risk.Decision{Action: risk.ActionReject, Reason: reason, Detail: "scripted"}
	}
}

// fakeExec records plans in execution order.
type fakeExec struct {
	mu    sync.Mutex
	delay time.Duration
	fail  bool
	plans []*trading.TradePlan
}

func (f *fakeExec) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeExec) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeExec) Execute(_ context.Context, plan *trading.TradePlan) *trading.Result {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	delay, fail := f.delay, f.fail
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return &trading.Result{Status: trading.StatusFailed, Reason: "send failed"}
	}
	return &trading.Result{
		Status:        trading.StatusCopied,
		Signature:     "exec-" + plan.SourceSignature,
		SpentLamports: plan.SpendLamports,
	}
}

func (f *fakeExec) Mode() string { return "fake" }

func (f *fakeExec) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	sigs := make([]string, len(f.plans))
	for i, p := range f.plans {
		sigs[i] = p.SourceSignature
	}
	return sigs
}

type pipeHarness struct {
	*Pipeline
	db   *storage.DB
	dec  *scriptedDecider
	exec *fakeExec
	rec  *recorder
	brk  *breaker.Breaker
}

func newHarness(t *testing.T) *pipeHarness {
	t.Helper()
	db := testDB(t)
	dec := &scriptedDecider{decide: executeDecision}
	exec := &fakeExec{}
	brk := breaker.New(testManager(t, ""))
	rec := &recorder{}

	pl := New(db, dec, exec, brk, notify.NewThrottle(rec, time.Minute))
	pl.sellStep = 5 * time.Millisecond
	pl.sellMax = 250 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	pl.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pl.Wait()
	})
	return &pipeHarness{Pipeline: pl, db: db, dec: dec, exec: exec, rec: rec, brk: brk}
}

func buySwap(sig, mint string) *parser.Swap {
	return &parser.Swap{
		Signature:      sig,
		Direction:      parser.DirectionBuy,
		Mint:           mint,
		Decimals:       6,
		BaseLamports:   1_000_000_000,
		RawTokenAmount: big.NewInt(5_000_000_000),
		BlockTime:      time.Now().Unix(),
	}
}

func sellSwap(sig, mint string) *parser.Swap {
	sw := buySwap(sig, mint)
	sw.Direction = parser.DirectionSell
	return sw
}

func (h *pipeHarness) eventFor(t *testing.T, sig string) *storage.PipelineEvent {
	t.Helper()
	events, err := h.db.RecentPipelineEvents(50)
	if err != nil {
		t.Fatalf("RecentPipelineEvents: %v", err)
	}
	for _, e := range events {
		if e.Signature == sig {
			return e
		}
	}
	return nil
}

func TestDuplicateSignatureExecutedOnce(t *testing.T) {
	h := newHarness(t)

	h.Submit(buySwap("dup-sig", mintA), "webhook")
	h.Submit(buySwap("dup-sig", mintA), "poll")

	waitFor(t, time.Second, func() bool { return len(h.exec.executed()) >= 1 })
	time.Sleep(100 * time.Millisecond) // let the duplicate drain through the worker

	if got := h.exec.executed(); len(got) != 1 {
		t.Fatalf("executed %d times, want 1: %v", len(got), got)
	}
	if ok, _ := h.db.HasProcessed("dup-sig"); !ok {
		t.Error("signature missing from the processed ledger")
	}
	events, _ := h.db.RecentPipelineEvents(10)
	if len(events) != 1 {
		t.Errorf("recorded %d pipeline events, want 1 (duplicates are silent)", len(events))
	}
	if h.Pending().Has(mintA) {
		t.Error("pending flag survived both submissions")
	}
}

func TestSubmissionsProcessedInOrder(t *testing.T) {
	h := newHarness(t)
	h.exec.setDelay(10 * time.Millisecond)

	want := []string{"sig-0", "sig-1", "sig-2", "sig-3", "sig-4"}
	mints := []string{mintA, mintB, mintA, mintB, mintA}
	for i, sig := range want {
		h.Submit(buySwap(sig, mints[i]), "webhook")
	}

	waitFor(t, 2*time.Second, func() bool { return len(h.exec.executed()) == len(want) })
	got := h.exec.executed()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order %v, want %v", got, want)
		}
	}
}

func TestSellBuffersBehindPendingBuy(t *testing.T) {
	h := newHarness(t)
	h.exec.setDelay(100 * time.Millisecond) // buy occupies the worker

	h.Submit(buySwap("buy-sig", mintA), "webhook")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Submit(sellSwap("sell-sig", mintA), "subscription")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sell submit did not return")
	}

	waitFor(t, 2*time.Second, func() bool { return len(h.exec.executed()) == 2 })
	got := h.exec.executed()
	if got[0] != "buy-sig" || got[1] != "sell-sig" {
		t.Fatalf("execution order %v, want buy before sell", got)
	}

	waitFor(t, time.Second, func() bool { return h.eventFor(t, "sell-sig") != nil })
	if e := h.eventFor(t, "sell-sig"); e.SellBufferMs < 50 {
		t.Errorf("sell buffer = %dms, expected to wait for the pending buy", e.SellBufferMs)
	}
	if h.Pending().Has(mintA) {
		t.Error("pending flag not cleared after buy")
	}
}

func TestSellSkipsBufferWhenPositionHeld(t *testing.T) {
	h := newHarness(t)
	if err := h.db.UpsertConfirmedBuy(mintA, big.NewInt(5_000_000_000), 6, 500_000_000, "seed-sig"); err != nil {
		t.Fatal(err)
	}
	h.Pending().Add(mintA) // an add-on buy still in flight

	start := time.Now()
	h.Submit(sellSwap("sell-sig", mintA), "webhook")
	if waited := time.Since(start); waited > 100*time.Millisecond {
		t.Errorf("submit blocked %v despite held position", waited)
	}

	waitFor(t, time.Second, func() bool { return h.eventFor(t, "sell-sig") != nil })
	if e := h.eventFor(t, "sell-sig"); e.SellBufferMs > 50 {
		t.Errorf("sell buffer = %dms, want immediate pass-through", e.SellBufferMs)
	}
}

func TestSellBufferGivesUpAfterMax(t *testing.T) {
	h := newHarness(t)
	h.Pending().Add(mintA) // buy that never completes

	start := time.Now()
	h.Submit(sellSwap("sell-sig", mintA), "webhook")
	waited := time.Since(start)
	if waited < 200*time.Millisecond {
		t.Errorf("submit returned after %v, want ~250ms buffer", waited)
	}

	waitFor(t, time.Second, func() bool { return h.eventFor(t, "sell-sig") != nil })
	if e := h.eventFor(t, "sell-sig"); e.SellBufferMs < 200 {
		t.Errorf("sell buffer = %dms, want the full wait recorded", e.SellBufferMs)
	}
}

func TestNoPositionSpikesOpenBreaker(t *testing.T) {
	h := newHarness(t)
	h.dec.set(rejectDecision(risk.ReasonNoPosition))

	sigs := []string{"s0", "s1", "s2", "s3", "s4"}
	for _, sig := range sigs {
		h.Submit(sellSwap(sig, mintB), "poll")
	}

	waitFor(t, 2*time.Second, func() bool { return h.brk.IsOpen() })

	since := time.Now().Add(-time.Minute)
	n, err := h.db.RejectReasonCount(risk.ReasonNoPosition, since)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(sigs) {
		t.Errorf("NO_POSITION rejects recorded = %d, want %d", n, len(sigs))
	}
}

func TestRejectNotificationsCollapse(t *testing.T) {
	h := newHarness(t)
	h.dec.set(rejectDecision(risk.ReasonPaused))

	h.Submit(buySwap("r0", mintA), "webhook")
	h.Submit(buySwap("r1", mintB), "webhook")
	h.Submit(buySwap("r2", mintA), "webhook")

	waitFor(t, 2*time.Second, func() bool { return h.eventFor(t, "r2") != nil })
	if got := h.rec.count(); got != 1 {
		t.Errorf("notifications = %d, want 1 (same reason throttled)", got)
	}
}

func TestFailedExecutionRecorded(t *testing.T) {
	h := newHarness(t)
	h.exec.setFail(true)

	h.Submit(buySwap("fail-sig", mintA), "webhook")

	waitFor(t, time.Second, func() bool { return h.eventFor(t, "fail-sig") != nil })
	e := h.eventFor(t, "fail-sig")
	if e.Outcome != storage.OutcomeFailed {
		t.Errorf("outcome = %s, want FAILED", e.Outcome)
	}
	if e.RejectReason != "send failed" {
		t.Errorf("reason = %q", e.RejectReason)
	}
	if h.rec.count() != 1 {
		t.Errorf("notifications = %d, want 1", h.rec.count())
	}

	// One failure is below the breaker's minimum sample count.
	if h.brk.IsOpen() {
		t.Error("breaker opened on a single failure")
	}
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	h := newHarness(t)
	h.dec.set(func(*parser.Swap) *risk.Decision {
		panic("scripted decider blowup")
	})

	h.Submit(buySwap("boom-sig", mintA), "webhook")
	waitFor(t, 2*time.Second, func() bool { return h.rec.count() >= 1 })

	if h.Pending().Has(mintA) {
		t.Error("pending flag survived the panic")
	}

	h.dec.set(executeDecision)
	h.Submit(buySwap("after-sig", mintB), "webhook")
	waitFor(t, 2*time.Second, func() bool { return len(h.exec.executed()) == 1 })
	if got := h.exec.executed(); got[0] != "after-sig" {
		t.Fatalf("executed %v, want only the post-panic job", got)
	}
}

func TestSourceTradeRecorded(t *testing.T) {
	h := newHarness(t)
	h.dec.set(rejectDecision(risk.ReasonPaused))

	h.Submit(buySwap("src-sig", mintA), "webhook-fallback")

	waitFor(t, time.Second, func() bool { return h.eventFor(t, "src-sig") != nil })
	e := h.eventFor(t, "src-sig")
	if e.Source != "webhook-fallback" {
		t.Errorf("source = %s", e.Source)
	}
	if e.Outcome != storage.OutcomeRejected || e.RejectReason != risk.ReasonPaused {
		t.Errorf("outcome = %s/%s", e.Outcome, e.RejectReason)
	}
}
