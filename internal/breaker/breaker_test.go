package breaker

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"solana-copy-bot/internal/config"
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

func TestTripsOnFailRate(t *testing.T) {
	b := New(testManager(t, ""))

	// Default threshold is 30% over a 10 minute window with at least
	// 3 terminal samples. Four straight failures must open it.
	for i := 0; i < 4; i++ {
		b.Record(OutcomeFailed, 800)
	}

	if !b.IsOpen() {
		t.Fatal("breaker should be open after 4 consecutive failures")
	}
	st := b.State()
	if !strings.Contains(st.Reason, "fail rate") {
		t.Errorf("reason = %q, want fail rate trip", st.Reason)
	}
}

func TestNoTripBelowMinimumSamples(t *testing.T) {
	b := New(testManager(t, ""))

	b.Record(OutcomeFailed, 500)
	b.Record(OutcomeFailed, 500)

	if b.IsOpen() {
		t.Fatal("two samples must not trip the fail-rate condition")
	}
}

func TestRejectsDoNotTrip(t *testing.T) {
	b := New(testManager(t, ""))

	for i := 0; i < 20; i++ {
		b.Record(OutcomeRejected, 10)
	}
	if b.IsOpen() {
		t.Fatal("plain rejects must never open the breaker")
	}
}

func TestNoPositionSpike(t *testing.T) {
	b := New(testManager(t, `breaker:
  no_position_spike: 3
`))

	b.Record(OutcomeNoPosition, 10)
	b.Record(OutcomeNoPosition, 10)
	if b.IsOpen() {
		t.Fatal("spike threshold not reached yet")
	}
	b.Record(OutcomeNoPosition, 10)

	if !b.IsOpen() {
		t.Fatal("3 NO_POSITION rejects should open the breaker")
	}
	if !strings.Contains(b.State().Reason, "desync") {
		t.Errorf("reason = %q, want desync trip", b.State().Reason)
	}
}

func TestLatencyP99(t *testing.T) {
	b := New(testManager(t, `breaker:
  latency_p99_ms: 1000
`))

	// Needs at least 5 successful copies before latency is judged.
	for i := 0; i < 4; i++ {
		b.Record(OutcomeCopied, 2000)
	}
	if b.IsOpen() {
		t.Fatal("latency condition needs 5 samples")
	}
	b.Record(OutcomeCopied, 2000)

	if !b.IsOpen() {
		t.Fatal("p99 of 2000ms over a 1000ms threshold should trip")
	}
	if !strings.Contains(b.State().Reason, "p99") {
		t.Errorf("reason = %q, want latency trip", b.State().Reason)
	}
}

func TestOpenIsMonotonicUntilReset(t *testing.T) {
	b := New(testManager(t, ""))

	for i := 0; i < 4; i++ {
		b.Record(OutcomeFailed, 100)
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	// Later successes never close it on their own.
	for i := 0; i < 10; i++ {
		b.Record(OutcomeCopied, 100)
	}
	if !b.IsOpen() {
		t.Fatal("successes while open must not close the breaker")
	}

	b.Reset()
	if b.IsOpen() {
		t.Fatal("manual reset should close the breaker")
	}

	// Reset drops the window: one fresh failure is below the sample
	// minimum and must not re-trip instantly.
	b.Record(OutcomeFailed, 100)
	if b.IsOpen() {
		t.Fatal("stale samples re-tripped after reset")
	}
}

func TestAutoReset(t *testing.T) {
	b := New(testManager(t, `breaker:
  auto_reset_minutes: 1
`))

	for i := 0; i < 4; i++ {
		b.Record(OutcomeFailed, 100)
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	b.mu.Lock()
	b.openedAt = time.Now().Add(-2 * time.Minute)
	b.mu.Unlock()

	if b.IsOpen() {
		t.Fatal("auto-reset window elapsed, breaker should close")
	}
}

func TestOnOpenFiresOnce(t *testing.T) {
	b := New(testManager(t, ""))

	var fired atomic.Int32
	b.SetOnOpen(func(string) { fired.Add(1) })

	for i := 0; i < 8; i++ {
		b.Record(OutcomeFailed, 100)
	}

	if got := fired.Load(); got != 1 {
		t.Fatalf("onOpen fired %d times, want 1", got)
	}
}

func TestPercentile(t *testing.T) {
	vals := []int64{100, 900, 300, 500, 700}
	if p := percentile(vals, 99); p != 900 {
		t.Errorf("p99 = %d, want 900", p)
	}
	if p := percentile(vals, 50); p != 500 {
		t.Errorf("p50 = %d, want 500", p)
	}
	if p := percentile(nil, 99); p != 0 {
		t.Errorf("empty percentile = %d, want 0", p)
	}
}
