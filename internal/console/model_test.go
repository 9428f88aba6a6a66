package console

import (
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"solana-copy-bot/internal/storage"
)

const testMint = "7dHbWXmci3dT8UFYWYZweBLXgycu7Y3iL6trKn1Y7ARj"

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "console.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func press(t *testing.T, m Model, runes string) Model {
	t.Helper()
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(runes)})
	out, ok := updated.(Model)
	if !ok {
		t.Fatal("Model type assertion failed")
	}
	return out
}

func TestTabKeysSwitchAndResetScroll(t *testing.T) {
	m := New(nil, "test.db")
	m.offset = 7

	m = press(t, m, "2")
	if m.tab != TabActivity {
		t.Errorf("expected activity tab, got %v", m.tab)
	}
	if m.offset != 0 {
		t.Errorf("expected scroll reset, got offset %d", m.offset)
	}

	m = press(t, m, "4")
	if m.tab != TabComparisons {
		t.Errorf("expected comparisons tab, got %v", m.tab)
	}
}

func TestScrollStopsAtEnds(t *testing.T) {
	m := New(nil, "test.db")
	m.tab = TabActivity
	m.data = snapshot{events: []*storage.PipelineEvent{
		{Signature: "a"}, {Signature: "b"}, {Signature: "c"},
	}}

	for i := 0; i < 10; i++ {
		m = press(t, m, "j")
	}
	if m.offset != 2 {
		t.Errorf("expected offset pinned to last row, got %d", m.offset)
	}

	for i := 0; i < 10; i++ {
		m = press(t, m, "k")
	}
	if m.offset != 0 {
		t.Errorf("expected offset back at top, got %d", m.offset)
	}
}

func TestViewShowsSeededData(t *testing.T) {
	db := testDB(t)
	if err := db.InitVirtualWallet(2_000_000_000); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConfirmedBuy(testMint, big.NewInt(5_000_000_000), 6, 1_000_000_000, "sig-1"); err != nil {
		t.Fatal(err)
	}
	err := db.RecordPipelineEvent(&storage.PipelineEvent{
		Signature: "sig-1",
		Direction: "BUY",
		Mint:      testMint,
		Source:    "webhook",
		Outcome:   storage.OutcomeCopied,
		TotalMs:   42,
	})
	if err != nil {
		t.Fatal(err)
	}

	m := New(db, "test.db")
	msg := m.refresh()
	d, ok := msg.(snapshot)
	if !ok {
		t.Fatal("refresh did not return a snapshot")
	}
	if d.err != nil {
		t.Fatalf("snapshot error: %v", d.err)
	}
	if len(d.positions) != 1 || d.copied != 1 {
		t.Fatalf("expected 1 position and 1 copy, got %d / %d", len(d.positions), d.copied)
	}

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = updated.(Model)
	updated, _ = m.Update(d)
	m = updated.(Model)

	view := m.View()
	if !strings.Contains(view, "OPEN POSITIONS (1)") {
		t.Error("positions header missing from view")
	}
	if !strings.Contains(view, "7dHb..7ARj") {
		t.Error("short mint missing from view")
	}

	m = press(t, m, "2")
	view = m.View()
	if !strings.Contains(view, "COPIED") || !strings.Contains(view, "webhook") {
		t.Error("activity tab missing pipeline event")
	}

	m = press(t, m, "3")
	view = m.View()
	if !strings.Contains(view, "cash 2.0000") {
		t.Error("virtual tab missing wallet cash")
	}
}

func TestFormatAmountScales(t *testing.T) {
	cases := []struct {
		raw      int64
		decimals int
		want     string
	}{
		{0, 6, "0"},
		{1_500_000, 6, "1.500"},
		{5_000_000_000, 6, "5.0K"},
		{2_500_000_000_000, 6, "2.50M"},
	}
	for _, c := range cases {
		if got := formatAmount(big.NewInt(c.raw), c.decimals); got != c.want {
			t.Errorf("formatAmount(%d, %d) = %q, want %q", c.raw, c.decimals, got, c.want)
		}
	}
	if got := formatAmount(nil, 6); got != "0" {
		t.Errorf("nil amount = %q, want 0", got)
	}
}

func TestEquitySeriesFlipsToOldestFirst(t *testing.T) {
	snaps := []*storage.PnLSnapshot{
		{CashLamports: 3_000_000_000},
		{CashLamports: 2_000_000_000},
		{CashLamports: 1_000_000_000},
	}
	series := equitySeries(snaps)
	if len(series) != 3 || series[0] != 1 || series[2] != 3 {
		t.Errorf("expected [1 2 3], got %v", series)
	}
}

func TestSliceBoundsClamps(t *testing.T) {
	if s, e := sliceBounds(10, 12, 5); s != 9 || e != 10 {
		t.Errorf("overshoot offset: got %d..%d", s, e)
	}
	if s, e := sliceBounds(0, 0, 5); s != 0 || e != 0 {
		t.Errorf("empty list: got %d..%d", s, e)
	}
	if s, e := sliceBounds(10, 2, 3); s != 2 || e != 5 {
		t.Errorf("mid window: got %d..%d", s, e)
	}
}
