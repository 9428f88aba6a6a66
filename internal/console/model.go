// Package console is the read-only terminal dashboard. It attaches to
// the bot's sqlite database (WAL mode, so a second reader is safe) and
// polls it every couple of seconds; it never writes and never talks to
// the bot process.
package console

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/storage"
)

var (
	colorBg    = lipgloss.Color("#0f1c2e")
	colorTitle = lipgloss.Color("#7aa2f7")
	colorText  = lipgloss.Color("#a9b1d6")
	colorDim   = lipgloss.Color("#565f89")
	colorKey   = lipgloss.Color("#bd93f9")
	colorGood  = lipgloss.Color("#9ece6a")
	colorWarn  = lipgloss.Color("#ff9e64")
	colorBad   = lipgloss.Color("#f7768e")

	stylePage   = lipgloss.NewStyle().Foreground(colorText)
	styleTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorTitle)
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorTitle)
	styleTab    = lipgloss.NewStyle().Foreground(colorDim)
	styleTabOn  = lipgloss.NewStyle().Bold(true).Foreground(colorBg).Background(colorTitle)
	styleKey    = lipgloss.NewStyle().Bold(true).Foreground(colorKey)
	styleDim    = lipgloss.NewStyle().Foreground(colorDim)
	styleGood   = lipgloss.NewStyle().Foreground(colorGood)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarn)
	styleBad    = lipgloss.NewStyle().Foreground(colorBad)
)

type Tab string

const (
	TabPositions   Tab = "positions"
	TabActivity    Tab = "activity"
	TabVirtual     Tab = "virtual"
	TabComparisons Tab = "comparisons"
)

type KeyMap struct {
	Positions, Activity, Virtual, Comparisons key.Binding
	Up, Down, Refresh, Quit                   key.Binding
}

var keys = KeyMap{
	Positions:   key.NewBinding(key.WithKeys("1")),
	Activity:    key.NewBinding(key.WithKeys("2")),
	Virtual:     key.NewBinding(key.WithKeys("3")),
	Comparisons: key.NewBinding(key.WithKeys("4")),
	Up:          key.NewBinding(key.WithKeys("up", "k")),
	Down:        key.NewBinding(key.WithKeys("down", "j")),
	Refresh:     key.NewBinding(key.WithKeys("r")),
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c")),
}

// TickMsg drives the poll cadence.
type TickMsg time.Time

// snapshot is one full read of everything the console shows. Delivered
// as a message so reads never block the update loop.
type snapshot struct {
	positions   []*storage.Position
	events      []*storage.PipelineEvent
	wallet      *storage.VirtualWallet
	holdings    []*storage.VirtualHolding
	comparisons []*storage.ExecutionComparison
	history     []*storage.PnLSnapshot
	realized    int64
	spentToday  uint64
	copied      int
	rejected    int
	failed      int
	fetchedAt   time.Time
	err         error
}

type Model struct {
	db     *storage.DB
	dbPath string

	tab           Tab
	width, height int
	offset        int

	data snapshot
}

func New(db *storage.DB, dbPath string) Model {
	return Model{db: db, dbPath: dbPath, tab: TabPositions}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tea.SetWindowTitle("copybot console"),
		m.refresh,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// refresh reads the whole snapshot in one pass. First error wins; the
// rest of the reads still run so a single bad table doesn't blank the
// whole screen.
func (m Model) refresh() tea.Msg {
	d := snapshot{fetchedAt: time.Now()}
	keep := func(err error) {
		if err != nil && d.err == nil {
			d.err = err
		}
	}
	var err error
	d.positions, err = m.db.GetAllPositions()
	keep(err)
	d.events, err = m.db.RecentPipelineEvents(200)
	keep(err)
	d.wallet, err = m.db.GetVirtualWallet()
	keep(err)
	d.holdings, err = m.db.GetVirtualHoldings()
	keep(err)
	d.comparisons, err = m.db.RecentComparisons(100)
	keep(err)
	d.history, err = m.db.RecentPnLSnapshots(60)
	keep(err)
	d.realized, err = m.db.VirtualRealizedPnL()
	keep(err)
	d.spentToday, err = m.db.GetDailySpend(storage.DayKey(time.Now()))
	keep(err)
	d.copied, d.rejected, d.failed, err = m.db.PipelineStats(time.Now().Add(-24 * time.Hour))
	keep(err)
	return d
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Positions):
			m.tab, m.offset = TabPositions, 0
		case key.Matches(msg, keys.Activity):
			m.tab, m.offset = TabActivity, 0
		case key.Matches(msg, keys.Virtual):
			m.tab, m.offset = TabVirtual, 0
		case key.Matches(msg, keys.Comparisons):
			m.tab, m.offset = TabComparisons, 0
		case key.Matches(msg, keys.Up):
			if m.offset > 0 {
				m.offset--
			}
		case key.Matches(msg, keys.Down):
			if m.offset < m.rowCount()-1 {
				m.offset++
			}
		case key.Matches(msg, keys.Refresh):
			return m, m.refresh
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case TickMsg:
		return m, tea.Batch(m.refresh, tickCmd())
	case snapshot:
		m.data = msg
	}
	return m, nil
}

func (m Model) rowCount() int {
	switch m.tab {
	case TabActivity:
		return len(m.data.events)
	case TabVirtual:
		return len(m.data.holdings)
	case TabComparisons:
		return len(m.data.comparisons)
	default:
		return len(m.data.positions)
	}
}

func (m Model) View() string {
	w, h := m.width, m.height
	if w <= 0 {
		w = 100
	}
	if h <= 0 {
		h = 30
	}

	header := m.renderHeader(w)
	tabs := m.renderTabs()
	footer := styleDim.Render(strings.Join([]string{
		hotkey("1-4", "tab"),
		hotkey("↑/↓", "scroll"),
		hotkey("r", "refresh"),
		hotkey("q", "quit"),
	}, "  "))

	bodyH := h - lipgloss.Height(header) - 3
	if bodyH < 3 {
		bodyH = 3
	}

	var body string
	switch m.tab {
	case TabActivity:
		body = m.renderActivity(bodyH)
	case TabVirtual:
		body = m.renderVirtual(bodyH)
	case TabComparisons:
		body = m.renderComparisons(bodyH)
	default:
		body = m.renderPositions(bodyH)
	}

	return stylePage.Render(lipgloss.JoinVertical(lipgloss.Left, header, tabs, body, footer))
}

func (m Model) renderHeader(w int) string {
	d := m.data

	top := styleTitle.Render("◎ COPYBOT CONSOLE") + "  " + styleDim.Render(m.dbPath)

	stats := "24h  " +
		styleGood.Render(fmt.Sprintf("%d copied", d.copied)) + "  " +
		styleWarn.Render(fmt.Sprintf("%d rejected", d.rejected)) + "  " +
		styleBad.Render(fmt.Sprintf("%d failed", d.failed))

	cash := "cash -"
	if d.wallet != nil {
		cash = fmt.Sprintf("cash %.4f ◎", sol(d.wallet.CashLamports))
	}
	stats += "   " + cash +
		fmt.Sprintf("   open %d   spent today %.4f ◎   realized ", len(d.positions), sol(d.spentToday)) +
		signedSOL(d.realized)

	rows := []string{top, stats}
	if len(d.history) > 1 {
		width := w - 10
		if width > 48 {
			width = 48
		}
		rows = append(rows, styleDim.Render("equity ")+sparkline(equitySeries(d.history), width))
	}
	switch {
	case d.err != nil:
		rows = append(rows, styleBad.Render("read error: "+d.err.Error()))
	case d.fetchedAt.IsZero():
		rows = append(rows, styleDim.Render("loading..."))
	default:
		rows = append(rows, styleDim.Render("updated "+d.fetchedAt.Format("15:04:05")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) renderTabs() string {
	labels := []struct {
		tab  Tab
		text string
	}{
		{TabPositions, "1 POSITIONS"},
		{TabActivity, "2 ACTIVITY"},
		{TabVirtual, "3 VIRTUAL"},
		{TabComparisons, "4 COMPARISONS"},
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		style := styleTab
		if l.tab == m.tab {
			style = styleTabOn
		}
		parts = append(parts, style.Render(" "+l.text+" "))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) renderPositions(h int) string {
	positions := m.data.positions
	header := styleHeader.Render(fmt.Sprintf("💼 OPEN POSITIONS (%d)", len(positions)))
	lines := []string{fmt.Sprintf("%-12s %-10s %12s %12s %8s %8s", "MINT", "STATUS", "AMOUNT", "COST", "AGE", "UPDATED")}

	start, end := sliceBounds(len(positions), m.offset, h-3)
	for _, p := range positions[start:end] {
		status := styleGood.Render(fmt.Sprintf("%-10s", p.Status))
		if p.Status == storage.PositionSent {
			status = styleWarn.Render(fmt.Sprintf("%-10s", p.Status))
		}
		amount := formatAmount(p.RawAmount, p.Decimals)
		if p.PendingRaw != nil && p.PendingRaw.Sign() > 0 {
			amount = "~" + formatAmount(p.PendingRaw, p.Decimals)
		}
		lines = append(lines, fmt.Sprintf("%-12s %s %12s %11.4f◎ %8s %8s",
			blockchain.ShortAddr(p.Mint),
			status,
			amount,
			sol(p.CostLamports),
			formatDuration(time.Since(time.Unix(p.OpenedAt, 0))),
			formatDuration(time.Since(time.Unix(p.UpdatedAt, 0))),
		))
	}
	if len(positions) == 0 {
		lines = append(lines, styleDim.Render("no open positions"))
	}
	lines = append(lines, overflow(len(positions), end)...)
	return lipgloss.JoinVertical(lipgloss.Left, header, strings.Join(lines, "\n"))
}

func (m Model) renderActivity(h int) string {
	events := m.data.events
	header := styleHeader.Render(fmt.Sprintf("⚡ PIPELINE ACTIVITY (last %d)", len(events)))
	lines := []string{fmt.Sprintf("%-9s %-4s %-12s %-9s %-13s %7s  %s", "TIME", "DIR", "MINT", "OUTCOME", "SOURCE", "TOTAL", "NOTE")}

	start, end := sliceBounds(len(events), m.offset, h-3)
	for _, e := range events[start:end] {
		style := styleGood
		switch e.Outcome {
		case storage.OutcomeRejected:
			style = styleWarn
		case storage.OutcomeFailed:
			style = styleBad
		}
		note := e.RejectReason
		if note == "" && e.DriftPct != nil {
			note = fmt.Sprintf("drift %+.1f%%", *e.DriftPct)
		}
		if e.UnsafeParse {
			note = strings.TrimSpace(note + " unsafe-parse")
		}
		lines = append(lines, fmt.Sprintf("%-9s %-4s %-12s %s %-13s %6dms  %s",
			time.Unix(e.Ts, 0).Format("15:04:05"),
			e.Direction,
			blockchain.ShortAddr(e.Mint),
			style.Render(fmt.Sprintf("%-9s", e.Outcome)),
			e.Source,
			e.TotalMs,
			styleDim.Render(truncate(note, 30)),
		))
	}
	if len(events) == 0 {
		lines = append(lines, styleDim.Render("nothing copied yet"))
	}
	lines = append(lines, overflow(len(events), end)...)
	return lipgloss.JoinVertical(lipgloss.Left, header, strings.Join(lines, "\n"))
}

func (m Model) renderVirtual(h int) string {
	d := m.data
	header := styleHeader.Render("🧪 VIRTUAL LEDGER")
	var lines []string
	if d.wallet == nil {
		lines = append(lines, styleDim.Render("no virtual ledger in this database (live mode)"))
		return lipgloss.JoinVertical(lipgloss.Left, header, strings.Join(lines, "\n"))
	}

	lines = append(lines, fmt.Sprintf("start %.4f◎   cash %.4f◎   realized %s",
		sol(d.wallet.StartingLamports), sol(d.wallet.CashLamports), signedSOL(d.realized)))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("%-12s %12s %12s %12s %12s", "MINT", "AMOUNT", "SPENT", "RECEIVED", "NET"))

	start, end := sliceBounds(len(d.holdings), m.offset, h-5)
	for _, v := range d.holdings[start:end] {
		net := int64(v.ReceivedLamports) - int64(v.SpentLamports)
		lines = append(lines, fmt.Sprintf("%-12s %12s %11.4f◎ %11.4f◎ %s",
			blockchain.ShortAddr(v.Mint),
			formatAmount(v.RawAmount, v.Decimals),
			sol(v.SpentLamports),
			sol(v.ReceivedLamports),
			signedSOL(net),
		))
	}
	if len(d.holdings) == 0 {
		lines = append(lines, styleDim.Render("no holdings yet"))
	}
	lines = append(lines, overflow(len(d.holdings), end)...)
	return lipgloss.JoinVertical(lipgloss.Left, header, strings.Join(lines, "\n"))
}

func (m Model) renderComparisons(h int) string {
	comps := m.data.comparisons
	header := styleHeader.Render(fmt.Sprintf("⚖ FILL SLIPPAGE (last %d)", len(comps)))
	lines := []string{fmt.Sprintf("%-9s %-4s %-12s %14s %14s %8s  %s", "TIME", "DIR", "MINT", "QUOTED", "FILLED", "SLIP", "")}

	start, end := sliceBounds(len(comps), m.offset, h-3)
	for _, c := range comps[start:end] {
		// Worse than quoted: paid more per token on a buy, received
		// less on a sell.
		slip := styleGood
		if (c.Direction == "BUY" && c.SlippagePct > 0) || (c.Direction == "SELL" && c.SlippagePct < 0) {
			slip = styleBad
		}
		alert := ""
		if c.Alerted {
			alert = styleWarn.Render("⚠")
		}
		lines = append(lines, fmt.Sprintf("%-9s %-4s %-12s %14.6g %14.6g %s  %s",
			time.Unix(c.Ts, 0).Format("15:04:05"),
			c.Direction,
			blockchain.ShortAddr(c.Mint),
			c.QuotedPrice,
			c.ExecutedPrice,
			slip.Render(fmt.Sprintf("%+7.2f%%", c.SlippagePct)),
			alert,
		))
	}
	if len(comps) == 0 {
		lines = append(lines, styleDim.Render("no comparisons recorded"))
	}
	lines = append(lines, overflow(len(comps), end)...)
	return lipgloss.JoinVertical(lipgloss.Left, header, strings.Join(lines, "\n"))
}

// --- HELPERS ---

func hotkey(k, d string) string { return styleKey.Render("["+k+"]") + d }

func truncate(s string, n int) string { return runewidth.Truncate(s, n, "") }

func sol(lamports uint64) float64 { return float64(lamports) / 1e9 }

func signedSOL(lamports int64) string {
	s := fmt.Sprintf("%+.4f◎", float64(lamports)/1e9)
	switch {
	case lamports > 0:
		return styleGood.Render(s)
	case lamports < 0:
		return styleBad.Render(s)
	}
	return s
}

func formatAmount(raw *big.Int, decimals int) string {
	if raw == nil || raw.Sign() == 0 {
		return "0"
	}
	f := new(big.Float).SetInt(raw)
	for i := 0; i < decimals; i++ {
		f.Quo(f, big.NewFloat(10))
	}
	v, _ := f.Float64()
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fK", v/1e3)
	default:
		return fmt.Sprintf("%.3f", v)
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// sliceBounds clamps a scroll offset to a visible window.
func sliceBounds(n, offset, visible int) (int, int) {
	if visible < 1 {
		visible = 1
	}
	start := offset
	if start >= n {
		start = n - 1
	}
	if start < 0 {
		start = 0
	}
	end := start + visible
	if end > n {
		end = n
	}
	return start, end
}

func overflow(total, shown int) []string {
	if shown >= total {
		return nil
	}
	return []string{styleDim.Render(fmt.Sprintf("... %d more ↓", total-shown))}
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

func sparkline(data []float64, width int) string {
	if width < 1 || len(data) == 0 {
		return ""
	}
	if len(data) > width {
		data = data[len(data)-width:]
	}
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	var b strings.Builder
	for _, v := range data {
		idx := 0
		if span > 0 {
			idx = int((v - lo) / span * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[idx])
	}
	style := styleGood
	if data[len(data)-1] < data[0] {
		style = styleBad
	}
	return style.Render(b.String())
}

// equitySeries flips newest-first snapshot rows into an oldest-first
// cash+holdings series.
func equitySeries(snaps []*storage.PnLSnapshot) []float64 {
	out := make([]float64, len(snaps))
	for i, s := range snaps {
		out[len(snaps)-1-i] = sol(s.CashLamports + s.HoldingsValueLamports)
	}
	return out
}
