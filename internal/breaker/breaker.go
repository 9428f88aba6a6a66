package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/config"
)

// Outcomes fed into the breaker. Rejects other than NO_POSITION are
// recorded for the audit trail but never trip anything.
const (
	OutcomeCopied     = "COPIED"
	OutcomeFailed     = "FAILED"
	OutcomeRejected   = "REJECTED"
	OutcomeNoPosition = "NO_POSITION"
)

const ringSize = 256

type sample struct {
	outcome   string
	latencyMs int64
	at        time.Time
}

// Breaker is the process-local circuit breaker fed by pipeline
// outcomes. It trips on a failure-rate burst, on a spike of
// NO_POSITION rejects (copy state desynced from the source wallet),
// or on degraded copy latency. Once open it stays open: further
// failures never extend the outage, and only Reset or the optional
// auto-reset timer closes it again.
type Breaker struct {
	cfg *config.Manager

	mu     sync.Mutex
	ring   [ringSize]sample
	next   int
	filled bool

	open     bool
	reason   string
	openedAt time.Time

	onOpen func(reason string)
}

// State is a snapshot for health checks and the console.
type State struct {
	Open     bool
	Reason   string
	OpenedAt time.Time
}

func New(cfg *config.Manager) *Breaker {
	return &Breaker{cfg: cfg}
}

// SetOnOpen registers a callback fired once per trip, outside the lock.
func (b *Breaker) SetOnOpen(fn func(reason string)) {
	b.mu.Lock()
	b.onOpen = fn
	b.mu.Unlock()
}

// Record feeds one pipeline outcome and evaluates the trip conditions.
func (b *Breaker) Record(outcome string, latencyMs int64) {
	b.mu.Lock()

	b.ring[b.next] = sample{outcome: outcome, latencyMs: latencyMs, at: time.Now()}
	b.next = (b.next + 1) % ringSize
	if b.next == 0 {
		b.filled = true
	}

	if b.open {
		b.mu.Unlock()
		return
	}

	reason := b.evaluate()
	var fire func(string)
	if reason != "" {
		b.open = true
		b.reason = reason
		b.openedAt = time.Now()
		fire = b.onOpen
		log.Error().Str("reason", reason).Msg("🔴 circuit breaker OPEN, trading halted")
	}
	b.mu.Unlock()

	if fire != nil {
		fire(reason)
	}
}

// evaluate runs under b.mu and returns a trip reason or "".
func (b *Breaker) evaluate() string {
	cfg := b.cfg.GetBreaker()
	window := time.Duration(cfg.FailWindowMinutes) * time.Minute
	cutoff := time.Now().Add(-window)

	var copied, failed, noPos int
	var latencies []int64

	n := b.next
	if b.filled {
		n = ringSize
	}
	for i := 0; i < n; i++ {
		s := b.ring[i]
		if s.at.Before(cutoff) {
			continue
		}
		switch s.outcome {
		case OutcomeCopied:
			copied++
			latencies = append(latencies, s.latencyMs)
		case OutcomeFailed:
			failed++
		case OutcomeNoPosition:
			noPos++
		}
	}

	// Fail rate needs a minimum of 3 terminal samples so a single
	// early failure cannot halt the bot.
	if total := copied + failed; total >= 3 {
		rate := float64(failed) / float64(total) * 100
		if rate >= cfg.FailRatePct {
			return fmt.Sprintf("fail rate %.0f%% (%d/%d) in %dm window", rate, failed, total, cfg.FailWindowMinutes)
		}
	}

	if cfg.NoPositionSpike > 0 && noPos >= cfg.NoPositionSpike {
		return fmt.Sprintf("%d NO_POSITION rejects in %dm window, copy state likely desynced", noPos, cfg.FailWindowMinutes)
	}

	if cfg.LatencyP99Ms > 0 && len(latencies) >= 5 {
		if p99 := percentile(latencies, 99); p99 >= cfg.LatencyP99Ms {
			return fmt.Sprintf("p99 copy latency %dms in %dm window", p99, cfg.FailWindowMinutes)
		}
	}

	return ""
}

// IsOpen reports the breaker state, applying the auto-reset timer
// when one is configured.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}
	if m := b.cfg.GetBreaker().AutoResetMinutes; m > 0 && time.Since(b.openedAt) >= time.Duration(m)*time.Minute {
		log.Warn().Str("was", b.reason).Msg("circuit breaker auto-reset elapsed, resuming")
		b.clear()
		return false
	}
	return true
}

// Reset closes the breaker manually and drops the sample window so
// stale failures cannot re-trip it on the next outcome.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		log.Warn().Str("was", b.reason).Msg("circuit breaker manually reset")
	}
	b.clear()
}

// clear runs under b.mu.
func (b *Breaker) clear() {
	b.open = false
	b.reason = ""
	b.openedAt = time.Time{}
	b.next = 0
	b.filled = false
	b.ring = [ringSize]sample{}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Open: b.open, Reason: b.reason, OpenedAt: b.openedAt}
}

// percentile returns the p-th percentile of values (nearest-rank).
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
