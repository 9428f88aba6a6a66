package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/breaker"
	"solana-copy-bot/internal/notify"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/risk"
	"solana-copy-bot/internal/storage"
	"solana-copy-bot/internal/trading"
)

const (
	queueDepth     = 256
	sellBufferStep = 500 * time.Millisecond
	sellBufferMax  = 4 * time.Second
)

// Decider is the risk engine as the pipeline sees it.
type Decider interface {
	Evaluate(ctx context.Context, sw *parser.Swap) *risk.Decision
}

// Job is one swap descriptor queued for the decision stage.
type Job struct {
	Swap         *parser.Swap
	Source       string
	EnqueuedAt   time.Time
	SellBufferMs int64
}

// Pipeline funnels every detected swap through a single worker, so
// risk decisions always see the settled result of the previous trade.
// The ledger insert inside the worker is the only dedup gate that
// counts: three ingestion sources can all submit the same signature
// and exactly one submission survives it.
type Pipeline struct {
	db       *storage.DB
	engine   Decider
	executor trading.Executor
	brk      *breaker.Breaker
	notif    *notify.Throttle
	pending  *PendingBuys
	compare  *trading.Comparator

	jobs chan *Job
	wg   sync.WaitGroup

	// tuned down in tests
	sellStep time.Duration
	sellMax  time.Duration
}

func New(db *storage.DB, engine Decider, executor trading.Executor, brk *breaker.Breaker, notif *notify.Throttle) *Pipeline {
	if notif == nil {
		notif = notify.NewThrottle(notify.Noop{}, time.Minute)
	}
	return &Pipeline{
		db:       db,
		engine:   engine,
		executor: executor,
		brk:      brk,
		notif:    notif,
		pending:  NewPendingBuys(),
		jobs:     make(chan *Job, queueDepth),
		sellStep: sellBufferStep,
		sellMax:  sellBufferMax,
	}
}

// SetComparator enables post-trade quoted-vs-landed slippage checks.
// Live mode only; dry-run fills settle at quote price by construction.
func (p *Pipeline) SetComparator(c *trading.Comparator) {
	p.compare = c
}

// Pending exposes the registry so ingestion can reason about in-flight
// buys.
func (p *Pipeline) Pending() *PendingBuys {
	return p.pending
}

// Start launches the single worker. It exits when ctx is canceled; the
// job in flight finishes first, Wait blocks until then.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-p.jobs:
				p.run(ctx, job)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Submit queues one swap. BUYs flag their mint pending before they
// enter the queue so a sell racing in behind them can see the buy
// coming. SELLs for tokens we do not hold yet sit out the detection
// race first; their measured wait rides along in the job.
func (p *Pipeline) Submit(sw *parser.Swap, source string) {
	job := &Job{Swap: sw, Source: source}
	switch sw.Direction {
	case parser.DirectionBuy:
		p.pending.Add(sw.Mint)
	case parser.DirectionSell:
		job.SellBufferMs = p.bufferSell(sw.Mint)
	}
	job.EnqueuedAt = time.Now()
	p.jobs <- job
}

// bufferSell absorbs the multi-source race where the upstream sell
// arrives while its buy is still queued: wait in short steps while we
// hold no position and a buy for the mint is pending, up to sellMax.
func (p *Pipeline) bufferSell(mint string) int64 {
	start := time.Now()
	deadline := start.Add(p.sellMax)
	for time.Now().Before(deadline) {
		if !p.pending.Has(mint) {
			break
		}
		if pos, err := p.db.GetPosition(mint); err == nil && pos != nil {
			break
		}
		time.Sleep(p.sellStep)
	}
	waited := time.Since(start).Milliseconds()
	if waited > 0 {
		log.Debug().Str("mint", blockchain.ShortAddr(mint)).Int64("waited_ms", waited).Msg("sell buffered behind pending buy")
	}
	return waited
}

// run guards one job. A poisoned swap must not take the worker down;
// the panic is logged and pushed to the operator, the swap is dropped.
func (p *Pipeline) run(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("sig", job.Swap.Signature).Msg("pipeline worker panicked")
			p.notif.Notify(fmt.Sprintf("💥 Pipeline panicked on %s, swap dropped", blockchain.ShortAddr(job.Swap.Signature)))
		}
	}()
	p.process(ctx, job)
}

func (p *Pipeline) process(ctx context.Context, job *Job) {
	sw := job.Swap
	if sw.Direction == parser.DirectionBuy {
		defer p.pending.Done(sw.Mint)
	}

	fresh, err := p.db.MarkProcessed(sw.Signature, job.Source)
	if err != nil {
		log.Error().Err(err).Str("sig", blockchain.ShortAddr(sw.Signature)).Msg("ledger insert failed, dropping swap")
		return
	}
	if !fresh {
		log.Debug().
			Str("sig", blockchain.ShortAddr(sw.Signature)).
			Str("source", job.Source).
			Msg("duplicate signature, already handled")
		return
	}

	if err := p.db.RecordSourceTrade(&storage.SourceTrade{
		Signature:    sw.Signature,
		Direction:    sw.Direction,
		Mint:         sw.Mint,
		BaseLamports: sw.BaseLamports,
		RawAmount:    sw.RawTokenAmount,
		UnsafeParse:  sw.UnsafeParse,
		Source:       job.Source,
	}); err != nil {
		log.Error().Err(err).Msg("source trade insert failed")
	}

	riskStart := time.Now()
	decision := p.engine.Evaluate(ctx, sw)
	riskMs := time.Since(riskStart).Milliseconds()

	outcome := storage.OutcomeRejected
	rejectReason := ""
	var execMs int64

	switch decision.Action {
	case risk.ActionExecute:
		execStart := time.Now()
		res := p.executor.Execute(ctx, decision.Plan)
		execMs = time.Since(execStart).Milliseconds()

		if res.Status == trading.StatusCopied {
			outcome = storage.OutcomeCopied
			log.Info().
				Str("direction", sw.Direction).
				Str("mint", blockchain.ShortAddr(sw.Mint)).
				Str("sig", blockchain.ShortAddr(res.Signature)).
				Uint64("spent", res.SpentLamports).
				Int64("exec_ms", execMs).
				Msg("🚀 trade copied")
			p.notif.Notify(fmt.Sprintf("🚀 Copied %s %s (%s)", sw.Direction, blockchain.ShortAddr(sw.Mint), p.executor.Mode()))
			if p.compare != nil {
				p.compare.Schedule(sw, res)
			}
		} else {
			outcome = storage.OutcomeFailed
			rejectReason = res.Reason
			log.Error().
				Str("direction", sw.Direction).
				Str("mint", blockchain.ShortAddr(sw.Mint)).
				Str("reason", res.Reason).
				Msg("❌ copy failed")
			p.notif.NotifyKey("fail:"+sw.Mint, fmt.Sprintf("❌ %s %s failed: %s", sw.Direction, blockchain.ShortAddr(sw.Mint), res.Reason))
		}

	default:
		rejectReason = decision.Reason
		log.Info().
			Str("direction", sw.Direction).
			Str("mint", blockchain.ShortAddr(sw.Mint)).
			Str("reason", decision.Reason).
			Str("detail", decision.Detail).
			Msg("⛔ rejected")
		p.notif.NotifyKey("reject:"+decision.Reason,
			fmt.Sprintf("⛔ %s %s rejected: %s (%s)", sw.Direction, blockchain.ShortAddr(sw.Mint), decision.Reason, decision.Detail))
	}

	totalMs := time.Since(job.EnqueuedAt).Milliseconds()
	if err := p.db.RecordPipelineEvent(&storage.PipelineEvent{
		Signature:    sw.Signature,
		Direction:    sw.Direction,
		Mint:         sw.Mint,
		Source:       job.Source,
		Outcome:      outcome,
		RejectReason: rejectReason,
		UnsafeParse:  sw.UnsafeParse,
		DriftPct:     decision.DriftPct,
		SellBufferMs: job.SellBufferMs,
		RiskMs:       riskMs,
		ExecMs:       execMs,
		TotalMs:      totalMs,
	}); err != nil {
		log.Error().Err(err).Msg("pipeline event insert failed")
	}

	if p.brk != nil {
		// NO_POSITION rejects feed the breaker as their own outcome:
		// a run of them means our copy state desynced from the source.
		fed := outcome
		if outcome == storage.OutcomeRejected && rejectReason == risk.ReasonNoPosition {
			fed = breaker.OutcomeNoPosition
		}
		p.brk.Record(fed, totalMs)
	}
}
