package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/parser"
	"solana-copy-bot/internal/storage"
)

// Source tags carried through metrics and the processed ledger.
const (
	SourceWebhook         = "webhook"
	SourceWebhookFallback = "webhook-fallback"
	SourceSubscription    = "subscription"
	SourcePoll            = "poll"
)

const (
	fetchAttempts = 3
	fetchDelay    = 400 * time.Millisecond
)

// Submitter is the pipeline's intake as the producers see it.
type Submitter interface {
	Submit(sw *parser.Swap, source string)
}

// Dispatcher turns detected activity into pipeline submissions. All
// three producers funnel through it: probe the ledger, obtain a
// parsed swap, submit. The probe is advisory; the pipeline's own
// ledger insert decides.
type Dispatcher struct {
	db   *storage.DB
	rpc  *blockchain.RPCClient
	par  *parser.Parser
	sink Submitter

	// tuned down in tests
	fetchAttempts int
	fetchDelay    time.Duration
}

func NewDispatcher(db *storage.DB, rpc *blockchain.RPCClient, par *parser.Parser, sink Submitter) *Dispatcher {
	return &Dispatcher{
		db:            db,
		rpc:           rpc,
		par:           par,
		sink:          sink,
		fetchAttempts: fetchAttempts,
		fetchDelay:    fetchDelay,
	}
}

// HandleSignature fetches and parses one signature seen on chain.
// Freshly confirmed transactions are often not queryable for a beat,
// so the fetch retries briefly before giving up.
func (d *Dispatcher) HandleSignature(ctx context.Context, signature, source string) {
	if signature == "" {
		return
	}
	if seen, err := d.db.HasProcessed(signature); err == nil && seen {
		return
	}

	tx := d.fetchTransaction(ctx, signature)
	if tx == nil {
		log.Warn().
			Str("sig", blockchain.ShortAddr(signature)).
			Str("source", source).
			Msg("transaction not retrievable, dropping")
		return
	}

	sw, err := d.par.Parse(tx)
	if err != nil {
		d.markSkipped(signature, source, err)
		return
	}
	d.sink.Submit(sw, source)
}

// HandleWebhookTx parses one enhanced push payload entry.
func (d *Dispatcher) HandleWebhookTx(ctx context.Context, raw *parser.WebhookTransaction, source string) {
	if raw == nil || raw.Signature == "" {
		return
	}
	if seen, err := d.db.HasProcessed(raw.Signature); err == nil && seen {
		return
	}

	var fetch parser.TxFetcher
	if d.rpc != nil {
		fetch = d.rpc
	}
	sw, fellBack, err := d.par.ParseWebhook(ctx, raw, fetch)
	if err != nil {
		d.markSkipped(raw.Signature, source, err)
		return
	}
	if sw.UnsafeParse {
		log.Warn().
			Str("sig", blockchain.ShortAddr(sw.Signature)).
			Str("mint", blockchain.ShortAddr(sw.Mint)).
			Msg("⚠️ swap reconstructed from transfer lists, decimals assumed")
	} else if fellBack {
		log.Debug().
			Str("sig", blockchain.ShortAddr(sw.Signature)).
			Msg("push payload resolved through rpc lookup")
	}
	d.sink.Submit(sw, source)
}

func (d *Dispatcher) fetchTransaction(ctx context.Context, signature string) *blockchain.ChainTransaction {
	if d.rpc == nil {
		return nil
	}
	for attempt := 0; attempt < d.fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.fetchDelay * time.Duration(attempt)):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		tx, err := d.rpc.GetTransaction(cctx, signature)
		cancel()
		if err == nil && tx != nil {
			return tx
		}
	}
	return nil
}

// markSkipped writes a non-swap into the ledger so no producer fetches
// or parses it again. Parsed swaps stay unmarked here; their ledger
// insert inside the pipeline is the gate that authorizes them.
func (d *Dispatcher) markSkipped(signature, source string, err error) {
	if _, dbErr := d.db.MarkProcessed(signature, source); dbErr != nil {
		log.Error().Err(dbErr).Str("sig", blockchain.ShortAddr(signature)).Msg("ledger insert for skipped tx failed")
	}
	logSkip(signature, source, err)
}

// logSkip keeps the expected skips quiet; anything else is loud.
func logSkip(signature, source string, err error) {
	ev := log.Debug()
	switch {
	case errors.Is(err, parser.ErrFailedTx),
		errors.Is(err, parser.ErrNotSource),
		errors.Is(err, parser.ErrNotSwap),
		errors.Is(err, parser.ErrBelowFloor),
		errors.Is(err, parser.ErrNoDirection):
	default:
		ev = log.Warn()
	}
	ev.Str("sig", blockchain.ShortAddr(signature)).
		Str("source", source).
		Str("reason", err.Error()).
		Msg("swap skipped")
}
