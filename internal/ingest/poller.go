package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
)

// Poller is the belt-and-braces producer: every interval it lists the
// source wallet's recent signatures and replays whatever the push
// paths missed. Oldest first, so late copies still land in upstream
// order.
type Poller struct {
	rpc      *blockchain.RPCClient
	disp     *Dispatcher
	wallet   string
	interval time.Duration
	limit    int
}

func NewPoller(rpc *blockchain.RPCClient, wallet string, interval time.Duration, limit int, disp *Dispatcher) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if limit <= 0 {
		limit = 10
	}
	return &Poller{
		rpc:      rpc,
		disp:     disp,
		wallet:   wallet,
		interval: interval,
		limit:    limit,
	}
}

func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Poller) run(ctx context.Context) {
	log.Info().
		Dur("interval", p.interval).
		Int("limit", p.limit).
		Msg("signature poller running")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sigs, err := p.rpc.GetSignaturesForAddress(cctx, p.wallet, p.limit)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("signature poll failed")
		return
	}

	// The node lists newest first; walk backwards.
	for i := len(sigs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		if sigs[i].Err != nil {
			continue
		}
		p.disp.HandleSignature(ctx, sigs[i].Signature, SourcePoll)
	}
}
