package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/notify"
	"solana-copy-bot/internal/storage"
)

// ReapStalePositions resolves SENT positions that outlived their
// confirmation tracker, typically after a restart killed the tracking
// goroutine. Each stale signature gets one status check: confirmed
// buys are settled, everything else is rolled back to its prior
// balance. The daily budget stays reserved either way, because an
// unresolved transaction may still have spent the money.
func ReapStalePositions(ctx context.Context, db *storage.DB, rpc *blockchain.RPCClient, timeout time.Duration, notif notify.Notifier) (int, error) {
	if notif == nil {
		notif = notify.Noop{}
	}

	stale, err := db.StaleSentPositions(timeout)
	if err != nil {
		return 0, fmt.Errorf("list stale positions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	reaped := 0
	for _, p := range stale {
		if landed(ctx, rpc, p.LastSig) {
			if err := db.ConfirmBuy(p.Mint, nil); err != nil {
				log.Error().Err(err).Str("mint", p.Mint).Msg("reaper: confirm buy")
				continue
			}
			log.Warn().
				Str("mint", blockchain.ShortAddr(p.Mint)).
				Str("signature", blockchain.ShortAddr(p.LastSig)).
				Msg("reaper: stale buy had landed, confirmed")
			continue
		}

		if err := db.FailBuy(p.Mint, 0); err != nil {
			log.Error().Err(err).Str("mint", p.Mint).Msg("reaper: roll back buy")
			continue
		}
		reaped++
		log.Warn().
			Str("mint", blockchain.ShortAddr(p.Mint)).
			Str("signature", blockchain.ShortAddr(p.LastSig)).
			Dur("age", timeout).
			Msg("🧹 reaper: unresolved buy rolled back")
		notif.Notify(fmt.Sprintf("🧹 Rolled back unresolved buy for %s (sent %s, no confirmation)",
			blockchain.ShortAddr(p.Mint), blockchain.ShortAddr(p.LastSig)))
	}
	return reaped, nil
}

// landed reports whether a signature confirmed successfully. Unknown
// and errored both count as not landed; errors here must not block
// the reaper.
func landed(ctx context.Context, rpc *blockchain.RPCClient, sig string) bool {
	if rpc == nil || sig == "" {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	statuses, err := rpc.GetSignatureStatuses(cctx, []string{sig})
	if err != nil || len(statuses) == 0 || statuses[0] == nil {
		return false
	}
	st := statuses[0]
	if st.Err != nil {
		return false
	}
	return st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized"
}
