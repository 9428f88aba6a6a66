package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-copy-bot/internal/blockchain"
	"solana-copy-bot/internal/websocket"
)

// Subscription streams the source wallet's log mentions over the
// websocket client and hands every successful signature to the
// dispatcher.
type Subscription struct {
	ws     *websocket.Client
	disp   *Dispatcher
	wallet string

	healthEvery time.Duration
	staleAfter  time.Duration

	mu    sync.Mutex
	subID uint64
}

func NewSubscription(ws *websocket.Client, wallet string, healthEvery time.Duration, disp *Dispatcher) *Subscription {
	if healthEvery <= 0 {
		healthEvery = 30 * time.Second
	}
	return &Subscription{
		ws:          ws,
		disp:        disp,
		wallet:      wallet,
		healthEvery: healthEvery,
		staleAfter:  3 * healthEvery,
	}
}

// Start subscribes and launches the staleness watchdog. Callers
// compose Resubscribe into the client's OnConnect hook so the stream
// survives reconnects.
func (s *Subscription) Start(ctx context.Context) error {
	if err := s.subscribe(); err != nil {
		return err
	}
	go s.watch(ctx)
	return nil
}

func (s *Subscription) subscribe() error {
	subID, err := s.ws.LogsSubscribe(s.wallet, "confirmed", s.handleLogs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subID = subID
	s.mu.Unlock()

	log.Info().
		Str("wallet", blockchain.ShortAddr(s.wallet)).
		Uint64("subID", subID).
		Msg("subscribed to source wallet logs")
	return nil
}

// Resubscribe re-registers the log stream after a reconnect.
func (s *Subscription) Resubscribe() {
	if err := s.subscribe(); err != nil {
		log.Warn().Err(err).Msg("log resubscribe failed")
	}
}

func (s *Subscription) handleLogs(data json.RawMessage) {
	var note struct {
		Value struct {
			Signature string      `json:"signature"`
			Err       interface{} `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &note); err != nil {
		log.Warn().Err(err).Msg("unparseable logs notification")
		return
	}
	if note.Value.Err != nil {
		// Failed transaction, nothing to copy.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s.disp.HandleSignature(ctx, note.Value.Signature, SourceSubscription)
}

// watch nudges the client when the stream goes quiet for too long.
// The reconnect loop handles real transport failures; this catches
// half-open connections that still answer pings at the TCP level.
func (s *Subscription) watch(ctx context.Context) {
	ticker := time.NewTicker(s.healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.ws.Connected() {
				continue
			}
			if age := s.ws.LastMessageAge(); age > s.staleAfter {
				log.Warn().Dur("silent_for", age).Msg("log stream stale, forcing reconnect")
				s.ws.Reconnect()
			}
		}
	}
}
