package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// BalanceUpdate is a pushed change of our wallet's SOL balance.
type BalanceUpdate struct {
	Address  string
	Lamports uint64
	Slot     uint64
}

// TxConfirmation is the terminal state of a watched signature.
type TxConfirmation struct {
	Signature string
	Confirmed bool
	Error     string
	Slot      uint64
}

// WalletMonitor keeps our own wallet state fresh over the socket:
// SOL balance pushes plus one-shot signature confirmations for
// in-flight swaps. Subscription ids die with the connection, so wire
// Resubscribe into the client's OnConnect hook.
type WalletMonitor struct {
	client     *Client
	walletAddr string

	subMu       sync.Mutex
	walletSubID uint64

	txMu        sync.Mutex
	txCallbacks map[string]func(TxConfirmation)
	txSubs      map[string]uint64

	onBalance func(BalanceUpdate)
}

func NewWalletMonitor(client *Client, walletAddr string) *WalletMonitor {
	return &WalletMonitor{
		client:      client,
		walletAddr:  walletAddr,
		txCallbacks: make(map[string]func(TxConfirmation)),
		txSubs:      make(map[string]uint64),
	}
}

// OnBalanceUpdate registers the balance push handler.
func (w *WalletMonitor) OnBalanceUpdate(handler func(BalanceUpdate)) {
	w.onBalance = handler
}

// Start subscribes to the wallet's account. Safe to skip when no
// wallet is configured (dry-run without a dev wallet yet).
func (w *WalletMonitor) Start() error {
	if w.walletAddr == "" {
		return nil
	}

	subID, err := w.client.AccountSubscribe(w.walletAddr, w.handleBalanceUpdate)
	if err != nil {
		return err
	}

	w.subMu.Lock()
	w.walletSubID = subID
	w.subMu.Unlock()

	log.Info().
		Str("addr", truncateStr(w.walletAddr, 8)).
		Uint64("subID", subID).
		Msg("subscribed to wallet balance")
	return nil
}

// Resubscribe re-registers the balance watch after a reconnect.
// Pending signature watches are dropped: their executor side also
// polls, so nothing is lost.
func (w *WalletMonitor) Resubscribe() {
	w.txMu.Lock()
	for sig := range w.txSubs {
		delete(w.txSubs, sig)
		delete(w.txCallbacks, sig)
	}
	w.txMu.Unlock()

	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("wallet balance resubscribe failed")
	}
}

func (w *WalletMonitor) handleBalanceUpdate(data json.RawMessage) {
	var update struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Warn().Err(err).Msg("failed to parse balance update")
		return
	}

	bal := BalanceUpdate{
		Address:  w.walletAddr,
		Lamports: update.Value.Lamports,
		Slot:     update.Context.Slot,
	}

	log.Debug().
		Uint64("lamports", bal.Lamports).
		Float64("sol", float64(bal.Lamports)/1e9).
		Msg("wallet balance update")

	if w.onBalance != nil {
		go w.onBalance(bal)
	}
}

// WaitForConfirmation watches one signature and fires callback once
// it reaches confirmed commitment or fails. The node drops the
// subscription after notifying, so there is nothing to renew.
func (w *WalletMonitor) WaitForConfirmation(signature string, callback func(TxConfirmation)) error {
	w.txMu.Lock()
	defer w.txMu.Unlock()

	w.txCallbacks[signature] = callback

	subID, err := w.client.SignatureSubscribe(signature, func(data json.RawMessage) {
		w.handleTxConfirmation(signature, data)
	})
	if err != nil {
		delete(w.txCallbacks, signature)
		return err
	}
	w.txSubs[signature] = subID

	log.Debug().
		Str("sig", truncateStr(signature, 12)).
		Uint64("subID", subID).
		Msg("waiting for TX confirmation")
	return nil
}

func (w *WalletMonitor) handleTxConfirmation(signature string, data json.RawMessage) {
	var update struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Err interface{} `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Warn().Err(err).Msg("failed to parse TX confirmation")
		return
	}

	conf := TxConfirmation{
		Signature: signature,
		Slot:      update.Context.Slot,
		Confirmed: update.Value.Err == nil,
	}
	if update.Value.Err != nil {
		errBytes, _ := json.Marshal(update.Value.Err)
		conf.Error = string(errBytes)
	}

	w.txMu.Lock()
	callback := w.txCallbacks[signature]
	delete(w.txCallbacks, signature)
	delete(w.txSubs, signature)
	w.txMu.Unlock()

	if callback != nil {
		go callback(conf)
	}

	if conf.Confirmed {
		log.Debug().
			Str("sig", truncateStr(signature, 12)).
			Uint64("slot", conf.Slot).
			Msg("✅ TX confirmed via socket")
	} else {
		log.Warn().
			Str("sig", truncateStr(signature, 12)).
			Str("error", conf.Error).
			Msg("❌ TX failed via socket")
	}
}

// Stop unsubscribes everything still registered.
func (w *WalletMonitor) Stop() {
	w.subMu.Lock()
	subID := w.walletSubID
	w.walletSubID = 0
	w.subMu.Unlock()
	if subID != 0 {
		w.client.Unsubscribe("accountUnsubscribe", subID)
	}

	w.txMu.Lock()
	for sig, id := range w.txSubs {
		w.client.Unsubscribe("signatureUnsubscribe", id)
		delete(w.txSubs, sig)
		delete(w.txCallbacks, sig)
	}
	w.txMu.Unlock()
}
