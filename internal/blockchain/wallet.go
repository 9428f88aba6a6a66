package blockchain

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Wallet is the signing keypair for our own trades.
type Wallet struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewWallet builds a wallet from a base58-encoded private key. Load
// the key from an environment variable or secret store, never from the
// config file itself.
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("private key is not base58: %w", err)
	}

	// 64 bytes = seed + public key, 32 bytes = seed only
	var privateKey ed25519.PrivateKey

	switch len(privateKeyBytes) {
	case 64:
		privateKey = ed25519.PrivateKey(privateKeyBytes)
	case 32:
		privateKey = ed25519.NewKeyFromSeed(privateKeyBytes)
	default:
		return nil, fmt.Errorf("private key must be 32 or 64 bytes, got %d", len(privateKeyBytes))
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := base58.Encode(publicKey)

	log.Debug().Str("address", address).Msg("signing key decoded")

	return &Wallet{
		privateKey: privateKey,
		publicKey:  publicKey,
		address:    address,
	}, nil
}

// Address returns the wallet's public key as a Base58 string.
func (w *Wallet) Address() string {
	return w.address
}

// PublicKey returns the raw public key bytes.
func (w *Wallet) PublicKey() []byte {
	return w.publicKey
}

// Sign signs a message with the wallet's private key.
func (w *Wallet) Sign(message []byte) []byte {
	return ed25519.Sign(w.privateKey, message)
}

// BalanceTracker keeps the wallet's lamport balance warm for the
// pre-trade guard. Account-change notifications from the websocket
// write through SetBalance; the scheduler's periodic Refresh backstops
// them so the balance stays live even with the socket down. Last
// writer wins, and both writers are recent enough for a guard that
// only has to stop trades the wallet clearly cannot cover.
type BalanceTracker struct {
	mu              sync.RWMutex
	balanceLamports uint64
	refreshedAt     time.Time

	wallet *Wallet
	rpc    *RPCClient
}

func NewBalanceTracker(wallet *Wallet, rpc *RPCClient) *BalanceTracker {
	return &BalanceTracker{
		wallet: wallet,
		rpc:    rpc,
	}
}

// Refresh fetches the balance from RPC once.
func (b *BalanceTracker) Refresh(ctx context.Context) error {
	balance, err := b.rpc.GetBalance(ctx, b.wallet.Address())
	if err != nil {
		return err
	}
	b.set(balance)
	return nil
}

// BalanceLamports returns the last known balance in lamports.
func (b *BalanceTracker) BalanceLamports() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLamports
}

// BalanceSOL returns the last known balance in SOL.
func (b *BalanceTracker) BalanceSOL() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.balanceLamports) / 1e9
}

// Age returns time since the balance was last written.
func (b *BalanceTracker) Age() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.refreshedAt.IsZero() {
		return 0
	}
	return time.Since(b.refreshedAt)
}

// SetBalance stores a balance pushed by an account-change notification.
func (b *BalanceTracker) SetBalance(lamports uint64) {
	b.set(lamports)
}

func (b *BalanceTracker) set(lamports uint64) {
	b.mu.Lock()
	b.balanceLamports = lamports
	b.refreshedAt = time.Now()
	b.mu.Unlock()
}
