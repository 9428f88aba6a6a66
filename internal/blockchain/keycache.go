package blockchain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// DevWalletStore persists an auto-generated wallet for dry-run mode so
// quotes and position tracking stay attached to one stable address
// across restarts. Live mode never touches this; it requires a real
// key from the environment.
type DevWalletStore struct {
	keyPath string
}

type devWalletData struct {
	PrivateKey  string    `json:"private_key"`
	Address     string    `json:"address"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NewDevWalletStore creates a store rooted at cacheDir
func NewDevWalletStore(cacheDir string) *DevWalletStore {
	return &DevWalletStore{
		keyPath: filepath.Join(cacheDir, "dev_wallet.json"),
	}
}

// GetOrGenerate loads the cached dev wallet or generates a fresh one
func (s *DevWalletStore) GetOrGenerate() (*Wallet, error) {
	if w := s.load(); w != nil {
		log.Info().Str("address", w.Address()).Msg("loaded dev wallet from cache")
		return w, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	wallet := &Wallet{
		privateKey: priv,
		publicKey:  pub,
		address:    base58.Encode(pub),
	}

	if err := s.save(priv, wallet.Address()); err != nil {
		log.Warn().Err(err).Msg("failed to cache dev wallet")
	}

	log.Info().Str("address", wallet.Address()).Msg("generated dev wallet")
	return wallet, nil
}

func (s *DevWalletStore) load() *Wallet {
	data, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil
	}

	var cached devWalletData
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil
	}

	keyBytes, err := base58.Decode(cached.PrivateKey)
	if err != nil || len(keyBytes) != 64 {
		return nil
	}

	priv := ed25519.PrivateKey(keyBytes)
	return &Wallet{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
		address:    cached.Address,
	}
}

func (s *DevWalletStore) save(priv ed25519.PrivateKey, address string) error {
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(devWalletData{
		PrivateKey:  base58.Encode(priv),
		Address:     address,
		GeneratedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.keyPath, data, 0600)
}
