package storage

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// VirtualWallet is the dry-run cash balance
type VirtualWallet struct {
	StartingLamports uint64
	CashLamports     uint64
}

// VirtualHolding is one dry-run token balance. Rows persist at zero
// balance so per-mint realized results survive a full exit.
type VirtualHolding struct {
	Mint             string
	RawAmount        *big.Int
	Decimals         int
	SpentLamports    uint64
	ReceivedLamports uint64
	UpdatedAt        int64
}

// InitVirtualWallet seeds the dry-run wallet once. An existing wallet
// survives restarts untouched.
func (d *DB) InitVirtualWallet(startingLamports uint64) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO virtual_wallet (id, starting_lamports, cash_lamports)
		VALUES (1, ?, ?)`,
		int64(startingLamports), int64(startingLamports))
	return err
}

// GetVirtualWallet returns the dry-run wallet, nil when never seeded
func (d *DB) GetVirtualWallet() (*VirtualWallet, error) {
	var starting, cash int64
	err := d.db.QueryRow(
		"SELECT starting_lamports, cash_lamports FROM virtual_wallet WHERE id = 1").
		Scan(&starting, &cash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &VirtualWallet{
		StartingLamports: uint64(starting),
		CashLamports:     uint64(cash),
	}, nil
}

// VirtualBuy debits cash and credits the holding in one transaction
func (d *DB) VirtualBuy(sig, mint string, decimals int, raw *big.Int, costLamports, feeLamports uint64) error {
	total := int64(costLamports) + int64(feeLamports)
	now := time.Now().Unix()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cash int64
	if err := tx.QueryRow("SELECT cash_lamports FROM virtual_wallet WHERE id = 1").Scan(&cash); err != nil {
		return err
	}
	if cash < total {
		return fmt.Errorf("virtual wallet: insufficient cash %d < %d", cash, total)
	}
	if _, err := tx.Exec("UPDATE virtual_wallet SET cash_lamports = cash_lamports - ? WHERE id = 1", total); err != nil {
		return err
	}

	var rawStr string
	err = tx.QueryRow("SELECT raw_amount FROM virtual_holdings WHERE mint = ?", mint).Scan(&rawStr)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO virtual_holdings (mint, raw_amount, decimals, spent_lamports, received_lamports, updated_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			mint, raw.String(), decimals, int64(costLamports), now)
	case err == nil:
		held, ok := new(big.Int).SetString(rawStr, 10)
		if !ok {
			return fmt.Errorf("virtual holding %s: bad raw amount %q", mint, rawStr)
		}
		_, err = tx.Exec(`
			UPDATE virtual_holdings
			SET raw_amount = ?, spent_lamports = spent_lamports + ?, updated_at = ?
			WHERE mint = ?`,
			new(big.Int).Add(held, raw).String(), int64(costLamports), now, mint)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO virtual_trades (signature, direction, mint, lamports, raw_amount, fee_lamports, ts)
		VALUES (?, 'BUY', ?, ?, ?, ?, ?)`,
		sig, mint, int64(costLamports), raw.String(), int64(feeLamports), now); err != nil {
		return err
	}

	return tx.Commit()
}

// VirtualSell credits cash and debits the holding in one transaction
func (d *DB) VirtualSell(sig, mint string, raw *big.Int, receivedLamports, feeLamports uint64) error {
	now := time.Now().Unix()
	net := int64(receivedLamports) - int64(feeLamports)
	if net < 0 {
		net = 0
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rawStr string
	if err := tx.QueryRow("SELECT raw_amount FROM virtual_holdings WHERE mint = ?", mint).Scan(&rawStr); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("virtual sell: no holding for %s", mint)
		}
		return err
	}
	held, ok := new(big.Int).SetString(rawStr, 10)
	if !ok {
		return fmt.Errorf("virtual holding %s: bad raw amount %q", mint, rawStr)
	}
	if held.Cmp(raw) < 0 {
		return fmt.Errorf("virtual sell: holding %s short, have %s want %s", mint, held, raw)
	}

	if _, err := tx.Exec(`
		UPDATE virtual_holdings
		SET raw_amount = ?, received_lamports = received_lamports + ?, updated_at = ?
		WHERE mint = ?`,
		new(big.Int).Sub(held, raw).String(), int64(receivedLamports), now, mint); err != nil {
		return err
	}

	if _, err := tx.Exec("UPDATE virtual_wallet SET cash_lamports = cash_lamports + ? WHERE id = 1", net); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO virtual_trades (signature, direction, mint, lamports, raw_amount, fee_lamports, ts)
		VALUES (?, 'SELL', ?, ?, ?, ?, ?)`,
		sig, mint, int64(receivedLamports), raw.String(), int64(feeLamports), now); err != nil {
		return err
	}

	return tx.Commit()
}

// GetVirtualHoldings returns every dry-run holding, active first
func (d *DB) GetVirtualHoldings() ([]*VirtualHolding, error) {
	rows, err := d.db.Query(`
		SELECT mint, raw_amount, decimals, spent_lamports, received_lamports, updated_at
		FROM virtual_holdings ORDER BY raw_amount = '0', updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []*VirtualHolding
	for rows.Next() {
		var (
			h      VirtualHolding
			rawStr string
			spent  int64
			recv   int64
		)
		if err := rows.Scan(&h.Mint, &rawStr, &h.Decimals, &spent, &recv, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.RawAmount, _ = new(big.Int).SetString(rawStr, 10)
		if h.RawAmount == nil {
			return nil, fmt.Errorf("virtual holding %s: bad raw amount %q", h.Mint, rawStr)
		}
		h.SpentLamports = uint64(spent)
		h.ReceivedLamports = uint64(recv)
		holdings = append(holdings, &h)
	}
	return holdings, rows.Err()
}

// VirtualRealizedPnL sums received minus spent over fully-exited mints
func (d *DB) VirtualRealizedPnL() (int64, error) {
	var pnl int64
	err := d.db.QueryRow(`
		SELECT COALESCE(SUM(received_lamports - spent_lamports), 0)
		FROM virtual_holdings WHERE raw_amount = '0'`).Scan(&pnl)
	return pnl, err
}
