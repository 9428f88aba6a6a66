package storage

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// Position statuses. SENT means a live buy was submitted but not yet
// confirmed on chain; the row still counts against max_open_positions.
const (
	PositionConfirmed = "CONFIRMED"
	PositionSent      = "SENT"
)

// Position is one held token. RawAmount is the confirmed balance in
// raw units; PendingRaw is the unconfirmed balance of an in-flight buy
// and is nil unless Status is SENT.
type Position struct {
	Mint         string
	RawAmount    *big.Int
	PendingRaw   *big.Int
	Decimals     int
	Status       string
	CostLamports uint64
	LastSig      string
	OpenedAt     int64
	UpdatedAt    int64
}

func scanPosition(row interface{ Scan(...any) error }) (*Position, error) {
	var (
		p          Position
		rawStr     string
		pendingStr sql.NullString
		cost       int64
		lastSig    sql.NullString
	)
	err := row.Scan(&p.Mint, &rawStr, &pendingStr, &p.Decimals, &p.Status,
		&cost, &lastSig, &p.OpenedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.RawAmount, _ = new(big.Int).SetString(rawStr, 10)
	if p.RawAmount == nil {
		return nil, fmt.Errorf("position %s: bad raw amount %q", p.Mint, rawStr)
	}
	if pendingStr.Valid {
		p.PendingRaw, _ = new(big.Int).SetString(pendingStr.String, 10)
		if p.PendingRaw == nil {
			return nil, fmt.Errorf("position %s: bad pending amount %q", p.Mint, pendingStr.String)
		}
	}
	p.CostLamports = uint64(cost)
	p.LastSig = lastSig.String
	return &p, nil
}

const positionCols = "mint, raw_amount, pending_raw, decimals, status, cost_lamports, last_signature, opened_at, updated_at"

// GetPosition retrieves a position by mint, nil when none exists
func (d *DB) GetPosition(mint string) (*Position, error) {
	row := d.db.QueryRow(
		"SELECT "+positionCols+" FROM positions WHERE mint = ?", mint)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetAllPositions retrieves every position ordered by age
func (d *DB) GetAllPositions() ([]*Position, error) {
	rows, err := d.db.Query(
		"SELECT " + positionCols + " FROM positions ORDER BY opened_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CountPositions counts every position row. SENT rows reserve a slot
// so the open-position cap cannot be raced by in-flight buys.
func (d *DB) CountPositions() (int, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM positions").Scan(&n)
	return n, err
}

// UpsertConfirmedBuy credits a confirmed buy directly (dry-run path,
// where there is no send/confirm gap). Adds to an existing position or
// creates one.
func (d *DB) UpsertConfirmedBuy(mint string, raw *big.Int, decimals int, costLamports uint64, sig string) error {
	now := time.Now().Unix()
	existing, err := d.GetPosition(mint)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = d.db.Exec(`
			INSERT INTO positions (mint, raw_amount, decimals, status, cost_lamports, last_signature, opened_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			mint, raw.String(), decimals, PositionConfirmed, int64(costLamports), sig, now, now)
		return err
	}
	total := new(big.Int).Add(existing.RawAmount, raw)
	_, err = d.db.Exec(`
		UPDATE positions
		SET raw_amount = ?, status = ?, cost_lamports = cost_lamports + ?, last_signature = ?, updated_at = ?
		WHERE mint = ?`,
		total.String(), PositionConfirmed, int64(costLamports), sig, now, mint)
	return err
}

// MarkBuySent records an in-flight live buy. The expected raw amount
// goes to pending_raw and the whole position flips to SENT until the
// transaction confirms or fails.
func (d *DB) MarkBuySent(mint string, pendingRaw *big.Int, decimals int, costLamports uint64, sig string) error {
	now := time.Now().Unix()
	existing, err := d.GetPosition(mint)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = d.db.Exec(`
			INSERT INTO positions (mint, raw_amount, pending_raw, decimals, status, cost_lamports, last_signature, opened_at, updated_at)
			VALUES (?, '0', ?, ?, ?, ?, ?, ?, ?)`,
			mint, pendingRaw.String(), decimals, PositionSent, int64(costLamports), sig, now, now)
		return err
	}
	_, err = d.db.Exec(`
		UPDATE positions
		SET pending_raw = ?, status = ?, cost_lamports = cost_lamports + ?, last_signature = ?, updated_at = ?
		WHERE mint = ?`,
		pendingRaw.String(), PositionSent, int64(costLamports), sig, now, mint)
	return err
}

// ConfirmBuy moves pending_raw into the confirmed balance. actualRaw
// overrides the optimistic pending amount when the confirmed meta told
// us what really arrived; pass nil to keep the pending amount.
func (d *DB) ConfirmBuy(mint string, actualRaw *big.Int) error {
	p, err := d.GetPosition(mint)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("confirm buy: no position for %s", mint)
	}
	credit := p.PendingRaw
	if actualRaw != nil {
		credit = actualRaw
	}
	if credit == nil {
		credit = big.NewInt(0)
	}
	total := new(big.Int).Add(p.RawAmount, credit)
	_, err = d.db.Exec(`
		UPDATE positions
		SET raw_amount = ?, pending_raw = NULL, status = ?, updated_at = ?
		WHERE mint = ?`,
		total.String(), PositionConfirmed, time.Now().Unix(), mint)
	return err
}

// FailBuy rolls back an in-flight buy. A position that held nothing
// before the send is removed; otherwise the confirmed balance survives
// and the pending amount is discarded. Returns the lamports that were
// reserved so the caller can release the daily budget.
func (d *DB) FailBuy(mint string, reservedLamports uint64) error {
	p, err := d.GetPosition(mint)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	if p.RawAmount.Sign() == 0 {
		_, err = d.db.Exec("DELETE FROM positions WHERE mint = ?", mint)
		return err
	}
	cost := int64(p.CostLamports) - int64(reservedLamports)
	if cost < 0 {
		cost = 0
	}
	_, err = d.db.Exec(`
		UPDATE positions
		SET pending_raw = NULL, status = ?, cost_lamports = ?, updated_at = ?
		WHERE mint = ?`,
		PositionConfirmed, cost, time.Now().Unix(), mint)
	return err
}

// ReducePosition debits a sell from the confirmed balance. The row is
// deleted when the balance reaches zero. Returns the remaining raw
// amount.
func (d *DB) ReducePosition(mint string, rawDelta *big.Int, sig string) (*big.Int, error) {
	p, err := d.GetPosition(mint)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("reduce: no position for %s", mint)
	}
	remaining := new(big.Int).Sub(p.RawAmount, rawDelta)
	if remaining.Sign() <= 0 {
		_, err = d.db.Exec("DELETE FROM positions WHERE mint = ?", mint)
		return big.NewInt(0), err
	}
	_, err = d.db.Exec(`
		UPDATE positions
		SET raw_amount = ?, last_signature = ?, updated_at = ?
		WHERE mint = ?`,
		remaining.String(), sig, time.Now().Unix(), mint)
	return remaining, err
}

// DeletePosition removes a position outright
func (d *DB) DeletePosition(mint string) error {
	_, err := d.db.Exec("DELETE FROM positions WHERE mint = ?", mint)
	return err
}

// StaleSentPositions returns SENT positions whose last update is older
// than the timeout. The reaper resolves these against on-chain status.
func (d *DB) StaleSentPositions(timeout time.Duration) ([]*Position, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	rows, err := d.db.Query(
		"SELECT "+positionCols+" FROM positions WHERE status = ? AND updated_at < ?",
		PositionSent, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, p)
	}
	return stale, rows.Err()
}
