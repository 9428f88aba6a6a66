package storage

import (
	"database/sql"
	"time"
)

// AddDailySpend charges lamports against the UTC day budget
func (d *DB) AddDailySpend(day string, lamports uint64) error {
	_, err := d.db.Exec(`
		INSERT INTO daily_budgets (day, spent_lamports) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET spent_lamports = spent_lamports + excluded.spent_lamports`,
		day, int64(lamports))
	return err
}

// ReleaseDailySpend refunds lamports after a failed live buy so the
// budget reflects only what actually left the wallet.
func (d *DB) ReleaseDailySpend(day string, lamports uint64) error {
	_, err := d.db.Exec(`
		UPDATE daily_budgets
		SET spent_lamports = MAX(0, spent_lamports - ?)
		WHERE day = ?`,
		int64(lamports), day)
	return err
}

// GetDailySpend returns lamports spent on the given UTC day
func (d *DB) GetDailySpend(day string) (uint64, error) {
	var spent int64
	err := d.db.QueryRow(
		"SELECT spent_lamports FROM daily_budgets WHERE day = ?", day).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(spent), nil
}

// SetLastBuy records the cooldown anchor for a mint
func (d *DB) SetLastBuy(mint string, at time.Time) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO cooldowns (mint, last_buy_at) VALUES (?, ?)`,
		mint, at.Unix())
	return err
}

// GetLastBuy returns when the mint was last bought, zero time when never
func (d *DB) GetLastBuy(mint string) (time.Time, error) {
	var ts int64
	err := d.db.QueryRow(
		"SELECT last_buy_at FROM cooldowns WHERE mint = ?", mint).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0), nil
}
