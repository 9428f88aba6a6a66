package storage

import "time"

// PnLSnapshot is a periodic mark of wallet health
type PnLSnapshot struct {
	ID                    int64
	CashLamports          uint64
	HoldingsValueLamports uint64
	OpenPositions         int
	RealizedPnLLamports   int64
	Ts                    int64
}

// ExecutionComparison records realized slippage on one live fill: the
// quoted per-token price against the landed one, with fee and compute
// units read from the finalized transaction meta.
type ExecutionComparison struct {
	ID            int64
	Signature     string
	Mint          string
	Direction     string
	QuotedPrice   float64
	ExecutedPrice float64
	SlippagePct   float64
	FeeLamports   uint64
	ComputeUnits  uint64
	Alerted       bool
	Ts            int64
}

// InsertPnLSnapshot appends a snapshot row
func (d *DB) InsertPnLSnapshot(s *PnLSnapshot) error {
	ts := s.Ts
	if ts == 0 {
		ts = time.Now().Unix()
	}
	_, err := d.db.Exec(`
		INSERT INTO pnl_snapshots (cash_lamports, holdings_value_lamports, open_positions, realized_pnl_lamports, ts)
		VALUES (?, ?, ?, ?, ?)`,
		int64(s.CashLamports), int64(s.HoldingsValueLamports), s.OpenPositions, s.RealizedPnLLamports, ts)
	return err
}

// RecentPnLSnapshots returns the newest snapshots first
func (d *DB) RecentPnLSnapshots(limit int) ([]*PnLSnapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, cash_lamports, holdings_value_lamports, open_positions, realized_pnl_lamports, ts
		FROM pnl_snapshots ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*PnLSnapshot
	for rows.Next() {
		var (
			s          PnLSnapshot
			cash, held int64
		)
		if err := rows.Scan(&s.ID, &cash, &held, &s.OpenPositions, &s.RealizedPnLLamports, &s.Ts); err != nil {
			return nil, err
		}
		s.CashLamports = uint64(cash)
		s.HoldingsValueLamports = uint64(held)
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}

// PrunePnLSnapshots deletes snapshot rows older than maxAge and
// returns how many were removed.
func (d *DB) PrunePnLSnapshots(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := d.db.Exec("DELETE FROM pnl_snapshots WHERE ts < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertComparison appends an execution comparison row
func (d *DB) InsertComparison(c *ExecutionComparison) error {
	ts := c.Ts
	if ts == 0 {
		ts = time.Now().Unix()
	}
	_, err := d.db.Exec(`
		INSERT INTO execution_comparisons (signature, mint, direction, quoted_price, executed_price, slippage_pct, fee_lamports, compute_units, alerted, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Signature, c.Mint, c.Direction, c.QuotedPrice, c.ExecutedPrice, c.SlippagePct,
		int64(c.FeeLamports), int64(c.ComputeUnits), boolToInt(c.Alerted), ts)
	return err
}

// RecentComparisons returns the newest comparisons first
func (d *DB) RecentComparisons(limit int) ([]*ExecutionComparison, error) {
	rows, err := d.db.Query(`
		SELECT id, signature, mint, direction, quoted_price, executed_price, slippage_pct, fee_lamports, compute_units, alerted, ts
		FROM execution_comparisons ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comps []*ExecutionComparison
	for rows.Next() {
		var (
			c       ExecutionComparison
			fee, cu int64
			alerted int
		)
		if err := rows.Scan(&c.ID, &c.Signature, &c.Mint, &c.Direction,
			&c.QuotedPrice, &c.ExecutedPrice, &c.SlippagePct, &fee, &cu, &alerted, &c.Ts); err != nil {
			return nil, err
		}
		c.FeeLamports = uint64(fee)
		c.ComputeUnits = uint64(cu)
		c.Alerted = alerted == 1
		comps = append(comps, &c)
	}
	return comps, rows.Err()
}

// PruneComparisons deletes comparison rows older than maxAge and
// returns how many were removed.
func (d *DB) PruneComparisons(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := d.db.Exec("DELETE FROM execution_comparisons WHERE ts < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
