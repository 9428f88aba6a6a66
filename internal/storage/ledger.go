package storage

import (
	"database/sql"
	"time"
)

// MarkProcessed atomically claims a transaction signature. Returns true
// when this call inserted the row, false when another source already
// claimed it. This is the only dedup gate: callers must not act on a
// signature unless this returned true.
func (d *DB) MarkProcessed(signature, source string) (bool, error) {
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO processed_events (signature, source, seen_at)
		VALUES (?, ?, ?)`,
		signature, source, time.Now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HasProcessed is a read-only probe used by ingestion sources to skip
// known signatures cheaply. It races with MarkProcessed, so a false
// here never authorizes a trade.
func (d *DB) HasProcessed(signature string) (bool, error) {
	var one int
	err := d.db.QueryRow(
		"SELECT 1 FROM processed_events WHERE signature = ?", signature).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ProcessedCount returns the current ledger size
func (d *DB) ProcessedCount() (int, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM processed_events").Scan(&n)
	return n, err
}

// PruneProcessed deletes ledger entries older than maxAge and returns
// how many rows were removed.
func (d *DB) PruneProcessed(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := d.db.Exec("DELETE FROM processed_events WHERE seen_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
