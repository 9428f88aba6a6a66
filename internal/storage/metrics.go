package storage

import (
	"database/sql"
	"math/big"
	"time"
)

// Pipeline outcomes
const (
	OutcomeCopied   = "COPIED"
	OutcomeRejected = "REJECTED"
	OutcomeFailed   = "FAILED"
)

// PipelineEvent is one upstream trade's trip through the pipeline,
// whatever the outcome.
type PipelineEvent struct {
	Signature    string
	Direction    string
	Mint         string
	Source       string
	Outcome      string
	RejectReason string
	UnsafeParse  bool
	DriftPct     *float64
	SellBufferMs int64
	RiskMs       int64
	ExecMs       int64
	TotalMs      int64
	Ts           int64
}

// SourceTrade is what the upstream wallet did, recorded after parsing
type SourceTrade struct {
	Signature    string
	Direction    string
	Mint         string
	BaseLamports uint64
	RawAmount    *big.Int
	UnsafeParse  bool
	Source       string
	Ts           int64
}

// RecordPipelineEvent logs one pipeline trip
func (d *DB) RecordPipelineEvent(e *PipelineEvent) error {
	ts := e.Ts
	if ts == 0 {
		ts = time.Now().Unix()
	}
	var reason any
	if e.RejectReason != "" {
		reason = e.RejectReason
	}
	var drift any
	if e.DriftPct != nil {
		drift = *e.DriftPct
	}
	_, err := d.db.Exec(`
		INSERT INTO pipeline_metrics
		(signature, direction, mint, source, outcome, reject_reason, unsafe_parse, drift_pct, sell_buffer_ms, risk_ms, exec_ms, total_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Signature, e.Direction, e.Mint, e.Source, e.Outcome, reason,
		boolToInt(e.UnsafeParse), drift, e.SellBufferMs, e.RiskMs, e.ExecMs, e.TotalMs, ts)
	return err
}

// RecordSourceTrade logs an upstream trade
func (d *DB) RecordSourceTrade(t *SourceTrade) error {
	ts := t.Ts
	if ts == 0 {
		ts = time.Now().Unix()
	}
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO source_trades
		(signature, direction, mint, base_lamports, raw_amount, unsafe_parse, source, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Signature, t.Direction, t.Mint, int64(t.BaseLamports), t.RawAmount.String(),
		boolToInt(t.UnsafeParse), t.Source, ts)
	return err
}

// OutcomeCounts counts copied and failed trades since the cutoff.
// Rejections are deliberately excluded; the breaker fail rate compares
// executions that went through against executions that broke.
func (d *DB) OutcomeCounts(since time.Time) (copied, failed int, err error) {
	err = d.db.QueryRow(`
		SELECT
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END)
		FROM pipeline_metrics WHERE ts >= ?`,
		OutcomeCopied, OutcomeFailed, since.Unix()).Scan(
		&sqlInt{&copied}, &sqlInt{&failed})
	return
}

// RejectReasonCount counts rejections with the given reason since the cutoff
func (d *DB) RejectReasonCount(reason string, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM pipeline_metrics
		WHERE outcome = ? AND reject_reason = ? AND ts >= ?`,
		OutcomeRejected, reason, since.Unix()).Scan(&n)
	return n, err
}

// LatencySamples returns total pipeline latencies (ms) of copied trades
// since the cutoff, oldest first.
func (d *DB) LatencySamples(since time.Time) ([]int64, error) {
	rows, err := d.db.Query(`
		SELECT total_ms FROM pipeline_metrics
		WHERE outcome = ? AND ts >= ? ORDER BY ts`,
		OutcomeCopied, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		samples = append(samples, ms)
	}
	return samples, rows.Err()
}

// RecentPipelineEvents returns the newest events for the console
func (d *DB) RecentPipelineEvents(limit int) ([]*PipelineEvent, error) {
	rows, err := d.db.Query(`
		SELECT signature, direction, mint, source, outcome, reject_reason, unsafe_parse, drift_pct, sell_buffer_ms, risk_ms, exec_ms, total_ms, ts
		FROM pipeline_metrics ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*PipelineEvent
	for rows.Next() {
		var (
			e      PipelineEvent
			reason sql.NullString
			unsafe int
			drift  sql.NullFloat64
		)
		if err := rows.Scan(&e.Signature, &e.Direction, &e.Mint, &e.Source, &e.Outcome,
			&reason, &unsafe, &drift, &e.SellBufferMs, &e.RiskMs, &e.ExecMs, &e.TotalMs, &e.Ts); err != nil {
			return nil, err
		}
		e.RejectReason = reason.String
		e.UnsafeParse = unsafe == 1
		if drift.Valid {
			v := drift.Float64
			e.DriftPct = &v
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PipelineStats aggregates outcomes since the cutoff for status views
func (d *DB) PipelineStats(since time.Time) (copied, rejected, failed int, err error) {
	err = d.db.QueryRow(`
		SELECT
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END)
		FROM pipeline_metrics WHERE ts >= ?`,
		OutcomeCopied, OutcomeRejected, OutcomeFailed, since.Unix()).Scan(
		&sqlInt{&copied}, &sqlInt{&rejected}, &sqlInt{&failed})
	return
}

// PrunePipelineEvents deletes metric rows older than maxAge and
// returns how many were removed.
func (d *DB) PrunePipelineEvents(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := d.db.Exec("DELETE FROM pipeline_metrics WHERE ts < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneSourceTrades deletes upstream trade rows older than maxAge and
// returns how many were removed.
func (d *DB) PruneSourceTrades(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := d.db.Exec("DELETE FROM source_trades WHERE ts < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// sqlInt scans a nullable SUM() into an int, treating NULL as zero
type sqlInt struct{ v *int }

func (s *sqlInt) Scan(src any) error {
	if src == nil {
		*s.v = 0
		return nil
	}
	switch n := src.(type) {
	case int64:
		*s.v = int(n)
	case float64:
		*s.v = int(n)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
