package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
)

// l1Rollup builds the ordered dump of a run's L1 rows that l1_hash covers.
//
// Payloads are carried as the JSON text exactly as stored, never re-parsed,
// so float formatting can not drift between write and hash.
func l1Rollup(ctx context.Context, q DBTX, run *RunMeta) (map[string]any, error) {
	snapshots, err := rollupRows(ctx, q, `
		SELECT snapshot_name, seq, payload_json FROM snapshot_raw
		WHERE run_id = ?
		ORDER BY snapshot_name ASC, seq ASC
	`, run.RunID, func(rows *sql.Rows) (map[string]any, error) {
		var (
			name    string
			seq     int64
			payload string
		)
		if err := rows.Scan(&name, &seq, &payload); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "seq": seq, "payload_json": payload}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rollup snapshots: %w", err)
	}

	factors, err := rollupRows(ctx, q, `
		SELECT factor_name, factor_version, seq, payload_json FROM factor_result
		WHERE run_id = ?
		ORDER BY factor_name ASC, seq ASC
	`, run.RunID, func(rows *sql.Rows) (map[string]any, error) {
		var (
			name    string
			version sql.NullString
			seq     int64
			payload string
		)
		if err := rows.Scan(&name, &version, &seq, &payload); err != nil {
			return nil, err
		}
		return map[string]any{
			"name":         name,
			"version":      nullString(version),
			"seq":          seq,
			"payload_json": payload,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rollup factors: %w", err)
	}

	var gate any
	var (
		g                        string
		drs, frf                 string
		actionHint, ruleHitsJSON sql.NullString
	)
	err = q.QueryRowContext(ctx, `
		SELECT gate, drs, frf, action_hint, rule_hits_json FROM gate_decision
		WHERE run_id = ?
	`, run.RunID).Scan(&g, &drs, &frf, &actionHint, &ruleHitsJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		gate = nil
	case err != nil:
		return nil, fmt.Errorf("rollup gate: %w", err)
	default:
		gate = map[string]any{
			"gate":           g,
			"drs":            drs,
			"frf":            frf,
			"action_hint":    nullString(actionHint),
			"rule_hits_json": nullString(ruleHitsJSON),
		}
	}

	return map[string]any{
		"run_id":         run.RunID,
		"trade_date":     run.TradeDate,
		"report_kind":    run.ReportKind,
		"engine_version": run.EngineVersion,
		"snapshots":      snapshots,
		"factors":        factors,
		"gate":           gate,
	}, nil
}

func rollupRows(ctx context.Context, q DBTX, query, runID string, scan func(*sql.Rows) (map[string]any, error)) ([]any, error) {
	rows, err := q.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []any{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func computeL1Hash(ctx context.Context, q DBTX, run *RunMeta) (string, error) {
	rollup, err := l1Rollup(ctx, q, run)
	if err != nil {
		return "", err
	}
	h, err := canon.ContentHash(rollup)
	if err != nil {
		return "", invalidFromCanon("l1_rollup", err)
	}
	return h, nil
}

// L1Hash recomputes the rollup hash of a stored run. It returns "" when the
// run does not exist.
func (r *Runs) L1Hash(ctx context.Context, runID string) (string, error) {
	const op = "l1 hash"

	run, err := getRun(ctx, r.db, runID)
	if err != nil {
		return "", wrap(op, err)
	}
	if run == nil {
		return "", nil
	}
	h, err := computeL1Hash(ctx, r.db, run)
	if err != nil {
		return "", wrap(op, err)
	}
	return h, nil
}

func nullString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}
