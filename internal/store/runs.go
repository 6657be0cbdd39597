package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
)

// RunStatus is the L1 run lifecycle state.
type RunStatus string

const (
	StatusStarted   RunStatus = "STARTED"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunMeta is one run_meta row.
type RunMeta struct {
	RunID         string
	TradeDate     string
	ReportKind    string
	EngineVersion string
	Status        RunStatus
	StartedAt     time.Time
	FinishedAt    *time.Time
	ErrorType     string
	ErrorMessage  string
}

// GateDecision is the single gate outcome of a run.
type GateDecision struct {
	Gate       string
	DRS        string
	FRF        string
	ActionHint string         // optional
	RuleHits   map[string]any // optional
}

// Runs persists L1 engine runs: run_meta plus snapshot, factor and gate
// child rows. Re-running a (trade_date, report_kind) replaces all of its L1
// rows; L2 is never touched.
type Runs struct {
	db   *sql.DB
	opts options
}

// NewRuns creates L1 run persistence over db.
func NewRuns(db *sql.DB, opts ...Option) *Runs {
	return &Runs{db: db, opts: buildOptions(opts)}
}

// inTx runs fn inside one BEGIN IMMEDIATE transaction on a pinned
// connection, committing on success and rolling back on error.
func (r *Runs) inTx(ctx context.Context, fn func(uow *UnitOfWork) error) error {
	uow, err := NewUnitOfWork(ctx, r.db, WithClock(r.opts.now), WithLogger(r.opts.logger))
	if err != nil {
		return err
	}
	defer uow.Close()

	if err := uow.BeginImmediate(ctx); err != nil {
		return err
	}
	if err := fn(uow); err != nil {
		uow.Rollback(ctx)
		return err
	}
	return uow.Commit(ctx)
}

// StartRun purges every prior L1 run of (tradeDate, reportKind) and inserts
// a fresh STARTED run, atomically. It returns the new run id.
func (r *Runs) StartRun(ctx context.Context, tradeDate, reportKind, engineVersion string) (string, error) {
	const op = "start run"

	runID := r.opts.runIDs.Generate()
	err := r.inTx(ctx, func(uow *UnitOfWork) error {
		if err := purgeRuns(ctx, uow.Q(), tradeDate, reportKind); err != nil {
			return err
		}
		_, err := uow.Q().ExecContext(ctx, `
			INSERT INTO run_meta
			(run_id, trade_date, report_kind, engine_version, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			runID,
			tradeDate,
			reportKind,
			engineVersion,
			string(StatusStarted),
			r.opts.timestamp(),
		)
		return err
	})
	if err != nil {
		return "", wrap(op, err)
	}

	r.opts.logger.Debug().
		Str("run_id", runID).
		Str("trade_date", tradeDate).
		Str("report_kind", reportKind).
		Msg("run started")
	return runID, nil
}

// purgeRuns deletes all L1 rows of every run for the key, children first.
func purgeRuns(ctx context.Context, q DBTX, tradeDate, reportKind string) error {
	ids, err := runIDsByKey(ctx, q, tradeDate, reportKind)
	if err != nil {
		return err
	}
	for _, id := range ids {
		for _, table := range []string{"snapshot_raw", "factor_result", "gate_decision", "run_meta"} {
			stmt := fmt.Sprintf("DELETE FROM %s WHERE run_id = ?", table)
			if _, err := q.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("purge %s for run %s: %w", table, id, err)
			}
		}
	}
	return nil
}

func runIDsByKey(ctx context.Context, q DBTX, tradeDate, reportKind string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT run_id FROM run_meta
		WHERE trade_date = ? AND report_kind = ?
		ORDER BY started_at ASC, run_id ASC
	`, tradeDate, reportKind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RunsByKey lists the run ids currently stored for the key. After
// overwrite-on-rerun this holds at most one id.
func (r *Runs) RunsByKey(ctx context.Context, tradeDate, reportKind string) ([]string, error) {
	ids, err := runIDsByKey(ctx, r.db, tradeDate, reportKind)
	if err != nil {
		return nil, wrap("runs by key", err)
	}
	return ids, nil
}

// GetRun returns the run, or nil when it does not exist.
func (r *Runs) GetRun(ctx context.Context, runID string) (*RunMeta, error) {
	run, err := getRun(ctx, r.db, runID)
	if err != nil {
		return nil, wrap("get run", err)
	}
	return run, nil
}

func getRun(ctx context.Context, q DBTX, runID string) (*RunMeta, error) {
	var (
		run          RunMeta
		status       string
		startedAt    string
		finishedAt   sql.NullString
		errorType    sql.NullString
		errorMessage sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT run_id, trade_date, report_kind, engine_version, status,
		       started_at, finished_at, error_type, error_message
		FROM run_meta
		WHERE run_id = ?
	`, runID).Scan(
		&run.RunID,
		&run.TradeDate,
		&run.ReportKind,
		&run.EngineVersion,
		&status,
		&startedAt,
		&finishedAt,
		&errorType,
		&errorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		run.FinishedAt = &t
	}
	run.ErrorType = errorType.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// requireStarted loads the run and rejects unknown or terminal runs.
func requireStarted(ctx context.Context, q DBTX, runID string) (*RunMeta, error) {
	run, err := getRun(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, RunNotFound(runID)
	}
	if run.Status != StatusStarted {
		return nil, InvalidTransition(runID, fmt.Sprintf("run is %s", run.Status))
	}
	return run, nil
}

// RecordSnapshot stores one raw input snapshot under the run.
// (runID, name, seq) must be unused.
func (r *Runs) RecordSnapshot(ctx context.Context, runID, name string, seq int, payload any) error {
	const op = "record snapshot"

	payloadJSON, err := marshalJSON("snapshot_raw", payload)
	if err != nil {
		return wrap(op, err)
	}

	err = r.inTx(ctx, func(uow *UnitOfWork) error {
		if _, err := requireStarted(ctx, uow.Q(), runID); err != nil {
			return err
		}
		_, err := uow.Q().ExecContext(ctx, `
			INSERT INTO snapshot_raw
			(run_id, snapshot_name, seq, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, runID, name, seq, payloadJSON, r.opts.timestamp())
		if err != nil && isUniqueViolation(err) {
			dup := AlreadyRecorded("snapshot_raw", runID)
			dup.Reason = fmt.Sprintf("%s seq=%d", name, seq)
			return dup
		}
		return err
	})
	return wrap(op, err)
}

// RecordFactor stores one factor result under the run.
// (runID, name, seq) must be unused; version is optional.
func (r *Runs) RecordFactor(ctx context.Context, runID, name, version string, seq int, payload any) error {
	const op = "record factor"

	payloadJSON, err := marshalJSON("factor_result", payload)
	if err != nil {
		return wrap(op, err)
	}

	err = r.inTx(ctx, func(uow *UnitOfWork) error {
		if _, err := requireStarted(ctx, uow.Q(), runID); err != nil {
			return err
		}
		_, err := uow.Q().ExecContext(ctx, `
			INSERT INTO factor_result
			(run_id, factor_name, factor_version, seq, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runID, name, nullable(version), seq, payloadJSON, r.opts.timestamp())
		if err != nil && isUniqueViolation(err) {
			dup := AlreadyRecorded("factor_result", runID)
			dup.Reason = fmt.Sprintf("%s seq=%d", name, seq)
			return dup
		}
		return err
	})
	return wrap(op, err)
}

// RecordGate stores the run's single gate decision.
func (r *Runs) RecordGate(ctx context.Context, runID string, gate GateDecision) error {
	const op = "record gate"

	if strings.TrimSpace(gate.Gate) == "" {
		return InvalidPayload("gate_decision", "empty gate")
	}
	ruleHits, err := marshalOptionalJSON("gate_decision", gate.RuleHits)
	if err != nil {
		return wrap(op, err)
	}

	err = r.inTx(ctx, func(uow *UnitOfWork) error {
		if _, err := requireStarted(ctx, uow.Q(), runID); err != nil {
			return err
		}
		_, err := uow.Q().ExecContext(ctx, `
			INSERT INTO gate_decision
			(run_id, gate, drs, frf, action_hint, rule_hits_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			gate.Gate,
			gate.DRS,
			gate.FRF,
			nullable(gate.ActionHint),
			ruleHits,
			r.opts.timestamp(),
		)
		if err != nil && isUniqueViolation(err) {
			return AlreadyRecorded("gate_decision", runID)
		}
		return err
	})
	return wrap(op, err)
}

// FinishRun moves a STARTED run to COMPLETED or FAILED.
//
// FAILED records errorType and errorMessage. COMPLETED requires the run's
// report, evidence and link rows to exist and appends an AUDIT_HASH event
// chaining the run's L1 rollup to the published L2 hashes. If completion
// fails for any reason the run is downgraded to FAILED (best effort) and
// the triggering error is returned.
func (r *Runs) FinishRun(ctx context.Context, runID string, status RunStatus, errorType, errorMessage string) error {
	const op = "finish run"

	switch status {
	case StatusFailed:
		err := r.inTx(ctx, func(uow *UnitOfWork) error {
			if _, err := requireStarted(ctx, uow.Q(), runID); err != nil {
				return err
			}
			return setStatus(ctx, uow.Q(), runID, StatusFailed, errorType, errorMessage, r.opts.timestamp())
		})
		return wrap(op, err)

	case StatusCompleted:
		var auditHash string
		err := r.inTx(ctx, func(uow *UnitOfWork) error {
			var err error
			auditHash, err = r.complete(ctx, uow, runID)
			return err
		})
		if err != nil {
			err = wrap(op, err)
			r.downgradeBestEffort(ctx, runID, err)
			return err
		}
		r.opts.logger.Debug().
			Str("run_id", runID).
			Str("audit_hash", auditHash).
			Msg("run completed")
		return nil

	default:
		return wrap(op, InvalidTransition(runID, fmt.Sprintf("unsupported target status %q", status)))
	}
}

// complete runs the COMPLETED transition inside uow's transaction and
// returns the new audit hash.
func (r *Runs) complete(ctx context.Context, uow *UnitOfWork, runID string) (string, error) {
	q := uow.Q()

	run, err := requireStarted(ctx, q, runID)
	if err != nil {
		return "", err
	}

	missing, err := missingL2(ctx, q, run.TradeDate, run.ReportKind)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", InvalidTransition(runID, "l2_incomplete:missing="+strings.Join(missing, ","))
	}

	l1Hash, err := computeL1Hash(ctx, q, run)
	if err != nil {
		return "", err
	}

	var reportHash, desHash string
	err = q.QueryRowContext(ctx, `
		SELECT report_hash, des_hash FROM report_des_link
		WHERE trade_date = ? AND report_kind = ?
	`, run.TradeDate, run.ReportKind).Scan(&reportHash, &desHash)
	if err != nil {
		return "", fmt.Errorf("read link: %w", err)
	}

	prev, err := latestAuditHash(ctx, q, run.ReportKind, run.TradeDate)
	if err != nil {
		return "", err
	}

	in := canon.AuditInput{
		RunID:         run.RunID,
		TradeDate:     run.TradeDate,
		ReportKind:    run.ReportKind,
		L1Hash:        l1Hash,
		ReportHash:    reportHash,
		DESHash:       desHash,
		PrevAuditHash: prev,
	}
	auditHash, err := canon.AuditHash(in)
	if err != nil {
		return "", invalidFromCanon("audit_hash", err)
	}

	fields := in.Fields()
	fields["audit_hash"] = auditHash
	note, err := marshalJSON("audit_hash", fields)
	if err != nil {
		return "", err
	}
	if err := uow.RecordAudit(ctx, run.TradeDate, run.ReportKind, EventAuditHash, note); err != nil {
		return "", err
	}

	if err := setStatus(ctx, q, runID, StatusCompleted, "", "", r.opts.timestamp()); err != nil {
		return "", err
	}
	return auditHash, nil
}

// missingL2 names the L2 tables with no row for the key, in fixed order.
func missingL2(ctx context.Context, q DBTX, tradeDate, reportKind string) ([]string, error) {
	var missing []string
	for _, table := range []string{"report_artifact", "decision_evidence_snapshot", "report_des_link"} {
		var n int
		stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE trade_date = ? AND report_kind = ?", table)
		if err := q.QueryRowContext(ctx, stmt, tradeDate, reportKind).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		if n == 0 {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

func setStatus(ctx context.Context, q DBTX, runID string, status RunStatus, errorType, errorMessage, finishedAt string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE run_meta
		SET status = ?, error_type = ?, error_message = ?, finished_at = ?
		WHERE run_id = ?
	`,
		string(status),
		nullable(errorType),
		nullable(errorMessage),
		finishedAt,
		runID,
	)
	return err
}

// downgradeBestEffort marks a still-STARTED run FAILED after a rejected
// completion and records a RUN_FAILED audit row. Failures are logged only:
// the completion error is what the caller sees.
func (r *Runs) downgradeBestEffort(ctx context.Context, runID string, cause error) {
	ctx = context.WithoutCancel(ctx)

	errorType := string(KindOf(cause))
	err := r.inTx(ctx, func(uow *UnitOfWork) error {
		run, err := getRun(ctx, uow.Q(), runID)
		if err != nil || run == nil || run.Status != StatusStarted {
			return err
		}
		if err := setStatus(ctx, uow.Q(), runID, StatusFailed, errorType, cause.Error(), r.opts.timestamp()); err != nil {
			return err
		}
		note, err := marshalJSON("audit", map[string]any{
			"run_id":     runID,
			"error_type": errorType,
			"error":      cause.Error(),
		})
		if err != nil {
			return err
		}
		return uow.RecordAudit(ctx, run.TradeDate, run.ReportKind, EventRunFailed, note)
	})
	if err != nil {
		r.opts.logger.Warn().
			Err(err).
			Str("run_id", runID).
			Str("cause", cause.Error()).
			Msg("failed to downgrade run to FAILED")
	}
}
