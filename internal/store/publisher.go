package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PublishRequest is one atomic L2 publish.
type PublishRequest struct {
	TradeDate     string
	ReportKind    string
	ReportText    string
	Evidence      map[string]any // must carry the mandatory top-level keys
	EngineVersion string
	Meta          map[string]any // optional; meta["run_id"] links the publish to an L1 run
}

// RunID returns the run id carried in Meta, or "".
func (r PublishRequest) RunID() string {
	if r.Meta == nil {
		return ""
	}
	id, _ := r.Meta["run_id"].(string)
	return id
}

// Published describes a committed publish. Hooks receive it.
type Published struct {
	TradeDate     string
	ReportKind    string
	EngineVersion string
	RunID         string
	ReportHash    string
	DESHash       string
}

// PostPublishHook runs after a publish has committed, inside its own unit
// of work. A hook error rolls back only the hook's writes; it is logged and
// never changes the publish result.
type PostPublishHook interface {
	Name() string
	AfterPublish(ctx context.Context, uow *UnitOfWork, pub Published) error
}

// Publisher writes report, evidence, link and CREATED audit row in one
// BEGIN IMMEDIATE transaction.
type Publisher struct {
	db   *sql.DB
	opts options
}

// NewPublisher creates a publisher over db.
func NewPublisher(db *sql.DB, opts ...Option) *Publisher {
	return &Publisher{db: db, opts: buildOptions(opts)}
}

// Publish atomically publishes req and returns (report_hash, des_hash).
//
// On any failure nothing of the publish is visible afterwards, a FAILED
// audit row is written best-effort in a separate transaction, and the
// original error is returned. A second publish for the same key fails with
// AlreadyPublished and leaves the first unchanged.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (reportHash, desHash string, err error) {
	const op = "publish"

	reportHash, desHash, err = p.publishTx(ctx, req)
	if err != nil {
		err = wrap(op, err)
		p.recordFailureBestEffort(ctx, req, err)
		return "", "", err
	}

	p.runHooks(ctx, Published{
		TradeDate:     req.TradeDate,
		ReportKind:    req.ReportKind,
		EngineVersion: req.EngineVersion,
		RunID:         req.RunID(),
		ReportHash:    reportHash,
		DESHash:       desHash,
	})
	return reportHash, desHash, nil
}

func (p *Publisher) publishTx(ctx context.Context, req PublishRequest) (string, string, error) {
	uow, err := NewUnitOfWork(ctx, p.db, p.withOpts()...)
	if err != nil {
		return "", "", err
	}
	defer uow.Close()

	if err := uow.BeginImmediate(ctx); err != nil {
		return "", "", err
	}

	reportHash, desHash, err := p.writeAll(ctx, uow, req)
	if err != nil {
		uow.Rollback(ctx)
		return "", "", err
	}

	if err := uow.Commit(ctx); err != nil {
		return "", "", err
	}
	return reportHash, desHash, nil
}

func (p *Publisher) writeAll(ctx context.Context, uow *UnitOfWork, req PublishRequest) (string, string, error) {
	runID := req.RunID()
	evidence := withReportMetaRunID(req.Evidence, runID)

	reports := NewReportStore(uow.Q(), p.withOpts()...)
	reportHash, err := reports.SaveReport(ctx, req.TradeDate, req.ReportKind, req.ReportText, req.Meta)
	if err != nil {
		return "", "", err
	}

	evidenceStore := NewEvidenceStore(uow.Q(), p.withOpts()...)
	desHash, err := evidenceStore.SaveEvidence(ctx, req.TradeDate, req.ReportKind, req.EngineVersion, evidence)
	if err != nil {
		return "", "", err
	}

	_, err = uow.Q().ExecContext(ctx, `
		INSERT INTO report_des_link
		(trade_date, report_kind, report_hash, des_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		req.TradeDate,
		req.ReportKind,
		reportHash,
		desHash,
		p.opts.timestamp(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", "", AlreadyPublished(req.TradeDate, req.ReportKind)
		}
		return "", "", wrap("insert link", err)
	}

	dup, err := hasCreatedForRun(ctx, uow.Q(), req.TradeDate, req.ReportKind, runID)
	if err != nil {
		return "", "", err
	}
	if !dup {
		note, err := marshalJSON("audit", map[string]any{
			"run_id":         nullableValue(runID),
			"engine_version": req.EngineVersion,
			"report_hash":    reportHash,
			"des_hash":       desHash,
		})
		if err != nil {
			return "", "", err
		}
		if err := uow.RecordAudit(ctx, req.TradeDate, req.ReportKind, EventCreated, note); err != nil {
			return "", "", err
		}
	}

	return reportHash, desHash, nil
}

// hasCreatedForRun reports whether a CREATED row for the key already names
// runID. Publishes without a run id are never deduplicated.
func hasCreatedForRun(ctx context.Context, q DBTX, tradeDate, reportKind, runID string) (bool, error) {
	if runID == "" {
		return false, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT note FROM persistence_audit
		WHERE trade_date = ? AND report_kind = ? AND event = ?
		ORDER BY id ASC
	`, tradeDate, reportKind, string(EventCreated))
	if err != nil {
		return false, wrap("check created", err)
	}
	defer rows.Close()

	for rows.Next() {
		var note sql.NullString
		if err := rows.Scan(&note); err != nil {
			return false, wrap("check created", err)
		}
		if !note.Valid {
			continue
		}
		obj, err := decodeObject(note.String)
		if err != nil {
			// Notes are free-form; non-JSON rows cannot name a run.
			continue
		}
		if id, _ := obj["run_id"].(string); id == runID {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, wrap("check created", err)
	}
	return false, nil
}

// withReportMetaRunID returns evidence with report_meta.run_id set to runID.
// The caller's maps are never mutated.
func withReportMetaRunID(evidence map[string]any, runID string) map[string]any {
	if runID == "" || evidence == nil {
		return evidence
	}
	out := make(map[string]any, len(evidence)+1)
	for k, v := range evidence {
		out[k] = v
	}
	reportMeta := make(map[string]any)
	if existing, ok := evidence["report_meta"].(map[string]any); ok {
		for k, v := range existing {
			reportMeta[k] = v
		}
	}
	reportMeta["run_id"] = runID
	out["report_meta"] = reportMeta
	return out
}

// recordFailureBestEffort writes a FAILED audit row in its own transaction.
// It is the one place in this package that logs instead of returning an
// error: the publish error always takes precedence.
func (p *Publisher) recordFailureBestEffort(ctx context.Context, req PublishRequest, cause error) {
	ctx = context.WithoutCancel(ctx)

	err := func() error {
		note, err := marshalJSON("audit", map[string]any{
			"run_id":         nullableValue(req.RunID()),
			"engine_version": req.EngineVersion,
			"error_type":     string(KindOf(cause)),
			"error":          cause.Error(),
		})
		if err != nil {
			return err
		}

		uow, err := NewUnitOfWork(ctx, p.db, p.withOpts()...)
		if err != nil {
			return err
		}
		defer uow.Close()

		if err := uow.BeginImmediate(ctx); err != nil {
			return err
		}
		if err := uow.RecordAudit(ctx, req.TradeDate, req.ReportKind, EventFailed, note); err != nil {
			uow.Rollback(ctx)
			return err
		}
		return uow.Commit(ctx)
	}()
	if err != nil {
		p.opts.logger.Warn().
			Err(err).
			Str("trade_date", req.TradeDate).
			Str("report_kind", req.ReportKind).
			Str("cause", cause.Error()).
			Msg("failed to record FAILED audit event")
	}
}

func (p *Publisher) runHooks(ctx context.Context, pub Published) {
	for _, hook := range p.opts.hooks {
		if err := p.runHook(ctx, hook, pub); err != nil {
			p.opts.logger.Warn().
				Err(err).
				Str("hook", hook.Name()).
				Str("trade_date", pub.TradeDate).
				Str("report_kind", pub.ReportKind).
				Msg("post-publish hook failed")
		}
	}
}

func (p *Publisher) runHook(ctx context.Context, hook PostPublishHook, pub Published) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", hook.Name(), r)
		}
	}()

	uow, err := NewUnitOfWork(ctx, p.db, p.withOpts()...)
	if err != nil {
		return err
	}
	defer uow.Close()

	if err := uow.BeginImmediate(ctx); err != nil {
		return err
	}
	if err := hook.AfterPublish(ctx, uow, pub); err != nil {
		uow.Rollback(ctx)
		return err
	}
	return uow.Commit(ctx)
}

// withOpts forwards the publisher's clock and logger to the stores it
// builds.
func (p *Publisher) withOpts() []Option {
	return []Option{WithClock(p.opts.now), WithLogger(p.opts.logger)}
}

// nullableValue maps "" to JSON null.
func nullableValue(s string) any {
	if s == "" {
		return nil
	}
	return s
}
