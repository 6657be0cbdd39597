package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AuditEvent names a persistence_audit row kind.
type AuditEvent string

const (
	EventCreated     AuditEvent = "CREATED"
	EventFailed      AuditEvent = "FAILED"
	EventAuditHash   AuditEvent = "AUDIT_HASH"
	EventRegimeShift AuditEvent = "REGIME_SHIFT"
	EventRegimeStats AuditEvent = "REGIME_STATS"
	EventRunFailed   AuditEvent = "RUN_FAILED"
)

// singleVersionPerDay events keep at most one row per
// (trade_date, report_kind, event); writing one replaces the previous.
var singleVersionPerDay = map[AuditEvent]bool{
	EventRegimeShift: true,
	EventRegimeStats: true,
}

// SingleVersionPerDay reports whether event replaces instead of appends.
func SingleVersionPerDay(event AuditEvent) bool {
	return singleVersionPerDay[event]
}

// UnitOfWork owns one pinned connection and at most one BEGIN IMMEDIATE
// transaction on it. Every statement of the transaction must run on Q().
//
// A UnitOfWork is not safe for concurrent use.
type UnitOfWork struct {
	conn   *sql.Conn
	owned  bool
	active bool
	opts   options
}

// NewUnitOfWork pins a connection from db. Close releases it.
func NewUnitOfWork(ctx context.Context, db *sql.DB, opts ...Option) (*UnitOfWork, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, wrap("acquire connection", err)
	}
	return &UnitOfWork{conn: conn, owned: true, opts: buildOptions(opts)}, nil
}

// UnitOfWorkOn wraps a connection the caller already holds. Close does not
// release it.
func UnitOfWorkOn(conn *sql.Conn, opts ...Option) *UnitOfWork {
	return &UnitOfWork{conn: conn, opts: buildOptions(opts)}
}

// Q returns the statement surface of this unit of work.
func (u *UnitOfWork) Q() DBTX {
	return u.conn
}

// Active reports whether a transaction is open.
func (u *UnitOfWork) Active() bool {
	return u.active
}

// BeginImmediate starts an exclusive write transaction. Nested transactions
// are not supported: calling it while one is active fails.
func (u *UnitOfWork) BeginImmediate(ctx context.Context) error {
	if u.active {
		return storageError("begin", "transaction already active")
	}
	if _, err := u.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return wrap("begin", fmt.Errorf("begin immediate: %w", err))
	}
	u.active = true
	return nil
}

// Commit commits the open transaction. No-op when none is active.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if !u.active {
		return nil
	}
	u.active = false
	if _, err := u.conn.ExecContext(ctx, "COMMIT"); err != nil {
		// A failed COMMIT can leave SQLite inside the transaction.
		_, _ = u.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return wrap("commit", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Rollback aborts the open transaction, best effort. No-op when none is
// active.
func (u *UnitOfWork) Rollback(ctx context.Context) {
	if !u.active {
		return
	}
	u.active = false
	// Rollback must run even when ctx is already cancelled.
	if _, err := u.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		u.opts.logger.Warn().Err(err).Msg("rollback failed")
	}
}

// Close rolls back any open transaction and releases an owned connection.
func (u *UnitOfWork) Close() error {
	u.Rollback(context.Background())
	if !u.owned || u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

// RecordAudit writes an audit row inside the current transaction without
// committing. Single-version-per-day events first delete the existing row
// for the same (tradeDate, reportKind, event).
func (u *UnitOfWork) RecordAudit(ctx context.Context, tradeDate, reportKind string, event AuditEvent, note string) error {
	return recordAudit(ctx, u.Q(), u.opts, tradeDate, reportKind, event, note)
}

func recordAudit(ctx context.Context, q DBTX, o options, tradeDate, reportKind string, event AuditEvent, note string) error {
	const op = "record audit"

	if SingleVersionPerDay(event) {
		_, err := q.ExecContext(ctx, `
			DELETE FROM persistence_audit
			WHERE trade_date = ? AND report_kind = ? AND event = ?
		`, tradeDate, reportKind, string(event))
		if err != nil {
			return wrap(op, err)
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO persistence_audit
		(trade_date, report_kind, event, note, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		tradeDate,
		reportKind,
		string(event),
		nullable(note),
		o.timestamp(),
	)
	if err != nil {
		return wrap(op, err)
	}
	return nil
}
