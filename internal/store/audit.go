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

// AuditRecord is one persistence_audit row.
type AuditRecord struct {
	ID         int64
	TradeDate  string
	ReportKind string
	Event      AuditEvent
	Note       string
	CreatedAt  time.Time
}

// AuditFilter narrows Events. Zero fields match everything.
type AuditFilter struct {
	TradeDate  string
	ReportKind string
	Event      AuditEvent
	Limit      int
}

// ChainReport summarizes a verified AUDIT_HASH chain.
type ChainReport struct {
	ReportKind string
	Links      int    // AUDIT_HASH records verified
	L1Checked  int    // links whose run is still stored and was re-hashed
	Head       string // audit_hash of the newest link
}

// AuditLog reads persistence_audit and verifies the audit hash chain.
type AuditLog struct {
	db DBTX
}

// NewAuditLog creates an audit log reader over db.
func NewAuditLog(db DBTX) *AuditLog {
	return &AuditLog{db: db}
}

// Events lists audit rows matching f ordered by id.
func (a *AuditLog) Events(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	const op = "audit events"

	var (
		where []string
		args  []any
	)
	if f.TradeDate != "" {
		where = append(where, "trade_date = ?")
		args = append(args, f.TradeDate)
	}
	if f.ReportKind != "" {
		where = append(where, "report_kind = ?")
		args = append(args, f.ReportKind)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(f.Event))
	}

	query := "SELECT id, trade_date, report_kind, event, note, created_at FROM persistence_audit"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec       AuditRecord
			event     string
			note      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.TradeDate, &rec.ReportKind, &event, &note, &createdAt); err != nil {
			return nil, wrap(op, err)
		}
		rec.Event = AuditEvent(event)
		rec.Note = note.String
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

// LatestAuditHash returns the audit_hash a COMPLETED run of reportKind on
// tradeDate would chain onto: the newest AUDIT_HASH with trade_date at or
// before tradeDate. "" when there is none.
func (a *AuditLog) LatestAuditHash(ctx context.Context, reportKind, tradeDate string) (string, error) {
	h, err := latestAuditHash(ctx, a.db, reportKind, tradeDate)
	if err != nil {
		return "", wrap("latest audit hash", err)
	}
	return h, nil
}

func latestAuditHash(ctx context.Context, q DBTX, reportKind, tradeDate string) (string, error) {
	var note sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT note FROM persistence_audit
		WHERE report_kind = ? AND event = ? AND trade_date <= ?
		ORDER BY trade_date DESC, id DESC
		LIMIT 1
	`, reportKind, string(EventAuditHash), tradeDate).Scan(&note)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read previous audit hash: %w", err)
	}
	link, err := parseAuditNote(note.String)
	if err != nil {
		return "", &Error{Kind: KindStorage, Op: "read previous audit hash", Reason: "corrupt AUDIT_HASH note", Err: err}
	}
	return link.AuditHash, nil
}

// auditLink is the decoded note of an AUDIT_HASH row.
type auditLink struct {
	canon.AuditInput
	AuditHash string
}

func parseAuditNote(note string) (auditLink, error) {
	obj, err := decodeObject(note)
	if err != nil {
		return auditLink{}, err
	}
	str := func(key string) (string, error) {
		switch v := obj[key].(type) {
		case string:
			return v, nil
		case nil:
			return "", nil
		default:
			return "", fmt.Errorf("field %s is %T, want string", key, v)
		}
	}

	var link auditLink
	fields := []struct {
		key string
		dst *string
	}{
		{"run_id", &link.RunID},
		{"trade_date", &link.TradeDate},
		{"report_kind", &link.ReportKind},
		{"l1_hash", &link.L1Hash},
		{"report_hash", &link.ReportHash},
		{"des_hash", &link.DESHash},
		{"prev_audit_hash", &link.PrevAuditHash},
		{"audit_hash", &link.AuditHash},
	}
	for _, f := range fields {
		v, err := str(f.key)
		if err != nil {
			return auditLink{}, err
		}
		*f.dst = v
	}
	if link.AuditHash == "" {
		return auditLink{}, errors.New("missing audit_hash")
	}
	return link, nil
}

// VerifyChain recomputes every AUDIT_HASH link of reportKind in write order.
//
// A link fails when its recomputed hash differs from the stored one, when
// its prev_audit_hash is not the hash of the newest earlier link at or
// before its trade_date, or when its run is still stored as COMPLETED and
// the L1 rollup no longer hashes to l1_hash. Failures are Tampered errors.
func (a *AuditLog) VerifyChain(ctx context.Context, reportKind string) (*ChainReport, error) {
	const op = "verify chain"

	records, err := a.Events(ctx, AuditFilter{ReportKind: reportKind, Event: EventAuditHash})
	if err != nil {
		return nil, err
	}

	report := &ChainReport{ReportKind: reportKind}
	var verified []auditLink
	for _, rec := range records {
		link, err := parseAuditNote(rec.Note)
		if err != nil {
			return nil, tamperedLink(op, rec, fmt.Sprintf("unreadable note: %v", err))
		}
		if link.TradeDate != rec.TradeDate || link.ReportKind != rec.ReportKind {
			return nil, tamperedLink(op, rec, "note key does not match row key")
		}

		recomputed, err := canon.AuditHash(link.AuditInput)
		if err != nil {
			return nil, wrap(op, err)
		}
		if recomputed != link.AuditHash {
			return nil, tamperedLink(op, rec, "audit_hash mismatch")
		}

		if want := expectedPrev(verified, rec.TradeDate); link.PrevAuditHash != want {
			return nil, tamperedLink(op, rec, fmt.Sprintf("prev_audit_hash %q, want %q", link.PrevAuditHash, want))
		}

		run, err := getRun(ctx, a.db, link.RunID)
		if err != nil {
			return nil, wrap(op, err)
		}
		if run != nil && run.Status == StatusCompleted {
			l1, err := computeL1Hash(ctx, a.db, run)
			if err != nil {
				return nil, wrap(op, err)
			}
			if l1 != link.L1Hash {
				return nil, tamperedLink(op, rec, "l1_hash mismatch")
			}
			report.L1Checked++
		}

		verified = append(verified, link)
		report.Links++
		report.Head = link.AuditHash
	}
	return report, nil
}

// expectedPrev mirrors the lookup used at completion time: the newest
// earlier link whose trade_date is at or before tradeDate.
func expectedPrev(earlier []auditLink, tradeDate string) string {
	for i := len(earlier) - 1; i >= 0; i-- {
		if earlier[i].TradeDate <= tradeDate {
			best := earlier[i]
			for j := i - 1; j >= 0; j-- {
				if earlier[j].TradeDate > best.TradeDate && earlier[j].TradeDate <= tradeDate {
					best = earlier[j]
				}
			}
			return best.AuditHash
		}
	}
	return ""
}

func tamperedLink(op string, rec AuditRecord, reason string) *Error {
	e := Tampered("audit_hash", rec.TradeDate, rec.ReportKind)
	e.Op = op
	e.Reason = fmt.Sprintf("audit row %d: %s", rec.ID, reason)
	return e
}
