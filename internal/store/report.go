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

// ReportArtifact is one published report, immutable once written.
type ReportArtifact struct {
	TradeDate   string
	ReportKind  string
	ContentText string
	ContentHash string
	Meta        map[string]any // nil when stored without meta
	MetaJSON    *string        // canonical meta text exactly as stored
	CreatedAt   time.Time
}

// ReportStore reads and writes report_artifact rows.
type ReportStore struct {
	db   DBTX
	opts options
}

// NewReportStore creates a report store over db.
func NewReportStore(db DBTX, opts ...Option) *ReportStore {
	return &ReportStore{db: db, opts: buildOptions(opts)}
}

// SaveReport inserts the report for (tradeDate, reportKind) and returns its
// content hash. A second save for the same key fails with AlreadyPublished
// and leaves the first row untouched.
func (s *ReportStore) SaveReport(ctx context.Context, tradeDate, reportKind, contentText string, meta map[string]any) (string, error) {
	const op = "save report"

	if strings.TrimSpace(contentText) == "" {
		return "", InvalidPayload("report", "empty content")
	}

	metaJSON, err := marshalOptionalJSON("report", meta)
	if err != nil {
		return "", wrap(op, err)
	}

	var metaPtr *string
	if metaJSON.Valid {
		metaPtr = &metaJSON.String
	}
	hash, err := canon.ReportHash(tradeDate, reportKind, contentText, metaPtr)
	if err != nil {
		return "", wrap(op, invalidFromCanon("report", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_artifact
		(trade_date, report_kind, content_text, content_hash, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		tradeDate,
		reportKind,
		contentText,
		hash,
		metaJSON,
		s.opts.timestamp(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", AlreadyPublished(tradeDate, reportKind)
		}
		return "", wrap(op, err)
	}

	return hash, nil
}

// GetReport returns the report for the key, or nil when absent.
// meta_json that does not decode to an object is corruption, not absence.
func (s *ReportStore) GetReport(ctx context.Context, tradeDate, reportKind string) (*ReportArtifact, error) {
	const op = "get report"

	var (
		art       ReportArtifact
		metaJSON  sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT trade_date, report_kind, content_text, content_hash, meta_json, created_at
		FROM report_artifact
		WHERE trade_date = ? AND report_kind = ?
	`, tradeDate, reportKind).Scan(
		&art.TradeDate,
		&art.ReportKind,
		&art.ContentText,
		&art.ContentHash,
		&metaJSON,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}

	if metaJSON.Valid {
		meta, err := decodeObject(metaJSON.String)
		if err != nil {
			return nil, wrap(op, fmt.Errorf("decode meta_json for %s/%s: %w", tradeDate, reportKind, err))
		}
		art.Meta = meta
		art.MetaJSON = &metaJSON.String
	}
	art.CreatedAt = parseTime(createdAt)

	return &art, nil
}

// VerifyReport recomputes the content hash from the stored raw fields.
// It returns false when the report does not exist and a Tampered error when
// the stored hash no longer matches.
func (s *ReportStore) VerifyReport(ctx context.Context, tradeDate, reportKind string) (bool, error) {
	const op = "verify report"

	var (
		contentText string
		storedHash  string
		metaJSON    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT content_text, content_hash, meta_json
		FROM report_artifact
		WHERE trade_date = ? AND report_kind = ?
	`, tradeDate, reportKind).Scan(&contentText, &storedHash, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap(op, err)
	}

	var metaPtr *string
	if metaJSON.Valid {
		metaPtr = &metaJSON.String
	}
	recomputed, err := canon.ReportHash(tradeDate, reportKind, contentText, metaPtr)
	if err != nil {
		return false, wrap(op, err)
	}
	if recomputed != storedHash {
		tampered := Tampered("report", tradeDate, reportKind)
		tampered.Op = op
		return false, tampered
	}
	return true, nil
}
