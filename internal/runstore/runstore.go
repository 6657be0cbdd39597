// Package runstore reconstructs replayable run payloads from the L1 and L2
// tables, tolerating the column drift of older databases.
//
// Column availability is captured once in a Capabilities value when the
// Store is built; every query branches on that frozen set instead of
// re-introspecting.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

// SchemaVersion tags payloads produced by this adapter.
const SchemaVersion = "URV12-SQLITE-L1L2"

// DefaultFindLimit caps FindRuns when the filter sets no limit.
const DefaultFindLimit = 50

var (
	// ErrInvalidRunID: the run id argument is blank.
	ErrInvalidRunID = errors.New("run id must be a non-empty string")

	// ErrRunNotFound: no run_meta row for the id.
	ErrRunNotFound = errors.New("run not found")

	// ErrPayloadShape: a stored JSON column does not decode into the shape
	// its reader expects.
	ErrPayloadShape = errors.New("stored payload has unexpected shape")
)

// ReportDump is the L2 view of a run: des_payload, rendered and
// report_meta, each present only when stored.
type ReportDump = map[string]any

// RunPayload is the uniform replay view of one persisted run.
type RunPayload struct {
	RunID         string         `json:"run_id"`
	TradeDate     string         `json:"trade_date"`
	Kind          string         `json:"kind"`
	SchemaVersion string         `json:"schema_version"`
	EngineVersion string         `json:"engine_version,omitempty"`
	SnapshotRaw   map[string]any `json:"snapshot_raw"`
	FactorResult  map[string]any `json:"factor_result"`
	GateDecision  map[string]any `json:"gate_decision"`
	SlotsFinal    map[string]any `json:"slots_final"`
	ReportDump    ReportDump     `json:"report_dump"`
}

// RunFilter narrows FindRuns. Zero fields match everything.
type RunFilter struct {
	TradeDate string
	Kind      string
	Limit     int
}

// RunSummary is one FindRuns row. Optional fields are nil when the column
// does not exist in this database (or holds NULL).
type RunSummary struct {
	RunID         string  `json:"run_id"`
	TradeDate     string  `json:"trade_date"`
	ReportKind    string  `json:"report_kind"`
	EngineVersion *string `json:"engine_version,omitempty"`
	Status        *string `json:"status,omitempty"`
	StartedAt     *string `json:"started_at,omitempty"`
	FinishedAt    *string `json:"finished_at,omitempty"`
	ErrorType     *string `json:"error_type,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// Store is the read adapter. It never writes.
type Store struct {
	db   store.DBTX
	caps Capabilities
}

// New introspects db once and returns an adapter bound to what it found.
func New(ctx context.Context, db store.DBTX) (*Store, error) {
	caps, err := Introspect(ctx, db)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, caps: caps}, nil
}

// NewWithCapabilities skips introspection for callers that already know the
// schema they are reading.
func NewWithCapabilities(db store.DBTX, caps Capabilities) *Store {
	return &Store{db: db, caps: caps}
}

// Capabilities returns the frozen column set the adapter queries against.
func (s *Store) Capabilities() Capabilities {
	return s.caps
}

// LoadRun assembles the payload of runID from L1 plus any L2 rows for its
// (trade_date, report_kind).
func (s *Store) LoadRun(ctx context.Context, runID string) (*RunPayload, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, ErrInvalidRunID
	}

	metaRows, err := queryMaps(ctx, s.db, "SELECT * FROM run_meta WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if len(metaRows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	meta := metaRows[0]

	p := &RunPayload{
		RunID:         runID,
		TradeDate:     asString(meta["trade_date"]),
		Kind:          asString(meta["report_kind"]),
		SchemaVersion: SchemaVersion,
		EngineVersion: asString(meta["engine_version"]),
	}

	if p.SnapshotRaw, err = s.loadSnapshots(ctx, runID); err != nil {
		return nil, err
	}
	if p.FactorResult, err = s.loadFactors(ctx, runID); err != nil {
		return nil, err
	}
	if p.GateDecision, err = s.loadGate(ctx, runID); err != nil {
		return nil, err
	}

	reportText, reportMeta, hasReport, err := s.loadReport(ctx, p.TradeDate, p.Kind)
	if err != nil {
		return nil, err
	}
	desPayload, desEngineVersion, err := s.loadEvidence(ctx, p.TradeDate, p.Kind)
	if err != nil {
		return nil, err
	}

	if p.EngineVersion == "" {
		p.EngineVersion = desEngineVersion
	}
	p.SlotsFinal = desPayload

	if desPayload != nil || hasReport {
		dump := ReportDump{}
		if desPayload != nil {
			dump["des_payload"] = desPayload
		}
		if reportText != "" {
			dump["rendered"] = reportText
		}
		if len(reportMeta) > 0 {
			dump["report_meta"] = reportMeta
		}
		p.ReportDump = dump
	}

	return p, nil
}

func (s *Store) loadSnapshots(ctx context.Context, runID string) (map[string]any, error) {
	query := "SELECT snapshot_name, payload_json"
	if s.caps.SnapshotSeq {
		query += ", seq FROM snapshot_raw WHERE run_id = ? ORDER BY snapshot_name, seq"
	} else {
		query += ", 0 FROM snapshot_raw WHERE run_id = ? ORDER BY snapshot_name, rowid"
	}
	return loadSlots(ctx, s.db, query, runID, "snapshot")
}

func (s *Store) loadFactors(ctx context.Context, runID string) (map[string]any, error) {
	query := "SELECT factor_name, payload_json"
	if s.caps.FactorSeq {
		query += ", seq FROM factor_result WHERE run_id = ? ORDER BY factor_name, seq"
	} else {
		query += ", 0 FROM factor_result WHERE run_id = ? ORDER BY factor_name, rowid"
	}
	return loadSlots(ctx, s.db, query, runID, "factor")
}

// loadSlots groups (name, payload_json, seq) rows by name. A name with one
// row maps to its payload; several rows map to a list ordered by seq.
func loadSlots(ctx context.Context, db store.DBTX, query, runID, where string) (map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("load %s rows: %w", where, err)
	}
	defer rows.Close()

	var (
		order   []string
		grouped = make(map[string][]any)
	)
	for rows.Next() {
		var (
			name    sql.NullString
			payload sql.NullString
			seq     sql.NullInt64
		)
		if err := rows.Scan(&name, &payload, &seq); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", where, err)
		}
		if name.String == "" {
			continue
		}
		value, err := decodeJSON(payload, where+":"+name.String)
		if err != nil {
			return nil, err
		}
		if _, seen := grouped[name.String]; !seen {
			order = append(order, name.String)
		}
		grouped[name.String] = append(grouped[name.String], value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s rows: %w", where, err)
	}

	out := make(map[string]any, len(order))
	for _, name := range order {
		items := grouped[name]
		if len(items) == 1 {
			out[name] = items[0]
		} else {
			out[name] = items
		}
	}
	return out, nil
}

func (s *Store) loadGate(ctx context.Context, runID string) (map[string]any, error) {
	cols := "*"
	if len(s.caps.GateColumns) > 0 {
		cols = strings.Join(s.caps.GateColumns, ", ")
	}
	rows, err := queryMaps(ctx, s.db, "SELECT "+cols+" FROM gate_decision WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("load gate: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	gate := rows[0]
	if raw, ok := gate["rule_hits_json"]; ok {
		hits, err := decodeJSON(toNullString(raw), "gate:rule_hits_json")
		if err != nil {
			return nil, err
		}
		gate["rule_hits"] = hits
	}
	return gate, nil
}

// loadReport returns the report text and meta for the key. meta_json that
// is not an object is ignored.
func (s *Store) loadReport(ctx context.Context, tradeDate, kind string) (string, map[string]any, bool, error) {
	if !s.caps.HasReports {
		return "", nil, false, nil
	}
	query := "SELECT content_text, NULL FROM report_artifact WHERE trade_date = ? AND report_kind = ?"
	if s.caps.ReportMeta {
		query = "SELECT content_text, meta_json FROM report_artifact WHERE trade_date = ? AND report_kind = ?"
	}

	var text, metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, tradeDate, kind).Scan(&text, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("load report: %w", err)
	}

	var meta map[string]any
	if metaJSON.Valid && metaJSON.String != "" {
		v, err := decodeJSON(metaJSON, "report:meta_json")
		if err != nil {
			return "", nil, false, err
		}
		meta, _ = v.(map[string]any)
	}
	return text.String, meta, true, nil
}

// loadEvidence returns the evidence payload and engine version for the key.
// A payload that is not an object is a shape error.
func (s *Store) loadEvidence(ctx context.Context, tradeDate, kind string) (map[string]any, string, error) {
	if !s.caps.HasEvidence {
		return nil, "", nil
	}

	var payloadJSON, engineVersion sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT des_payload_json, engine_version FROM decision_evidence_snapshot
		WHERE trade_date = ? AND report_kind = ?
	`, tradeDate, kind).Scan(&payloadJSON, &engineVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load evidence: %w", err)
	}

	v, err := decodeJSON(payloadJSON, "des:des_payload_json")
	if err != nil {
		return nil, "", err
	}
	payload, ok := v.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("%w: des:des_payload_json must decode to an object, got %T", ErrPayloadShape, v)
	}
	return payload, engineVersion.String, nil
}

// FindRuns lists runs newest first. run_id, trade_date and report_kind are
// always set; the rest only when this database has the column.
func (s *Store) FindRuns(ctx context.Context, f RunFilter) ([]RunSummary, error) {
	cols := []string{"run_id", "trade_date", "report_kind"}
	optional := []struct {
		column  string
		present bool
	}{
		{"engine_version", s.caps.EngineVersion},
		{"status", s.caps.Status},
		{s.caps.StartedAtColumn, s.caps.StartedAtColumn != ""},
		{s.caps.FinishedAtColumn, s.caps.FinishedAtColumn != ""},
		{"error_type", s.caps.ErrorType},
		{"error_message", s.caps.ErrorMessage},
	}
	for _, o := range optional {
		if o.present {
			cols = append(cols, o.column)
		}
	}

	var (
		where []string
		args  []any
	)
	if f.TradeDate != "" {
		where = append(where, "trade_date = ?")
		args = append(args, f.TradeDate)
	}
	if f.Kind != "" {
		where = append(where, "report_kind = ?")
		args = append(args, f.Kind)
	}

	query := "SELECT " + strings.Join(cols, ", ") + " FROM run_meta"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if s.caps.StartedAtColumn != "" {
		query += " ORDER BY " + s.caps.StartedAtColumn + " DESC, rowid DESC"
	} else {
		query += " ORDER BY rowid DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := queryMaps(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find runs: %w", err)
	}

	out := make([]RunSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, RunSummary{
			RunID:         asString(row["run_id"]),
			TradeDate:     asString(row["trade_date"]),
			ReportKind:    asString(row["report_kind"]),
			EngineVersion: optionalString(row, "engine_version"),
			Status:        optionalString(row, "status"),
			StartedAt:     optionalString(row, s.caps.StartedAtColumn),
			FinishedAt:    optionalString(row, s.caps.FinishedAtColumn),
			ErrorType:     optionalString(row, "error_type"),
			ErrorMessage:  optionalString(row, "error_message"),
		})
	}
	return out, nil
}

// queryMaps runs query and returns each row as column -> value.
func queryMaps(ctx context.Context, db store.DBTX, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func decodeJSON(s sql.NullString, where string) (any, error) {
	if !s.Valid {
		return nil, nil
	}
	v, err := canon.Decode([]byte(s.String))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: invalid json: %v", ErrPayloadShape, where, err)
	}
	return v, nil
}

func toNullString(v any) sql.NullString {
	switch t := v.(type) {
	case nil:
		return sql.NullString{}
	case string:
		return sql.NullString{String: t, Valid: true}
	default:
		return sql.NullString{String: fmt.Sprint(t), Valid: true}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func optionalString(row map[string]any, column string) *string {
	if column == "" {
		return nil
	}
	v, ok := row[column]
	if !ok || v == nil {
		return nil
	}
	s := asString(v)
	return &s
}
