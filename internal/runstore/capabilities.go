package runstore

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

var requiredTables = []string{"run_meta", "snapshot_raw", "factor_result", "gate_decision"}

// gateColumnOrder fixes the position of the known gate columns; any others
// follow alphabetically.
var gateColumnOrder = []string{"run_id", "gate", "drs", "frf", "action_hint", "rule_hits_json", "created_at"}

// Capabilities records which optional tables and columns a database has.
type Capabilities struct {
	SnapshotSeq      bool
	FactorSeq        bool
	FactorVersion    bool
	EngineVersion    bool
	Status           bool
	ErrorType        bool
	ErrorMessage     bool
	StartedAtColumn  string // "" when run_meta has no start timestamp
	FinishedAtColumn string // "" when run_meta has no finish timestamp
	HasReports       bool
	ReportMeta       bool
	HasEvidence      bool
	GateColumns      []string
}

// FullCapabilities describes a database created by store.Open.
func FullCapabilities() Capabilities {
	return Capabilities{
		SnapshotSeq:      true,
		FactorSeq:        true,
		FactorVersion:    true,
		EngineVersion:    true,
		Status:           true,
		ErrorType:        true,
		ErrorMessage:     true,
		StartedAtColumn:  "started_at",
		FinishedAtColumn: "finished_at",
		HasReports:       true,
		ReportMeta:       true,
		HasEvidence:      true,
		GateColumns:      slices.Clone(gateColumnOrder),
	}
}

// Introspect reads sqlite_master and PRAGMA table_info once. A database
// missing any L1 table is rejected.
func Introspect(ctx context.Context, db store.DBTX) (Capabilities, error) {
	tables, err := listTables(ctx, db)
	if err != nil {
		return Capabilities{}, err
	}

	var missing []string
	for _, t := range requiredTables {
		if !tables[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return Capabilities{}, fmt.Errorf("runstore: missing required tables: %s", strings.Join(missing, ","))
	}

	cols := make(map[string]map[string]bool)
	for _, t := range []string{"run_meta", "snapshot_raw", "factor_result", "gate_decision", "report_artifact"} {
		if !tables[t] {
			continue
		}
		c, err := store.TableColumns(ctx, db, t)
		if err != nil {
			return Capabilities{}, fmt.Errorf("runstore: %w", err)
		}
		cols[t] = c
	}

	meta := cols["run_meta"]
	caps := Capabilities{
		SnapshotSeq:   cols["snapshot_raw"]["seq"],
		FactorSeq:     cols["factor_result"]["seq"],
		FactorVersion: cols["factor_result"]["factor_version"],
		EngineVersion: meta["engine_version"],
		Status:        meta["status"],
		ErrorType:     meta["error_type"],
		ErrorMessage:  meta["error_message"],
		HasReports:    tables["report_artifact"],
		ReportMeta:    cols["report_artifact"]["meta_json"],
		HasEvidence:   tables["decision_evidence_snapshot"],
		GateColumns:   orderGateColumns(cols["gate_decision"]),
	}
	caps.StartedAtColumn = firstPresent(meta, "started_at", "started_at_utc", "created_at")
	caps.FinishedAtColumn = firstPresent(meta, "finished_at", "finished_at_utc")
	return caps, nil
}

func listTables(ctx context.Context, db store.DBTX) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("runstore: list tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("runstore: list tables: %w", err)
		}
		tables[name] = true
	}
	return tables, rows.Err()
}

func orderGateColumns(present map[string]bool) []string {
	var out []string
	for _, c := range gateColumnOrder {
		if present[c] {
			out = append(out, c)
		}
	}
	var extra []string
	for c := range present {
		if !slices.Contains(gateColumnOrder, c) {
			extra = append(extra, c)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

func firstPresent(cols map[string]bool, names ...string) string {
	for _, n := range names {
		if cols[n] {
			return n
		}
	}
	return ""
}
