package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
	"github.com/happyfish020/MarketMonitor-sub001/internal/testutil"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func storeOpts() []store.Option {
	return []store.Option{
		store.WithClock(testutil.NewStepClock().Now),
		store.WithRunIDs(testutil.NewSeqRunIDs("run")),
	}
}

func evidence() map[string]any {
	return map[string]any{
		"context":    map[string]any{"trade_date": "2025-12-27"},
		"factors":    map[string]any{"breadth": map[string]any{"score": 0.4}},
		"structure":  map[string]any{},
		"governance": map[string]any{"gate": "CAUTION"},
		"rule_trace": []any{},
	}
}

// seedCompletedRun publishes L2 and records a full L1 run for one day.
// opts must be shared across calls on one db so run ids stay unique.
func seedCompletedRun(t *testing.T, db *sql.DB, opts []store.Option, tradeDate string) string {
	t.Helper()
	ctx := context.Background()

	runs := store.NewRuns(db, opts...)
	runID, err := runs.StartRun(ctx, tradeDate, "EOD", "v1")
	require.NoError(t, err)

	require.NoError(t, runs.RecordSnapshot(ctx, runID, "index_close", 0, map[string]any{"close": 3400}))
	require.NoError(t, runs.RecordSnapshot(ctx, runID, "turnover", 1, map[string]any{"amount": 2}))
	require.NoError(t, runs.RecordSnapshot(ctx, runID, "turnover", 0, map[string]any{"amount": 1}))
	require.NoError(t, runs.RecordFactor(ctx, runID, "breadth", "1", 0, map[string]any{"score": 0.4}))
	require.NoError(t, runs.RecordGate(ctx, runID, store.GateDecision{
		Gate:       "CAUTION",
		DRS:        "YELLOW",
		FRF:        "LOW",
		ActionHint: "reduce",
		RuleHits:   map[string]any{"R1": true},
	}))

	pub := store.NewPublisher(db, opts...)
	_, _, err = pub.Publish(ctx, store.PublishRequest{
		TradeDate:     tradeDate,
		ReportKind:    "EOD",
		ReportText:    "# Report " + tradeDate,
		Evidence:      evidence(),
		EngineVersion: "v1",
		Meta:          map[string]any{"run_id": runID, "source": "test"},
	})
	require.NoError(t, err)

	require.NoError(t, runs.FinishRun(ctx, runID, store.StatusCompleted, "", ""))
	return runID
}

func TestNew_FullSchema(t *testing.T) {
	db := openTestDB(t)

	s, err := New(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, FullCapabilities(), s.Capabilities())
}

func TestNew_MissingRequiredTable(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE run_meta (run_id TEXT PRIMARY KEY, trade_date TEXT, report_kind TEXT)`)
	require.NoError(t, err)

	_, err = New(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot_raw,factor_result,gate_decision")
}

func TestLoadRun_Full(t *testing.T) {
	db := openTestDB(t)
	runID := seedCompletedRun(t, db, storeOpts(), "2025-12-27")

	s, err := New(context.Background(), db)
	require.NoError(t, err)

	p, err := s.LoadRun(context.Background(), "  "+runID+" ")
	require.NoError(t, err)

	assert.Equal(t, runID, p.RunID)
	assert.Equal(t, "2025-12-27", p.TradeDate)
	assert.Equal(t, "EOD", p.Kind)
	assert.Equal(t, SchemaVersion, p.SchemaVersion)
	assert.Equal(t, "v1", p.EngineVersion)

	assert.Equal(t, map[string]any{"close": json.Number("3400")}, p.SnapshotRaw["index_close"])
	assert.Equal(t, []any{
		map[string]any{"amount": json.Number("1")},
		map[string]any{"amount": json.Number("2")},
	}, p.SnapshotRaw["turnover"], "multi-row slots are ordered by seq")

	assert.Equal(t, map[string]any{"score": json.Number("0.4")}, p.FactorResult["breadth"])

	require.NotNil(t, p.GateDecision)
	assert.Equal(t, "CAUTION", p.GateDecision["gate"])
	assert.Equal(t, "YELLOW", p.GateDecision["drs"])
	assert.Equal(t, "reduce", p.GateDecision["action_hint"])
	assert.Equal(t, map[string]any{"R1": true}, p.GateDecision["rule_hits"])

	require.NotNil(t, p.ReportDump)
	assert.Equal(t, "# Report 2025-12-27", p.ReportDump["rendered"])
	assert.Equal(t, map[string]any{"run_id": runID, "source": "test"}, p.ReportDump["report_meta"])

	des, ok := p.ReportDump["des_payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, des, p.SlotsFinal)
	assert.Equal(t, map[string]any{"run_id": runID}, des["report_meta"])
}

func TestLoadRun_Errors(t *testing.T) {
	db := openTestDB(t)
	s, err := New(context.Background(), db)
	require.NoError(t, err)

	_, err = s.LoadRun(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidRunID)

	_, err = s.LoadRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLoadRun_NoL2(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	runs := store.NewRuns(db, storeOpts()...)
	runID, err := runs.StartRun(ctx, "2025-12-27", "EOD", "v1")
	require.NoError(t, err)

	s, err := New(ctx, db)
	require.NoError(t, err)

	p, err := s.LoadRun(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, p.ReportDump)
	assert.Nil(t, p.SlotsFinal)
	assert.Nil(t, p.GateDecision)
	assert.Empty(t, p.SnapshotRaw)
	assert.Empty(t, p.FactorResult)
}

func TestLoadRun_EvidenceNotObject(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runID := seedCompletedRun(t, db, storeOpts(), "2025-12-27")

	_, err := db.Exec(`UPDATE decision_evidence_snapshot SET des_payload_json = '[1,2]'`)
	require.NoError(t, err)

	s, err := New(ctx, db)
	require.NoError(t, err)
	_, err = s.LoadRun(ctx, runID)
	assert.ErrorIs(t, err, ErrPayloadShape)
}

func TestLoadRun_CorruptSlotJSON(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runID := seedCompletedRun(t, db, storeOpts(), "2025-12-27")

	_, err := db.Exec(`UPDATE factor_result SET payload_json = '{broken'`)
	require.NoError(t, err)

	s, err := New(ctx, db)
	require.NoError(t, err)
	_, err = s.LoadRun(ctx, runID)
	assert.ErrorIs(t, err, ErrPayloadShape)
}

func TestLoadRun_SchemaDrift(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "old.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE run_meta (run_id TEXT PRIMARY KEY, trade_date TEXT, report_kind TEXT, created_at TEXT);
		CREATE TABLE snapshot_raw (run_id TEXT, snapshot_name TEXT, payload_json TEXT);
		CREATE TABLE factor_result (run_id TEXT, factor_name TEXT, payload_json TEXT);
		CREATE TABLE gate_decision (run_id TEXT PRIMARY KEY, gate TEXT, drs TEXT);
		CREATE TABLE decision_evidence_snapshot (
			trade_date TEXT, report_kind TEXT, engine_version TEXT, des_payload_json TEXT
		);

		INSERT INTO run_meta VALUES ('old-1', '2024-01-02', 'EOD', '2024-01-02T08:00:00Z');
		INSERT INTO snapshot_raw VALUES ('old-1', 'a', '{"n":1}');
		INSERT INTO snapshot_raw VALUES ('old-1', 'a', '{"n":2}');
		INSERT INTO factor_result VALUES ('old-1', 'f', '3');
		INSERT INTO gate_decision VALUES ('old-1', 'NORMAL', 'GREEN');
		INSERT INTO decision_evidence_snapshot VALUES ('2024-01-02', 'EOD', 'v0', '{"context":{}}');
	`)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := New(ctx, db)
	require.NoError(t, err)

	caps := s.Capabilities()
	assert.False(t, caps.SnapshotSeq)
	assert.False(t, caps.FactorVersion)
	assert.False(t, caps.HasReports)
	assert.True(t, caps.HasEvidence)
	assert.Equal(t, "created_at", caps.StartedAtColumn)
	assert.Empty(t, caps.FinishedAtColumn)
	assert.Equal(t, []string{"run_id", "gate", "drs"}, caps.GateColumns)

	p, err := s.LoadRun(ctx, "old-1")
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"n": json.Number("1")},
		map[string]any{"n": json.Number("2")},
	}, p.SnapshotRaw["a"])
	assert.Equal(t, json.Number("3"), p.FactorResult["f"])
	assert.Equal(t, map[string]any{"run_id": "old-1", "gate": "NORMAL", "drs": "GREEN"}, p.GateDecision)
	assert.Equal(t, "v0", p.EngineVersion, "falls back to the evidence engine version")
	assert.Equal(t, ReportDump{"des_payload": map[string]any{"context": map[string]any{}}}, p.ReportDump)

	found, err := s.FindRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Nil(t, found[0].Status)
	assert.Nil(t, found[0].FinishedAt)
	require.NotNil(t, found[0].StartedAt)
	assert.Equal(t, "2024-01-02T08:00:00Z", *found[0].StartedAt)
}

func TestFindRuns_FiltersAndOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	opts := storeOpts()
	first := seedCompletedRun(t, db, opts, "2025-12-26")
	second := seedCompletedRun(t, db, opts, "2025-12-27")

	s, err := New(ctx, db)
	require.NoError(t, err)

	all, err := s.FindRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].RunID, "newest first")
	assert.Equal(t, first, all[1].RunID)
	require.NotNil(t, all[0].Status)
	assert.Equal(t, "COMPLETED", *all[0].Status)
	assert.NotNil(t, all[0].FinishedAt)

	byDate, err := s.FindRuns(ctx, RunFilter{TradeDate: "2025-12-26", Kind: "EOD"})
	require.NoError(t, err)
	require.Len(t, byDate, 1)
	assert.Equal(t, first, byDate[0].RunID)

	limited, err := s.FindRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.FindRuns(ctx, RunFilter{Kind: "PRE_OPEN"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
