package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	_, path := openTestDB(t)

	_, err := os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		db, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, db.Close())
	}

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	tables := []string{
		"report_artifact", "decision_evidence_snapshot", "report_des_link", "persistence_audit",
		"run_meta", "snapshot_raw", "factor_result", "gate_decision",
	}
	for _, table := range tables {
		cols, err := TableColumns(context.Background(), db, table)
		require.NoError(t, err)
		assert.NotEmpty(t, cols, "table %s missing", table)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	db, _ := openTestDB(t)

	tests := []struct {
		pragma   string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var value string
			require.NoError(t, db.QueryRow("PRAGMA "+tt.pragma).Scan(&value))
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestOpen_SetsUserVersion(t *testing.T) {
	db, _ := openTestDB(t)

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestMigrate_BackfillsOldL1Columns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE run_meta (
			run_id TEXT PRIMARY KEY, trade_date TEXT, report_kind TEXT,
			engine_version TEXT, status TEXT, started_at TEXT
		);
		CREATE TABLE snapshot_raw (
			run_id TEXT, snapshot_name TEXT, payload_json TEXT, created_at TEXT
		);
		CREATE TABLE factor_result (
			run_id TEXT, factor_name TEXT, payload_json TEXT, created_at TEXT
		);
	`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	snap, err := TableColumns(ctx, db, "snapshot_raw")
	require.NoError(t, err)
	assert.True(t, snap["seq"])

	factor, err := TableColumns(ctx, db, "factor_result")
	require.NoError(t, err)
	assert.True(t, factor["seq"])
	assert.True(t, factor["factor_version"])

	meta, err := TableColumns(ctx, db, "run_meta")
	require.NoError(t, err)
	assert.True(t, meta["finished_at"])
	assert.True(t, meta["error_type"])
	assert.True(t, meta["error_message"])
}

func TestTableColumns_MissingTable(t *testing.T) {
	db, _ := openTestDB(t)

	cols, err := TableColumns(context.Background(), db, "no_such_table")
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestTableColumns_RejectsInjection(t *testing.T) {
	db, _ := openTestDB(t)

	_, err := TableColumns(context.Background(), db, "x'); DROP TABLE run_meta; --")
	assert.Error(t, err)
}
