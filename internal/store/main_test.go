package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/happyfish020/MarketMonitor-sub001/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// openTestDB opens a fresh migrated database file under t.TempDir.
func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

// testOpts pins the clock and run ids so timestamps and notes are stable.
func testOpts() []Option {
	return []Option{
		WithClock(testutil.NewStepClock().Now),
		WithRunIDs(testutil.NewSeqRunIDs("run")),
	}
}

// validEvidence returns a payload carrying every mandatory top-level key.
func validEvidence() map[string]any {
	return map[string]any{
		"context":    map[string]any{},
		"factors":    map[string]any{},
		"structure":  map[string]any{},
		"governance": map[string]any{},
		"rule_trace": []any{},
	}
}

func demoRequest() PublishRequest {
	return PublishRequest{
		TradeDate:     "2025-12-27",
		ReportKind:    "EOD",
		ReportText:    "# Demo",
		Evidence:      validEvidence(),
		EngineVersion: "v1",
	}
}

func countRows(t *testing.T, db DBTX, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
