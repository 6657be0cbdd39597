package cli

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/happyfish020/MarketMonitor-sub001/internal/config"
	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
	"github.com/happyfish020/MarketMonitor-sub001/internal/testutil"
)

// execute runs the root command with args against an isolated config.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	opts := &RootOptions{
		LoadOptions: []config.LoadOption{
			config.WithEnvFile(""),
			config.WithLookupEnv(func(string) (string, bool) { return "", false }),
		},
	}
	cmd := newRootCommand(opts)
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func newTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urisk.db")
	db, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func testOpts() []store.Option {
	return []store.Option{
		store.WithClock(testutil.NewStepClock().Now),
		store.WithRunIDs(testutil.NewSeqRunIDs("run")),
	}
}

func testEvidence(drs string) map[string]any {
	return map[string]any{
		"context":    map[string]any{"trade_date": "2025-12-27"},
		"factors":    map[string]any{"breadth": map[string]any{"score": 0.4}},
		"structure":  map[string]any{"trend_in_force": map[string]any{"state": "in_force"}},
		"governance": map[string]any{"gate": "CAUTION", "drs": drs},
		"rule_trace": []any{},
	}
}

// seedRun records a full L1 run for tradeDate, publishes it and completes it.
func seedRun(t *testing.T, db *sql.DB, opts []store.Option, tradeDate string) string {
	t.Helper()
	ctx := context.Background()

	runs := store.NewRuns(db, opts...)
	runID, err := runs.StartRun(ctx, tradeDate, "EOD", "v1")
	require.NoError(t, err)
	require.NoError(t, runs.RecordSnapshot(ctx, runID, "index_close", 0, map[string]any{"close": 3400}))
	require.NoError(t, runs.RecordFactor(ctx, runID, "breadth", "1", 0, map[string]any{"score": 0.4}))
	require.NoError(t, runs.RecordGate(ctx, runID, store.GateDecision{Gate: "CAUTION", DRS: "YELLOW"}))

	_, _, err = store.NewPublisher(db, opts...).Publish(ctx, store.PublishRequest{
		TradeDate:     tradeDate,
		ReportKind:    "EOD",
		ReportText:    "# Report " + tradeDate,
		Evidence:      testEvidence("YELLOW"),
		EngineVersion: "v1",
		Meta:          map[string]any{"run_id": runID, "source": "test"},
	})
	require.NoError(t, err)
	require.NoError(t, runs.FinishRun(ctx, runID, store.StatusCompleted, "", ""))
	return runID
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
