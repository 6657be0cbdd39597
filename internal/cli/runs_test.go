package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

func seedStartedRuns(t *testing.T) string {
	t.Helper()
	db, path := newTestDB(t)
	runs := store.NewRuns(db, testOpts()...)
	ctx := context.Background()

	_, err := runs.StartRun(ctx, "2025-12-26", "EOD", "v1")
	require.NoError(t, err)
	_, err = runs.StartRun(ctx, "2025-12-27", "EOD", "v1")
	require.NoError(t, err)
	return path
}

func TestRuns_JSONGolden(t *testing.T) {
	path := seedStartedRuns(t)

	stdout, _, err := execute(t, "runs", "--db", path, "--format", "json")
	require.NoError(t, err)
	newGoldie(t).Assert(t, "runs_json", []byte(stdout))
}

func TestRuns_TextGolden(t *testing.T) {
	path := seedStartedRuns(t)

	stdout, _, err := execute(t, "runs", "--db", path)
	require.NoError(t, err)
	newGoldie(t).Assert(t, "runs_text", []byte(stdout))
}

func TestRuns_Filters(t *testing.T) {
	path := seedStartedRuns(t)

	stdout, _, err := execute(t, "runs", "--db", path, "--format", "json", "--trade-date", "2025-12-26")
	require.NoError(t, err)

	var resp struct {
		Data RunsResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "run-0001", resp.Data.Runs[0].RunID)

	stdout, _, err = execute(t, "runs", "--db", path, "--format", "json", "--limit", "1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "run-0002", resp.Data.Runs[0].RunID, "newest first")
}

func TestRuns_Empty(t *testing.T) {
	_, path := newTestDB(t)

	stdout, _, err := execute(t, "runs", "--db", path, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"runs": []`)
	assert.Contains(t, stdout, `"total": 0`)
}
